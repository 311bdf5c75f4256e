package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides for secrets, so they can stay out of the file
const (
	EnvSharedSecret = "FOREMAN_SHARED_SECRET"
	EnvTokenCommand = "FOREMAN_CODEHOST_TOKEN_CMD"
)

// Duration wraps time.Duration for YAML fields like "30s" or "5m"
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds everything Foreman needs to run
type Config struct {
	// ListenAddr is the HTTP bind address for the task API
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// Capacity is the maximum number of concurrently running tasks
	Capacity int `yaml:"capacity" validate:"required,gt=0"`

	// SharedSecret authenticates inbound submissions and signs outbound
	// callbacks. Overridable via FOREMAN_SHARED_SECRET.
	SharedSecret string `yaml:"shared_secret" validate:"required,min=16"`

	// Production tightens external-facing behavior (https-only callback
	// URLs, JSON log output)
	Production bool `yaml:"production"`

	// BaseRepoPath is the git repository tasks branch from
	BaseRepoPath string `yaml:"base_repo_path" validate:"required"`

	// WorkspaceRoot is where per-task worktrees are created
	WorkspaceRoot string `yaml:"workspace_root" validate:"required"`

	// WorkerCommand launches the worker subprocess. Supports {taskId}
	// and {workerType} placeholders.
	WorkerCommand string `yaml:"worker_command" validate:"required"`

	// DefaultTimeout applies when a submission carries none; MaxTimeout
	// caps submitted values
	DefaultTimeout Duration `yaml:"default_timeout"`
	MaxTimeout     Duration `yaml:"max_timeout"`

	// CallbackAttempts is the retry budget for non-terminal callbacks
	CallbackAttempts int `yaml:"callback_attempts"`

	// TokenCommand prints a code-host credential on stdout, optionally
	// followed by a unix expiry. Overridable via FOREMAN_CODEHOST_TOKEN_CMD.
	TokenCommand string `yaml:"token_command" validate:"required"`

	// TokenTTL is the assumed credential lifetime when the token command
	// prints no expiry; TokenRefreshMargin refreshes this long before expiry
	TokenTTL           Duration `yaml:"token_ttl"`
	TokenRefreshMargin Duration `yaml:"token_refresh_margin"`

	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=json console"`
}

// Default returns a config with sensible defaults for everything that
// has one. Required fields stay empty and fail validation if unset.
func Default() *Config {
	return &Config{
		ListenAddr:         ":8080",
		Capacity:           4,
		DefaultTimeout:     Duration(30 * time.Minute),
		MaxTimeout:         Duration(2 * time.Hour),
		CallbackAttempts:   5,
		TokenTTL:           Duration(time.Hour),
		TokenRefreshMargin: Duration(5 * time.Minute),
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSharedSecret); v != "" {
		c.SharedSecret = v
	}
	if v := os.Getenv(EnvTokenCommand); v != "" {
		c.TokenCommand = v
	}
}

// Validate checks field constraints and cross-field consistency
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("invalid config: default_timeout must be positive")
	}
	if c.MaxTimeout < c.DefaultTimeout {
		return fmt.Errorf("invalid config: max_timeout %s below default_timeout %s",
			c.MaxTimeout.Std(), c.DefaultTimeout.Std())
	}
	if c.CallbackAttempts <= 0 {
		return fmt.Errorf("invalid config: callback_attempts must be positive")
	}
	return nil
}
