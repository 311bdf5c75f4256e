package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
listen_addr: ":9090"
capacity: 2
shared_secret: "0123456789abcdef0123456789abcdef"
base_repo_path: /srv/repo
workspace_root: /srv/workspaces
worker_command: "worker --task {taskId}"
token_command: "token-helper"
default_timeout: 10m
max_timeout: 1h
log_level: debug
log_format: console
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.Capacity)
	assert.Equal(t, "/srv/repo", cfg.BaseRepoPath)
	assert.Equal(t, 10*time.Minute, cfg.DefaultTimeout.Std())
	assert.Equal(t, time.Hour, cfg.MaxTimeout.Std())
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadDefaults(t *testing.T) {
	minimal := `
shared_secret: "0123456789abcdef0123456789abcdef"
base_repo_path: /srv/repo
workspace_root: /srv/workspaces
worker_command: "worker"
token_command: "token-helper"
`
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.Capacity)
	assert.Equal(t, 30*time.Minute, cfg.DefaultTimeout.Std())
	assert.Equal(t, 5, cfg.CallbackAttempts)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv(EnvSharedSecret, "env-secret-env-secret-env-secret")
	t.Setenv(EnvTokenCommand, "env-token-helper")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "env-secret-env-secret-env-secret", cfg.SharedSecret)
	assert.Equal(t, "env-token-helper", cfg.TokenCommand)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	noSecret := `
base_repo_path: /srv/repo
workspace_root: /srv/workspaces
worker_command: "worker"
token_command: "token-helper"
`
	_, err := Load(writeConfig(t, noSecret))
	assert.Error(t, err)
}

func TestLoadRejectsShortSecret(t *testing.T) {
	short := `
shared_secret: "tooshort"
base_repo_path: /srv/repo
workspace_root: /srv/workspaces
worker_command: "worker"
token_command: "token-helper"
`
	_, err := Load(writeConfig(t, short))
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	bad := validYAML + "\ntoken_refresh_margin: sometime\n"
	_, err := Load(writeConfig(t, bad))
	assert.Error(t, err)
}

func TestValidateTimeoutOrdering(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.MaxTimeout = Duration(time.Minute)
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	bad := `
shared_secret: "0123456789abcdef0123456789abcdef"
base_repo_path: /srv/repo
workspace_root: /srv/workspaces
worker_command: "worker"
token_command: "token-helper"
log_level: verbose
`
	_, err := Load(writeConfig(t, bad))
	assert.Error(t, err)
}
