package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewline/foreman/pkg/api"
	"github.com/crewline/foreman/pkg/auth"
	"github.com/crewline/foreman/pkg/callback"
	"github.com/crewline/foreman/pkg/config"
	"github.com/crewline/foreman/pkg/dispatcher"
	"github.com/crewline/foreman/pkg/guard"
	"github.com/crewline/foreman/pkg/log"
	"github.com/crewline/foreman/pkg/metrics"
	"github.com/crewline/foreman/pkg/runner"
	"github.com/crewline/foreman/pkg/token"
	"github.com/crewline/foreman/pkg/workspace"
)

// drainTimeout bounds graceful shutdown: live workers and pending
// callbacks get this long before the process exits anyway
const drainTimeout = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Foreman dispatch service",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "foreman.yaml", "Path to the configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		// Startup misconfiguration exits 1 via rootCmd error handling
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogFormat != "console",
		Output:     os.Stderr,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("config", cfgPath).Msg("foreman starting")

	provider := token.NewProvider(
		token.CommandRefresher(strings.Fields(cfg.TokenCommand), cfg.TokenTTL.Std()),
		cfg.TokenRefreshMargin.Std(),
	)
	provider.StartProactiveRefresh()
	defer provider.Stop()

	workspaces, err := workspace.NewManager(cfg.BaseRepoPath, cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("workspace manager: %w", err)
	}

	emitter := callback.NewEmitter(cfg.CallbackAttempts)
	workers := runner.New(strings.Fields(cfg.WorkerCommand), runner.DefaultGraceWindow)

	d := dispatcher.New(workspaces, provider, workers, guard.New(), emitter, dispatcher.Options{
		Capacity:       cfg.Capacity,
		DefaultTimeout: cfg.DefaultTimeout.Std(),
		MaxTimeout:     cfg.MaxTimeout.Std(),
	})

	metrics.RegisterComponent("dispatcher", true, "")
	metrics.RegisterComponent("token", true, "")

	// Drain once, whether triggered by signal or the admin endpoint
	var drainOnce sync.Once
	done := make(chan struct{})
	drain := func() {
		drainOnce.Do(func() {
			logger.Info().Msg("shutdown initiated")
			metrics.UpdateComponent("dispatcher", false, "draining")
			d.Drain()
			go func() {
				d.Wait()
				ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
				defer cancel()
				if err := emitter.Shutdown(ctx); err != nil {
					logger.Warn().Err(err).Msg("callback drain incomplete")
				}
				close(done)
			}()
		})
	}

	verifier := auth.NewVerifier(cfg.SharedSecret)
	server := api.NewServer(cfg.ListenAddr, d, verifier, cfg.Production, drain)
	server.SetRefreshHook(func(ctx context.Context) error {
		return provider.Refresh(ctx)
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// drainTimer stays nil (blocking) until a drain begins
	var drainTimer <-chan time.Time

loop:
	for {
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("signal received")
			drain()
			if drainTimer == nil {
				drainTimer = time.After(drainTimeout + time.Minute)
			}
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-done:
			break loop
		case <-drainTimer:
			logger.Warn().Msg("drain timeout elapsed, exiting with live tasks")
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	logger.Info().Msg("foreman stopped")
	return nil
}
