/*
Package log provides structured logging for Foreman using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers and configurable log levels. All logs include
timestamps and support filtering by severity level.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	dispatchLog := log.WithComponent("dispatcher")
	dispatchLog.Info().Str("task_id", "t-1").Msg("task admitted")

# Integration Points

This package integrates with:

  - pkg/dispatcher: admission decisions and pipeline stage transitions
  - pkg/runner: worker subprocess lifecycle
  - pkg/callback: delivery attempts, retries, and drops
  - pkg/workspace: worktree allocation and disposal
  - pkg/api: request logging middleware

Never log secrets: callback secrets, the shared admission secret, and the
downstream credential must not appear in any log line.
*/
package log
