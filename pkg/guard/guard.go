package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/crewline/foreman/pkg/log"
	"github.com/crewline/foreman/pkg/workspace"
)

// Result reports what the guard did to a workspace
type Result struct {
	Reverted  []string
	Remaining []string // sensitive files whose revert failed
	// AllSensitive is true when every changed file was sensitive and every
	// revert succeeded; the task terminates cancelled with reason
	// all_changes_sensitive and nothing is published.
	AllSensitive bool
}

// Guard detects sensitive paths in worker commits and reverts them before
// the result is published.
type Guard struct {
	logger zerolog.Logger

	// run is replaceable for tests
	run func(ctx context.Context, dir string, args ...string) (string, error)
}

// New creates a guard
func New() *Guard {
	return &Guard{
		logger: log.WithComponent("guard"),
		run:    workspace.RunGit,
	}
}

// Inspect enumerates files changed across the worker's commitDepth commits,
// reverts the sensitive ones to their pre-worker state, and commits the
// reverts. A per-file revert failure is recorded and does not abort the
// pass.
func (g *Guard) Inspect(ctx context.Context, h *workspace.Handle, commitDepth int) (*Result, error) {
	if commitDepth < 1 {
		return nil, fmt.Errorf("commit depth %d, need at least 1", commitDepth)
	}
	preRef := fmt.Sprintf("HEAD~%d", commitDepth)

	out, err := g.run(ctx, h.Path, "diff", "--name-only", preRef, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("enumerate changed files: %w", err)
	}

	var sensitive, benign []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		if Sensitive(line) {
			sensitive = append(sensitive, line)
		} else {
			benign = append(benign, line)
		}
	}

	res := &Result{}
	for _, file := range sensitive {
		if err := g.revert(ctx, h, preRef, file); err != nil {
			g.logger.Error().Err(err).Str("task_id", h.TaskID).Str("file", file).Msg("sensitive file revert failed")
			res.Remaining = append(res.Remaining, file)
			continue
		}
		res.Reverted = append(res.Reverted, file)
	}

	if len(res.Reverted) > 0 {
		if err := g.commitReverts(ctx, h); err != nil {
			// The working tree holds the reverts but the published tip does
			// not; treat every revert as failed so the caller reports it.
			g.logger.Error().Err(err).Str("task_id", h.TaskID).Msg("revert commit failed")
			res.Remaining = append(res.Remaining, res.Reverted...)
			res.Reverted = nil
		}
	}

	res.AllSensitive = len(benign) == 0 && len(res.Remaining) == 0 && len(sensitive) > 0
	return res, nil
}

// revert restores file to its state at preRef. Files absent at preRef were
// introduced by the worker and are removed outright.
func (g *Guard) revert(ctx context.Context, h *workspace.Handle, preRef, file string) error {
	if _, err := g.run(ctx, h.Path, "cat-file", "-e", preRef+":"+file); err != nil {
		if _, rmErr := g.run(ctx, h.Path, "rm", "-f", "--", file); rmErr != nil {
			return fmt.Errorf("remove introduced file: %w", rmErr)
		}
		return nil
	}
	if _, err := g.run(ctx, h.Path, "checkout", preRef, "--", file); err != nil {
		return fmt.Errorf("checkout pre-worker state: %w", err)
	}
	return nil
}

// commitReverts records the reverted state as one additional commit so the
// branch tip no longer exposes sensitive content.
func (g *Guard) commitReverts(ctx context.Context, h *workspace.Handle) error {
	if _, err := g.run(ctx, h.Path, "add", "-A"); err != nil {
		return fmt.Errorf("stage reverts: %w", err)
	}
	if _, err := g.run(ctx, h.Path,
		"-c", "user.name=foreman",
		"-c", "user.email=foreman@localhost",
		"commit", "-m", "remove sensitive files from task output"); err != nil {
		return fmt.Errorf("commit reverts: %w", err)
	}
	return nil
}
