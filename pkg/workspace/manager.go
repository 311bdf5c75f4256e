package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crewline/foreman/pkg/log"
)

// Handle references one allocated workspace. A handle is owned by exactly
// one task from allocation to disposal.
type Handle struct {
	TaskID  string
	Path    string
	Branch  string
	BaseRef string // commit the worktree was created from
}

// Manager allocates, cleans, and disposes git worktrees off a shared base
// repository. Operations against the base root are serialised; worktrees
// themselves are independent once created.
type Manager struct {
	baseRepo string
	root     string

	mu     sync.Mutex
	logger zerolog.Logger

	// run is replaceable for tests
	run func(ctx context.Context, dir string, args ...string) (string, error)
}

// NewManager creates a manager for worktrees under root, branching off the
// repository at baseRepo.
func NewManager(baseRepo, root string) (*Manager, error) {
	info, err := os.Stat(baseRepo)
	if err != nil {
		return nil, fmt.Errorf("base repository %s: %w", baseRepo, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base repository %s is not a directory", baseRepo)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace root %s: %w", root, err)
	}
	return &Manager{
		baseRepo: baseRepo,
		root:     root,
		logger:   log.WithComponent("workspace"),
		run:      RunGit,
	}, nil
}

// Allocate creates a fresh, isolated worktree for taskID rooted at
// baseRevision (the base repository HEAD when empty). On failure no partial
// state remains on disk.
func (m *Manager) Allocate(ctx context.Context, taskID, baseRevision string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rev := baseRevision
	if rev == "" {
		rev = "HEAD"
	}
	base, err := m.run(ctx, m.baseRepo, "rev-parse", "--verify", rev+"^{commit}")
	if err != nil {
		return nil, fmt.Errorf("resolve revision %q: %w", rev, err)
	}
	base = strings.TrimSpace(base)

	branch := fmt.Sprintf("task/%s-%s", taskID, uuid.NewString()[:8])
	path := filepath.Join(m.root, taskID)

	if _, err := m.run(ctx, m.baseRepo, "worktree", "add", "-b", branch, path, base); err != nil {
		// Roll back whatever the failed add left behind
		_, _ = m.run(ctx, m.baseRepo, "worktree", "remove", "--force", path)
		_, _ = m.run(ctx, m.baseRepo, "branch", "-D", branch)
		_ = os.RemoveAll(path)
		_, _ = m.run(ctx, m.baseRepo, "worktree", "prune")
		return nil, fmt.Errorf("worktree add: %w", err)
	}

	h := &Handle{TaskID: taskID, Path: path, Branch: branch, BaseRef: base}
	m.logger.Debug().Str("task_id", taskID).Str("branch", branch).Str("base", base).Msg("workspace allocated")
	return h, nil
}

// Clean discards all uncommitted and untracked changes in the workspace
func (m *Manager) Clean(ctx context.Context, h *Handle) error {
	if _, err := m.run(ctx, h.Path, "checkout", "--", "."); err != nil {
		return fmt.Errorf("discard modifications: %w", err)
	}
	if _, err := m.run(ctx, h.Path, "clean", "-fdx"); err != nil {
		return fmt.Errorf("remove untracked files: %w", err)
	}
	return nil
}

// Dispose removes the worktree and its branch. Idempotent: disposing a
// handle that is already gone returns nil. A non-nil error never aborts the
// caller's pipeline; it is reported as a non-fatal diagnostic.
func (m *Manager) Dispose(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if _, statErr := os.Stat(h.Path); statErr == nil {
		if _, err := m.run(ctx, m.baseRepo, "worktree", "remove", "--force", h.Path); err != nil {
			firstErr = fmt.Errorf("worktree remove: %w", err)
			// Fall back to deleting the directory so disk is reclaimed
			_ = os.RemoveAll(h.Path)
		}
	}
	if _, err := m.run(ctx, m.baseRepo, "branch", "-D", h.Branch); err != nil && firstErr == nil {
		if !strings.Contains(err.Error(), "not found") {
			firstErr = fmt.Errorf("branch delete: %w", err)
		}
	}
	_, _ = m.run(ctx, m.baseRepo, "worktree", "prune")

	if firstErr != nil {
		m.logger.Warn().Err(firstErr).Str("task_id", h.TaskID).Msg("workspace disposal failed")
		return firstErr
	}
	m.logger.Debug().Str("task_id", h.TaskID).Msg("workspace disposed")
	return nil
}

// CommitDepth counts commits the worker authored on top of the base ref
func (m *Manager) CommitDepth(ctx context.Context, h *Handle) (int, error) {
	out, err := m.run(ctx, h.Path, "rev-list", "--count", h.BaseRef+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("rev-list: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("rev-list output %q: %w", out, err)
	}
	return n, nil
}

// Tip returns the current tip commit of the workspace branch
func (m *Manager) Tip(ctx context.Context, h *Handle) (string, error) {
	out, err := m.run(ctx, h.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse: %w", err)
	}
	return strings.TrimSpace(out), nil
}
