/*
Package workspace manages isolated git worktrees for task execution.

Each task gets a fresh worktree branched off a shared base repository at a
caller-chosen revision. The lifecycle is: allocate on admission, clean
(discard all uncommitted and untracked changes) before the worker runs and
again before the sensitive-file guard, dispose on terminal state.

Ownership: a handle is owned by exactly one task from allocation to
disposal. Physical paths may be reused after disposal; the combination of a
fresh branch, a clean step, and worktree pruning guarantees no content
leaks between successive tasks on the same root.

Disposal is idempotent and never blocks task completion: a failed removal
is logged, reported as a non-fatal diagnostic, and the directory is leaked
until process exit.
*/
package workspace
