package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/crewline/foreman/pkg/guard"
	"github.com/crewline/foreman/pkg/log"
	"github.com/crewline/foreman/pkg/metrics"
	"github.com/crewline/foreman/pkg/runner"
	"github.com/crewline/foreman/pkg/stream"
	"github.com/crewline/foreman/pkg/types"
	"github.com/crewline/foreman/pkg/workspace"
)

// Submission rejection and cancel outcomes
var (
	ErrDuplicateTask   = errors.New(types.CodeDuplicateTask)
	ErrAtCapacity      = errors.New(types.CodeAtCapacity)
	ErrNotFound        = errors.New("task not found")
	ErrAlreadyTerminal = errors.New("task already terminal")
)

// Workspaces is the slice of workspace.Manager the pipeline needs
type Workspaces interface {
	Allocate(ctx context.Context, taskID, baseRevision string) (*workspace.Handle, error)
	Clean(ctx context.Context, h *workspace.Handle) error
	Dispose(ctx context.Context, h *workspace.Handle) error
	CommitDepth(ctx context.Context, h *workspace.Handle) (int, error)
	Tip(ctx context.Context, h *workspace.Handle) (string, error)
}

// Tokens supplies the downstream code-host credential
type Tokens interface {
	Current(ctx context.Context) (string, error)
	ExpiresAt() time.Time
}

// Workers spawns worker subprocesses
type Workers interface {
	Run(ctx context.Context, spec runner.Spec, onLine func(string) error) (*runner.Result, error)
}

// Inspector checks worker output for sensitive files
type Inspector interface {
	Inspect(ctx context.Context, h *workspace.Handle, commitDepth int) (*guard.Result, error)
}

// Events is the callback emitter surface the dispatcher drives
type Events interface {
	Register(taskID, url, secret string) error
	Emit(taskID string, ev types.Event) error
}

// record is the live state of one task. Its mutex guards the task struct;
// it is never held across I/O.
type record struct {
	mu   sync.Mutex
	task types.Task

	// cancel latches cancellation; the pipeline observes it through ctx
	ctx    context.Context
	cancel context.CancelFunc
}

func (r *record) cancelled() bool {
	return r.ctx.Err() != nil
}

func (r *record) snapshot() types.TaskSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.Snapshot()
}

// Dispatcher owns task admission, the per-task pipeline, and lifecycle
// state. It is the composition root: every other component plugs in here.
type Dispatcher struct {
	workspaces Workspaces
	tokens     Tokens
	workers    Workers
	inspector  Inspector
	events     Events

	capacity       int
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	sem            *semaphore.Weighted

	mu       sync.Mutex
	records  map[string]*record
	running  int
	draining bool

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// Options carries per-dispatcher tuning
type Options struct {
	Capacity       int
	DefaultTimeout time.Duration
	// MaxTimeout caps submitted timeouts; zero means uncapped
	MaxTimeout time.Duration
}

// New wires a dispatcher from its collaborators
func New(ws Workspaces, tokens Tokens, workers Workers, inspector Inspector, events Events, opts Options) *Dispatcher {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	return &Dispatcher{
		workspaces:     ws,
		tokens:         tokens,
		workers:        workers,
		inspector:      inspector,
		events:         events,
		capacity:       capacity,
		defaultTimeout: opts.DefaultTimeout,
		maxTimeout:     opts.MaxTimeout,
		sem:            semaphore.NewWeighted(int64(capacity)),
		records:        make(map[string]*record),
		logger:         log.WithComponent("dispatcher"),
	}
}

// Submit admits a task and starts its pipeline. The capacity slot is taken
// here; rejection leaves no trace.
func (d *Dispatcher) Submit(sub types.Submission) error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		metrics.AdmissionRejected.WithLabelValues(types.CodeAtCapacity).Inc()
		return ErrAtCapacity
	}
	if prior, ok := d.records[sub.TaskID]; ok && !prior.snapshotStatusTerminal() {
		d.mu.Unlock()
		metrics.AdmissionRejected.WithLabelValues(types.CodeDuplicateTask).Inc()
		return ErrDuplicateTask
	}
	if !d.sem.TryAcquire(1) {
		d.mu.Unlock()
		metrics.AdmissionRejected.WithLabelValues(types.CodeAtCapacity).Inc()
		return ErrAtCapacity
	}

	if err := d.events.Register(sub.TaskID, sub.CallbackURL, sub.CallbackSecret); err != nil {
		d.sem.Release(1)
		d.mu.Unlock()
		return fmt.Errorf("register callback outbox: %w", err)
	}

	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	if d.maxTimeout > 0 && timeout > d.maxTimeout {
		timeout = d.maxTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{
		task: types.Task{
			ID:             sub.TaskID,
			WorkerType:     sub.WorkerType,
			Prompt:         sub.Prompt,
			CallbackURL:    sub.CallbackURL,
			CallbackSecret: sub.CallbackSecret,
			BaseRevision:   sub.BaseRevision,
			Timeout:        timeout,
			Status:         types.TaskQueued,
			CreatedAt:      time.Now(),
		},
		ctx:    ctx,
		cancel: cancel,
	}
	d.records[sub.TaskID] = rec
	d.running++
	d.mu.Unlock()

	metrics.TasksAdmitted.Inc()
	metrics.TasksTotal.WithLabelValues(string(types.TaskQueued)).Inc()

	d.wg.Add(1)
	go d.pipeline(rec)
	return nil
}

func (r *record) snapshotStatusTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.Status.Terminal()
}

// Cancel latches cancellation on a live task. Idempotent: repeated calls on
// the same live task all succeed and the outcome matches a single call.
func (d *Dispatcher) Cancel(taskID string) error {
	d.mu.Lock()
	rec, ok := d.records[taskID]
	d.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if rec.snapshotStatusTerminal() {
		return ErrAlreadyTerminal
	}
	rec.cancel()
	d.logger.Info().Str("task_id", taskID).Msg("cancellation latched")
	return nil
}

// Lookup returns a read-only snapshot of a task
func (d *Dispatcher) Lookup(taskID string) (types.TaskSnapshot, error) {
	d.mu.Lock()
	rec, ok := d.records[taskID]
	d.mu.Unlock()
	if !ok {
		return types.TaskSnapshot{}, ErrNotFound
	}
	return rec.snapshot(), nil
}

// Status reports capacity usage for the health endpoint
func (d *Dispatcher) Status() types.ServiceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := "ready"
	if d.draining {
		st = "draining"
	}
	return types.ServiceStatus{
		Status:         st,
		Capacity:       d.capacity,
		Running:        d.running,
		Available:      d.capacity - d.running,
		TokenExpiresAt: d.tokens.ExpiresAt(),
	}
}

// Drain stops admitting new tasks. Live tasks keep running.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
	d.logger.Info().Msg("draining, submissions rejected")
}

// Wait blocks until every live pipeline has reached its terminal state
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// outcome is the pipeline's terminal verdict for one task
type outcome struct {
	status types.TaskStatus
	event  types.Event
}

func failure(code string) outcome {
	return outcome{
		status: types.TaskFailed,
		event:  types.Event{Status: types.EventFailed, ErrorCode: code},
	}
}

func cancelledOutcome() outcome {
	return outcome{
		status: types.TaskCancelled,
		event:  types.Event{Status: types.EventCancelled},
	}
}

// pipeline runs one task start to finish. It always finalises: the terminal
// callback is enqueued and the workspace disposed no matter how the stages
// end, panics included.
func (d *Dispatcher) pipeline(rec *record) {
	defer d.wg.Done()

	taskLog := d.logger.With().Str("task_id", rec.task.ID).Logger()

	var handle *workspace.Handle
	var out outcome

	func() {
		defer func() {
			if r := recover(); r != nil {
				taskLog.Error().Interface("panic", r).Msg("pipeline panicked")
				out = failure(types.CodeInternalError)
			}
		}()
		handle, out = d.execute(rec, taskLog)
	}()

	d.finalize(rec, handle, out, taskLog)
}

// execute runs the stages up to the terminal decision. Every stage checks
// the cancellation latch at entry.
func (d *Dispatcher) execute(rec *record, taskLog zerolog.Logger) (*workspace.Handle, outcome) {
	if rec.cancelled() {
		return nil, cancelledOutcome()
	}

	d.transition(rec, types.TaskRunning)

	// Provision an isolated worktree. Stage contexts deliberately do not
	// use rec.ctx: cancellation must not corrupt git state mid-operation,
	// it is observed between stages and during the worker run.
	handle, err := d.workspaces.Allocate(context.Background(), rec.task.ID, rec.task.BaseRevision)
	if err != nil {
		taskLog.Error().Err(err).Msg("workspace allocation failed")
		return nil, failure(types.CodeWorkspaceAllocationFailed)
	}
	if err := d.workspaces.Clean(context.Background(), handle); err != nil {
		taskLog.Error().Err(err).Msg("workspace clean failed")
		return handle, failure(types.CodeWorkspaceAllocationFailed)
	}

	if rec.cancelled() {
		return handle, cancelledOutcome()
	}

	token, err := d.tokens.Current(context.Background())
	if err != nil {
		taskLog.Error().Err(err).Msg("credential unavailable")
		return handle, failure(types.CodeTokenUnavailable)
	}

	if rec.cancelled() {
		return handle, cancelledOutcome()
	}

	parser := stream.NewParser(&emitterSink{events: d.events, taskID: rec.task.ID})
	started := time.Now()
	res, err := d.workers.Run(rec.ctx, runner.Spec{
		TaskID:     rec.task.ID,
		WorkerType: rec.task.WorkerType,
		Prompt:     rec.task.Prompt,
		Dir:        handle.Path,
		Token:      token,
		Timeout:    rec.task.Timeout,
	}, parser.Consume)
	if res == nil {
		taskLog.Error().Err(err).Msg("worker spawn failed")
		return handle, failure(types.CodeWorkerSpawnFailed)
	}
	metrics.WorkerRuntime.Observe(time.Since(started).Seconds())

	// Cancellation overrides whatever the process managed to print on the
	// way out
	if rec.cancelled() {
		parser.Cancel()
		return handle, cancelledOutcome()
	}
	if res.TimedOut {
		return handle, failure(types.CodeWorkerTimeout)
	}
	if err != nil {
		taskLog.Error().Err(err).Msg("worker stream failed")
		return handle, failure(types.CodeInternalError)
	}

	switch parser.State() {
	case stream.StateFailed:
		taskLog.Info().Str("code", parser.FailureCode()).Str("stderr", res.Stderr).Msg("worker reported failure")
		return handle, failure(parser.FailureCode())
	case stream.StateSucceeded:
		return handle, d.publish(rec, handle, taskLog)
	default:
		if res.ExitCode == 0 {
			taskLog.Warn().Str("stderr", res.Stderr).Msg("worker exited clean without completion marker")
			return handle, failure(types.CodeWorkerSilentExit)
		}
		taskLog.Info().Int("exit_code", res.ExitCode).Str("stderr", res.Stderr).Msg("worker exited with error")
		return handle, failure("worker_failed")
	}
}

// publish runs the sensitive-file guard over the worker's commits and
// decides the success-path terminal event.
func (d *Dispatcher) publish(rec *record, handle *workspace.Handle, taskLog zerolog.Logger) outcome {
	depth, err := d.workspaces.CommitDepth(context.Background(), handle)
	if err != nil {
		taskLog.Error().Err(err).Msg("commit depth failed")
		return failure(types.CodeInternalError)
	}

	ev := types.Event{Status: types.EventCompleted}
	if depth > 0 {
		res, err := d.inspector.Inspect(context.Background(), handle, depth)
		if err != nil {
			taskLog.Error().Err(err).Msg("sensitive-file inspection failed")
			return failure(types.CodeInternalError)
		}
		metrics.SensitiveReverts.Add(float64(len(res.Reverted)))

		if res.AllSensitive {
			taskLog.Warn().Strs("reverted", res.Reverted).Msg("all worker changes were sensitive")
			return outcome{
				status: types.TaskCancelled,
				event: types.Event{
					Status:        types.EventCancelled,
					Reason:        types.CodeAllChangesSensitive,
					RevertedFiles: res.Reverted,
				},
			}
		}
		ev.RevertedFiles = res.Reverted
		if len(res.Remaining) > 0 {
			taskLog.Error().Strs("remaining", res.Remaining).Msg("sensitive file reverts incomplete")
			ev.ErrorCode = types.CodeSensitiveRevertPartial
			ev.Diagnostics = &types.Diagnostics{RevertFailures: res.Remaining}
		}
	}

	tip, err := d.workspaces.Tip(context.Background(), handle)
	if err != nil {
		taskLog.Error().Err(err).Msg("resolve result tip failed")
		return failure(types.CodeInternalError)
	}
	ev.ResultRef = tip
	return outcome{status: types.TaskCompleted, event: ev}
}

// finalize records the terminal state, enqueues the terminal callback,
// releases the capacity slot, and disposes the workspace, strictly in that
// order. Disposal failure is logged, never fatal.
func (d *Dispatcher) finalize(rec *record, handle *workspace.Handle, out outcome, taskLog zerolog.Logger) {
	d.transition(rec, out.status)
	rec.mu.Lock()
	rec.task.ErrorCode = out.event.ErrorCode
	rec.mu.Unlock()
	rec.cancel()

	if err := d.events.Emit(rec.task.ID, out.event); err != nil {
		taskLog.Error().Err(err).Msg("terminal callback enqueue failed")
	}

	d.mu.Lock()
	d.running--
	d.mu.Unlock()
	d.sem.Release(1)

	if handle != nil {
		if err := d.workspaces.Dispose(context.Background(), handle); err != nil {
			taskLog.Warn().Err(err).Msg("workspace disposal failed")
		}
	}
	taskLog.Info().Str("status", string(out.status)).Str("code", out.event.ErrorCode).Msg("task finished")
}

// transition moves the task through its status graph, stamping the
// running/terminal timestamps
func (d *Dispatcher) transition(rec *record, next types.TaskStatus) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	prev := rec.task.Status
	if prev == next || !prev.CanTransition(next) {
		return
	}
	rec.task.Status = next

	now := time.Now()
	switch {
	case next == types.TaskRunning:
		rec.task.StartedAt = &now
	case next.Terminal():
		rec.task.EndedAt = &now
	}

	metrics.TasksTotal.WithLabelValues(string(prev)).Dec()
	metrics.TasksTotal.WithLabelValues(string(next)).Inc()
}

// emitterSink bridges the stream parser to the callback emitter
type emitterSink struct {
	events Events
	taskID string
}

func (s *emitterSink) Emit(status types.EventStatus, progressText string) error {
	return s.events.Emit(s.taskID, types.Event{Status: status, ProgressText: progressText})
}
