package types

import (
	"time"
)

// TaskStatus represents the lifecycle state of a dispatched task
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state. A task never
// leaves a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the status graph edge s -> next is legal.
// The graph is acyclic: queued -> running -> {completed | failed | cancelled}.
// Cancellation before the slot grant skips running.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskQueued:
		return next == TaskRunning || next.Terminal()
	case TaskRunning:
		return next.Terminal()
	}
	return false
}

// EventStatus is the status carried by an outbound callback event
type EventStatus string

const (
	EventStarted   EventStatus = "started"
	EventProgress  EventStatus = "progress"
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
	EventCancelled EventStatus = "cancelled"
)

// Terminal reports whether the event status closes the task's callback stream.
func (s EventStatus) Terminal() bool {
	switch s {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	}
	return false
}

// Submission is a validated task-submission request
type Submission struct {
	TaskID         string
	WorkerType     string
	Prompt         string
	CallbackURL    string
	CallbackSecret string
	BaseRevision   string
	Timeout        time.Duration
}

// Task is the authoritative in-memory record of a dispatched task.
// Records live for the process lifetime only; crash recovery is the
// submitter's responsibility.
type Task struct {
	ID             string
	WorkerType     string
	Prompt         string
	CallbackURL    string
	CallbackSecret string
	BaseRevision   string
	Timeout        time.Duration

	Status    TaskStatus
	ErrorCode string

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// TaskSnapshot is a read-only copy of a task record for external access.
// It aliases no internal mutable state.
type TaskSnapshot struct {
	ID         string     `json:"taskId"`
	WorkerType string     `json:"workerType"`
	Status     TaskStatus `json:"status"`
	ErrorCode  string     `json:"errorCode,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// Snapshot produces a read-only copy of the task
func (t *Task) Snapshot() TaskSnapshot {
	snap := TaskSnapshot{
		ID:         t.ID,
		WorkerType: t.WorkerType,
		Status:     t.Status,
		ErrorCode:  t.ErrorCode,
		CreatedAt:  t.CreatedAt,
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		snap.StartedAt = &started
	}
	if t.EndedAt != nil {
		ended := *t.EndedAt
		snap.EndedAt = &ended
	}
	return snap
}

// Diagnostics carries non-fatal per-task problems on the terminal callback
type Diagnostics struct {
	RevertFailures []string `json:"revertFailures,omitempty"`
}

// Event is a single outbound callback. Sequence is assigned by the callback
// emitter at enqueue and is strictly monotonic per task, starting at 1.
type Event struct {
	TaskID        string       `json:"taskId"`
	Sequence      uint64       `json:"sequence"`
	Status        EventStatus  `json:"status"`
	Timestamp     int64        `json:"timestamp"`
	ProgressText  string       `json:"progressText,omitempty"`
	ResultRef     string       `json:"resultRef,omitempty"`
	ErrorCode     string       `json:"errorCode,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	RevertedFiles []string     `json:"revertedFiles,omitempty"`
	Diagnostics   *Diagnostics `json:"diagnostics,omitempty"`
}

// ServiceStatus is the health endpoint payload
type ServiceStatus struct {
	Status         string    `json:"status"` // "ready" or "draining"
	Capacity       int       `json:"capacity"`
	Running        int       `json:"running"`
	Available      int       `json:"available"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`

	// Components maps component name to "ok" or its failure message
	Components map[string]string `json:"components,omitempty"`
}
