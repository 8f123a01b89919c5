// Package task coordinates distributed work: creating tasks for peers,
// executing tasks this process has handlers for, and tracking every task
// through its lifecycle to exactly one terminal state.
package task

import (
	"context"
	"time"
)

// Status is a task's lifecycle state.
type Status string

// Task lifecycle states. Completed and Failed are terminal; a retryable
// failure re-enters Pending with an incremented retry count.
const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the coordinator's view of one unit of work.
type Task struct {
	ID         string
	Type       string
	Parameters map[string]any
	AssignedTo string
	Priority   int
	Timeout    time.Duration

	Status     Status
	Progress   float64
	Message    string
	Result     any
	Error      string
	RetryCount int
	MaxRetries int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProgressFunc lets a handler report intermediate progress. pct is in
// [0, 1].
type ProgressFunc func(pct float64, message string)

// Handler executes one task type. The returned value becomes the task's
// result; a returned error fails the task, with retryability taken from
// the error's classification.
type Handler func(ctx context.Context, t Task, progress ProgressFunc) (any, error)

// Spec describes a task to create. AssignedTo targets a specific service;
// when empty the task is broadcast and any peer with a matching handler
// picks it up. MaxRetries of 0 disables retries; a negative value applies
// the coordinator default.
type Spec struct {
	Type       string
	Parameters map[string]any
	AssignedTo string
	Priority   int
	Timeout    time.Duration
	MaxRetries int
}
