// Package task provides the durable scheduled-task primitive the engine
// runs on: schedule a typed payload for a future instant, and a worker pool
// invokes the registered handler at-least-once when it comes due.
package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle of a scheduled task
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// MaxRetries is the number of redelivery attempts after a handler error
// before a task is marked failed.
const MaxRetries = 2

// Task is one durable unit of deferred work.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"task_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    Status          `json:"status"`
	RunAt     time.Time       `json:"run_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// New creates a queued task due at runAt.
func New(taskType string, payload json.RawMessage, runAt time.Time) *Task {
	now := time.Now()
	return &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Payload:   payload,
		Status:    StatusQueued,
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Handler executes one task type. Implementations decode their own payload
// and must tolerate redelivery: dispatch is at-least-once.
type Handler interface {
	// Execute runs the task. A returned error requeues the task with
	// backoff until MaxRetries is exhausted.
	Execute(ctx context.Context, t *Task) error

	// Type returns the task type this handler serves.
	Type() string
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	TaskType string
	Fn       func(ctx context.Context, t *Task) error
}

func (h HandlerFunc) Execute(ctx context.Context, t *Task) error { return h.Fn(ctx, t) }
func (h HandlerFunc) Type() string                               { return h.TaskType }
