package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Extra-Chill/data-machine/errors"
)

// Scheduler is the boundary the rest of the engine depends on for deferred
// work. The step machine and batch manager schedule through it; tests
// substitute a fake that runs tasks inline or records them.
type Scheduler interface {
	// Schedule enqueues a task of the given type due at runAt and returns
	// its id.
	Schedule(taskType string, payload json.RawMessage, runAt time.Time) (string, error)

	// Cancel removes a still-queued task. Returns false when the task is
	// unknown or already dispatched.
	Cancel(taskID string) (bool, error)
}

// Dispatcher is the durable Scheduler implementation plus the handler
// registry the Runner executes from.
type Dispatcher struct {
	store    *Store
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher over the given database
func NewDispatcher(db *sql.DB) *Dispatcher {
	return &Dispatcher{
		store:    NewStore(db),
		handlers: make(map[string]Handler),
	}
}

// Schedule enqueues a task due at runAt
func (d *Dispatcher) Schedule(taskType string, payload json.RawMessage, runAt time.Time) (string, error) {
	if taskType == "" {
		return "", errors.New("task type cannot be empty")
	}
	t := New(taskType, payload, runAt)
	if err := d.store.Create(t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// Cancel removes a still-queued task
func (d *Dispatcher) Cancel(taskID string) (bool, error) {
	return d.store.Cancel(taskID)
}

// Register adds a handler for its task type.
// Panics if a handler is already registered for that type: task types are
// wired once at startup and a duplicate is a programming error.
func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	taskType := h.Type()
	if _, exists := d.handlers[taskType]; exists {
		panic(fmt.Sprintf("handler already registered for task type: %s", taskType))
	}
	d.handlers[taskType] = h
}

// RegisterFunc adds a plain function as the handler for taskType
func (d *Dispatcher) RegisterFunc(taskType string, fn func(ctx context.Context, t *Task) error) {
	d.Register(HandlerFunc{TaskType: taskType, Fn: fn})
}

// handler looks up the handler for a task type; nil when unregistered
func (d *Dispatcher) handler(taskType string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[taskType]
}

// HandlerTypes returns all registered task types
func (d *Dispatcher) HandlerTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	return types
}

// Store exposes the underlying task store for status commands
func (d *Dispatcher) Store() *Store {
	return d.store
}
