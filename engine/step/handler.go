// Package step executes one pipeline step per dispatched task and chains
// the next step as fresh deferred work, so no step ever blocks the worker
// that scheduled it.
package step

import (
	"context"
	"fmt"
	"sync"

	"github.com/Extra-Chill/data-machine/engine/job"
	"github.com/Extra-Chill/data-machine/flow"
)

// ResultStatus is a step handler's verdict on its own execution
type ResultStatus string

const (
	// ResultCompleted advances the chain to the next step
	ResultCompleted ResultStatus = "completed"
	// ResultFailed terminates the job as failed
	ResultFailed ResultStatus = "failed"
	// ResultSkip terminates the job as agent_skipped (duplicate or
	// irrelevant item)
	ResultSkip ResultStatus = "skip"
	// ResultNoItems terminates the job as completed_no_items (nothing new
	// to process)
	ResultNoItems ResultStatus = "no_items"
)

// Result is what a step handler reports back to the state machine.
type Result struct {
	Status  ResultStatus
	Message string    // failure or skip reason, recorded in engine data
	Patch   job.Patch // merged into the job's engine data
}

// Handler executes one step type. Implementations live outside the core
// (HTTP fetchers, model calls, publishers); the machine only depends on
// this shape.
//
// Handlers must be idempotent under redelivery: check the engine data for
// an already-recorded resource id before creating an external resource
// again.
type Handler interface {
	// Execute runs the step against the job's accumulated engine data.
	// A returned error is a handler fault and terminates the job as
	// failed; use Result.Status for the softer skip/no_items verdicts.
	Execute(ctx context.Context, j *job.Job, def flow.StepDef, data *job.EngineData) (Result, error)

	// Type returns the step type this handler serves.
	Type() flow.StepType
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	StepType flow.StepType
	Fn       func(ctx context.Context, j *job.Job, def flow.StepDef, data *job.EngineData) (Result, error)
}

func (h HandlerFunc) Execute(ctx context.Context, j *job.Job, def flow.StepDef, data *job.EngineData) (Result, error) {
	return h.Fn(ctx, j, def, data)
}

func (h HandlerFunc) Type() flow.StepType { return h.StepType }

// Registry maps step types to their handlers. Handlers are injected at
// startup; there is no global dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[flow.StepType]Handler
}

// NewRegistry creates an empty step handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[flow.StepType]Handler)}
}

// Register adds a handler for its step type.
// Panics on duplicate registration: step types are wired once at startup.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stepType := h.Type()
	if _, exists := r.handlers[stepType]; exists {
		panic(fmt.Sprintf("handler already registered for step type: %s", stepType))
	}
	r.handlers[stepType] = h
}

// Get retrieves the handler for a step type; nil when unregistered
func (r *Registry) Get(stepType flow.StepType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[stepType]
}
