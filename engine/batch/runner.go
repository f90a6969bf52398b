// Package batch fans a large item set out into fixed-size chunks, each
// executed as an independently scheduled child job under a parent batch
// job. Scheduling is paced and cooperatively cancellable; execution of
// already-scheduled chunks is not.
package batch

import (
	"context"
	"fmt"
	"sync"
)

// ChunkFunc processes one chunk of a batch's items. Errors fail the chunk's
// child job; the rest of the batch is unaffected.
type ChunkFunc func(ctx context.Context, items []string) error

// Runner maps batch task types to their chunk functions. Like step
// handlers, chunk functions are injected at startup.
type Runner struct {
	mu  sync.RWMutex
	fns map[string]ChunkFunc
}

// NewRunner creates an empty batch runner registry
func NewRunner() *Runner {
	return &Runner{fns: make(map[string]ChunkFunc)}
}

// Register adds a chunk function for a batch task type.
// Panics on duplicate registration: task types are wired once at startup.
func (r *Runner) Register(taskType string, fn ChunkFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.fns[taskType]; exists {
		panic(fmt.Sprintf("chunk function already registered for batch task type: %s", taskType))
	}
	r.fns[taskType] = fn
}

// Get retrieves the chunk function for a batch task type; nil when
// unregistered
func (r *Runner) Get(taskType string) ChunkFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fns[taskType]
}
