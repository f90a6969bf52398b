package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Extra-Chill/data-machine/errors"
)

// RunnerConfig contains configuration for the task runner
type RunnerConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // How often to check for due tasks
}

// DefaultRunnerConfig returns sensible defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:      1,
		PollInterval: 1 * time.Second,
	}
}

// Runner polls the task store and executes due tasks through the
// dispatcher's handler registry. Delivery is at-least-once: a crash between
// claim and completion leaves the task running until stuck-job recovery or
// a restart reconciles it, and handler errors requeue with backoff.
type Runner struct {
	dispatcher *Dispatcher
	config     RunnerConfig
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *zap.SugaredLogger

	mu        sync.Mutex
	processed int
}

// NewRunner creates a runner over the dispatcher's registry
func NewRunner(dispatcher *Dispatcher, cfg RunnerConfig, log *zap.SugaredLogger) *Runner {
	return NewRunnerWithContext(context.Background(), dispatcher, cfg, log)
}

// NewRunnerWithContext creates a runner with a parent context
func NewRunnerWithContext(ctx context.Context, dispatcher *Dispatcher, cfg RunnerConfig, log *zap.SugaredLogger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	runnerCtx, cancel := context.WithCancel(ctx)
	return &Runner{
		dispatcher: dispatcher,
		config:     cfg,
		ctx:        runnerCtx,
		cancel:     cancel,
		logger:     log,
	}
}

// Start launches the worker goroutines
func (r *Runner) Start() {
	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.work(i)
	}
	r.logger.Infow("Task runner started",
		"workers", r.config.Workers,
		"poll_interval", r.config.PollInterval,
	)
}

// Stop cancels the workers and waits for in-flight tasks to finish
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
	r.logger.Infow("Task runner stopped", "tasks_processed", r.Processed())
}

// Processed reports how many tasks this runner has executed
func (r *Runner) Processed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed
}

func (r *Runner) work(worker int) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			// Drain everything due before sleeping again
			for {
				claimed, err := r.RunOnce(r.ctx)
				if err != nil {
					r.logger.Errorw("Task execution error", "worker", worker, "error", err)
					break
				}
				if !claimed {
					break
				}
			}
		}
	}
}

// RunOnce claims and executes a single due task. Returns false when nothing
// was due. Exposed so tests and the flow ticker can drive the queue without
// a running worker pool.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	t, err := r.dispatcher.store.ClaimDue(time.Now())
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}

	r.execute(ctx, t)

	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
	return true, nil
}

// execute runs the handler and settles the task's final state. Handler
// panics and errors never escape: an escaped failure would strand the task
// (and its job) in a non-terminal state forever.
func (r *Runner) execute(ctx context.Context, t *Task) {
	handler := r.dispatcher.handler(t.Type)
	if handler == nil {
		r.settleFailure(t, errors.Newf("no handler registered for task type %s", t.Type), false)
		return
	}

	err := r.runHandler(ctx, handler, t)
	if err == nil {
		if markErr := r.dispatcher.store.MarkCompleted(t.ID); markErr != nil {
			r.logger.Errorw("Failed to mark task completed", "task_id", t.ID, "error", markErr)
		}
		return
	}

	r.settleFailure(t, err, true)
}

func (r *Runner) runHandler(ctx context.Context, handler Handler, t *Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("handler panic: %v", rec)
		}
	}()
	return handler.Execute(ctx, t)
}

// settleFailure requeues with backoff while retries remain, otherwise marks
// the task failed.
func (r *Runner) settleFailure(t *Task, cause error, retryable bool) {
	if retryable && t.Attempts <= MaxRetries {
		delay := retryBackoff(t.Attempts)
		r.logger.Warnw("Task failed, requeueing",
			"task_id", t.ID,
			"task_type", t.Type,
			"attempt", t.Attempts,
			"retry_in", delay,
			"error", cause,
		)
		if err := r.dispatcher.store.Requeue(t.ID, time.Now().Add(delay), cause.Error()); err != nil {
			r.logger.Errorw("Failed to requeue task", "task_id", t.ID, "error", err)
		}
		return
	}

	r.logger.Errorw("Task failed permanently",
		"task_id", t.ID,
		"task_type", t.Type,
		"attempts", t.Attempts,
		"error", cause,
	)
	if err := r.dispatcher.store.MarkFailed(t.ID, cause.Error()); err != nil {
		r.logger.Errorw("Failed to mark task failed", "task_id", t.ID, "error", err)
	}
}

// retryBackoff doubles per attempt starting at 30s
func retryBackoff(attempt int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
