package batch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Extra-Chill/data-machine/engine/job"
	"github.com/Extra-Chill/data-machine/engine/task"
	"github.com/Extra-Chill/data-machine/errors"
)

// Task types owned by the batch manager
const (
	TaskTypeSchedule = "batch.schedule"
	TaskTypeChunk    = "batch.chunk"
)

// DefaultChunkSize is used when a batch is started without one
const DefaultChunkSize = 10

type schedulePayload struct {
	ParentJobID string `json:"parent_job_id"`
}

type chunkPayload struct {
	ChildJobID string `json:"child_job_id"`
	TaskType   string `json:"task_type"`
}

// Status is the aggregated view of a batch and its children.
type Status struct {
	JobID          string     `json:"job_id"`
	TaskType       string     `json:"task_type"`
	Total          int        `json:"total"`
	TasksScheduled int        `json:"tasks_scheduled"`
	Completed      int        `json:"completed"`
	Failed         int        `json:"failed"`
	Processing     int        `json:"processing"`
	Pending        int        `json:"pending"`
	Progress       float64    `json:"progress"`
	Cancelled      bool       `json:"cancelled"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Manager owns batch parent jobs and the paced fan-out of their chunks.
// Each batch.schedule activation issues exactly one chunk and defers the
// next activation by the rate limiter's reservation delay, so a cancel
// flag set between activations stops all further scheduling.
type Manager struct {
	jobs      *job.Store
	scheduler task.Scheduler
	runners   *Runner
	limiter   *rate.Limiter
	logger    *zap.SugaredLogger
}

// NewManager wires the batch manager. perSecond caps chunk scheduling
// throughput; zero or negative means unlimited.
func NewManager(jobs *job.Store, scheduler task.Scheduler, runners *Runner, perSecond float64, log *zap.SugaredLogger) *Manager {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Manager{
		jobs:      jobs,
		scheduler: scheduler,
		runners:   runners,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    log,
	}
}

// SetRate adjusts chunk scheduling throughput on a running manager. Zero
// or negative means unlimited. Used by config hot-reload.
func (m *Manager) SetRate(perSecond float64) {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	m.limiter.SetLimit(limit)
}

// RegisterTasks wires the manager's task types into the dispatcher
func (m *Manager) RegisterTasks(d *task.Dispatcher) {
	d.RegisterFunc(TaskTypeSchedule, func(ctx context.Context, t *task.Task) error {
		var p schedulePayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return errors.Wrap(err, "bad batch.schedule payload")
		}
		return m.scheduleNextChunk(p.ParentJobID)
	})
	d.RegisterFunc(TaskTypeChunk, func(ctx context.Context, t *task.Task) error {
		var p chunkPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return errors.Wrap(err, "bad batch.chunk payload")
		}
		return m.runChunk(ctx, p)
	})
}

// StartBatch creates the parent job for a fanned-out operation and kicks
// off chunk scheduling. An empty item set short-circuits to an immediately
// completed batch with zero children.
func (m *Manager) StartBatch(ctx context.Context, taskType string, items []string, chunkSize int) (string, error) {
	if m.runners.Get(taskType) == nil {
		return "", errors.NewInvalidRequestError("no chunk function registered for batch task type %s", taskType)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	parent, err := job.New("", taskType)
	if err != nil {
		return "", err
	}
	b := &job.BatchState{
		TaskType:  taskType,
		Total:     len(items),
		ChunkSize: chunkSize,
		StartedAt: time.Now(),
	}
	parent.Data.Batch = b
	parent.Data.Items = items

	if len(items) == 0 {
		parent.Complete()
		b.CompletedAt = parent.CompletedAt
		if err := m.jobs.Create(parent); err != nil {
			return "", err
		}
		m.logger.Infow("Empty batch completed immediately", "batch_id", parent.ID, "task_type", taskType)
		return parent.ID, nil
	}

	if err := parent.MarkProcessing(); err != nil {
		return "", err
	}
	if err := m.jobs.Create(parent); err != nil {
		return "", err
	}
	if err := m.scheduleActivation(parent.ID, time.Now()); err != nil {
		return "", err
	}

	m.logger.Infow("Batch started",
		"batch_id", parent.ID,
		"task_type", taskType,
		"total", len(items),
		"chunk_size", chunkSize,
	)
	return parent.ID, nil
}

// scheduleNextChunk is the batch.schedule task handler: issue one chunk,
// then defer the next activation. The cancel flag is re-read from the
// parent on every activation, so cancellation takes effect at the next
// chunk boundary.
func (m *Manager) scheduleNextChunk(parentID string) error {
	parent, err := m.jobs.Get(parentID)
	if err != nil {
		return err
	}
	b := parent.EnsureData().Batch
	if b == nil || parent.Status.IsTerminal() {
		return nil
	}
	if b.Cancelled {
		m.logger.Infow("Batch cancelled, stopping chunk scheduling",
			"batch_id", parent.ID,
			"tasks_scheduled", b.TasksScheduled,
			"total", b.Total,
		)
		return nil
	}
	if b.TasksScheduled >= b.Total {
		return m.checkCompletion(parent.ID)
	}

	start := b.TasksScheduled
	end := start + b.ChunkSize
	if end > b.Total {
		end = b.Total
	}

	// A redelivered activation (the parent update below lost a version
	// race and the task came back) reuses the child it already created
	// instead of fanning the same slice out twice
	child, err := m.chunkChild(parent.ID, start)
	if err != nil {
		return err
	}
	if child == nil {
		child, err = job.NewChild("", b.TaskType, parent.ID)
		if err != nil {
			return err
		}
		child.Data.ChunkItems = parent.Data.Items[start:end]
		child.Data.ChunkStart = start
		if err := m.jobs.Create(child); err != nil {
			return err
		}
	}

	// Scheduling the chunk task twice is harmless: runChunk settles each
	// child exactly once under the version guard
	payload, _ := json.Marshal(chunkPayload{ChildJobID: child.ID, TaskType: b.TaskType})
	if _, err := m.scheduler.Schedule(TaskTypeChunk, payload, time.Now()); err != nil {
		return errors.Wrapf(err, "failed to schedule chunk for batch %s", parent.ID)
	}

	b.TasksScheduled = end
	if err := m.jobs.Update(parent); err != nil {
		return err
	}

	m.logger.Debugw("Batch chunk scheduled",
		"batch_id", parent.ID,
		"child_id", child.ID,
		"tasks_scheduled", b.TasksScheduled,
		"total", b.Total,
	)

	if b.TasksScheduled >= b.Total {
		// The last chunk may already have finished on another worker
		// before the scheduled count caught up
		return m.checkCompletion(parent.ID)
	}
	return m.scheduleActivation(parent.ID, time.Now().Add(m.limiter.Reserve().Delay()))
}

// chunkChild finds the child, if any, already covering the chunk at the
// given item offset.
func (m *Manager) chunkChild(parentID string, start int) (*job.Job, error) {
	kids, err := m.jobs.List(job.Filter{ParentJobID: parentID})
	if err != nil {
		return nil, err
	}
	for _, k := range kids {
		if k.Data != nil && len(k.Data.ChunkItems) > 0 && k.Data.ChunkStart == start {
			return k, nil
		}
	}
	return nil, nil
}

// runChunk is the batch.chunk task handler
func (m *Manager) runChunk(ctx context.Context, p chunkPayload) error {
	child, err := m.jobs.Get(p.ChildJobID)
	if err != nil {
		return err
	}
	// Redelivered chunk for a settled child
	if child.Status.IsTerminal() {
		return nil
	}

	if err := child.MarkProcessing(); err != nil {
		return nil
	}
	if err := m.jobs.Update(child); err != nil {
		if errors.IsConflictError(err) {
			return nil
		}
		return err
	}

	fn := m.runners.Get(p.TaskType)
	if fn == nil {
		child.Fail("no chunk function registered for batch task type " + p.TaskType)
		if err := m.jobs.Update(child); err != nil {
			return err
		}
		return m.checkCompletion(child.ParentJobID)
	}

	if err := m.runFn(ctx, fn, child.EnsureData().ChunkItems); err != nil {
		child.Fail(err.Error())
		m.logger.Errorw("Batch chunk failed",
			"batch_id", child.ParentJobID,
			"child_id", child.ID,
			"error", err,
		)
	} else {
		child.Complete()
	}
	if err := m.jobs.Update(child); err != nil {
		return err
	}
	return m.checkCompletion(child.ParentJobID)
}

func (m *Manager) runFn(ctx context.Context, fn ChunkFunc, items []string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("chunk function panic: %v", rec)
		}
	}()
	return fn(ctx, items)
}

// checkCompletion flips the parent to completed once every item has been
// scheduled and every child has settled. Called after each child finishes
// and after the final chunk is issued.
func (m *Manager) checkCompletion(parentID string) error {
	parent, err := m.jobs.Get(parentID)
	if err != nil {
		return err
	}
	b := parent.EnsureData().Batch
	if b == nil || parent.Status.IsTerminal() {
		return nil
	}
	if b.TasksScheduled < b.Total {
		return nil
	}

	counts, err := m.jobs.ChildStatusCounts(parent.ID)
	if err != nil {
		return err
	}
	if counts[job.StatusPending] > 0 || counts[job.StatusProcessing] > 0 {
		return nil
	}

	parent.Complete()
	b.CompletedAt = parent.CompletedAt
	if err := m.jobs.Update(parent); err != nil {
		if errors.IsConflictError(err) {
			// Another worker settled the parent first
			return nil
		}
		return err
	}
	m.logger.Infow("Batch completed", "batch_id", parent.ID, "total", b.Total)
	return nil
}

// GetStatus aggregates child job statuses under a batch parent. Failed
// counts failed children only; other terminal statuses count as completed.
func (m *Manager) GetStatus(batchJobID string) (*Status, error) {
	parent, err := m.jobs.Get(batchJobID)
	if err != nil {
		return nil, err
	}
	b := parent.EnsureData().Batch
	if b == nil {
		return nil, errors.NewInvalidRequestError("job %s is not a batch job", batchJobID)
	}

	counts, err := m.jobs.ChildStatusCounts(parent.ID)
	if err != nil {
		return nil, err
	}

	s := &Status{
		JobID:          parent.ID,
		TaskType:       b.TaskType,
		Total:          b.Total,
		TasksScheduled: b.TasksScheduled,
		Failed:         counts[job.StatusFailed],
		Processing:     counts[job.StatusProcessing],
		Pending:        counts[job.StatusPending],
		Cancelled:      b.Cancelled,
		StartedAt:      b.StartedAt,
		CompletedAt:    b.CompletedAt,
	}
	s.Completed = counts[job.StatusCompleted] + counts[job.StatusCompletedNoItems] + counts[job.StatusAgentSkipped]
	if b.Total > 0 && b.ChunkSize > 0 {
		totalChunks := (b.Total + b.ChunkSize - 1) / b.ChunkSize
		s.Progress = float64(s.Completed+s.Failed) / float64(totalChunks)
	}
	return s, nil
}

// Cancel sets the batch's cancel flag. Returns false when the job does not
// exist or is not a batch parent. Already-scheduled chunks still run;
// children are never touched.
func (m *Manager) Cancel(batchJobID string) (bool, error) {
	parent, err := m.jobs.Get(batchJobID)
	if errors.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	b := parent.EnsureData().Batch
	if b == nil {
		return false, nil
	}
	if b.Cancelled {
		return true, nil
	}

	b.Cancelled = true
	if err := m.jobs.Update(parent); err != nil {
		return false, err
	}
	m.logger.Infow("Batch cancelled",
		"batch_id", parent.ID,
		"tasks_scheduled", b.TasksScheduled,
		"total", b.Total,
	)
	return true, nil
}

// List returns the most recent batch parents, newest first
func (m *Manager) List(limit int) ([]*job.Job, error) {
	return m.jobs.ListBatchParents(limit)
}

func (m *Manager) scheduleActivation(parentID string, runAt time.Time) error {
	payload, err := json.Marshal(schedulePayload{ParentJobID: parentID})
	if err != nil {
		return errors.Wrap(err, "failed to marshal batch payload")
	}
	_, err = m.scheduler.Schedule(TaskTypeSchedule, payload, runAt)
	return err
}
