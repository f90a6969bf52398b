package batch

import (
	"context"
	"database/sql"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Extra-Chill/data-machine/engine/job"
	"github.com/Extra-Chill/data-machine/engine/task"
	"github.com/Extra-Chill/data-machine/errors"
	dmtest "github.com/Extra-Chill/data-machine/internal/testing"
)

type env struct {
	db         *sql.DB
	jobs       *job.Store
	dispatcher *task.Dispatcher
	runner     *task.Runner
	chunks     *Runner
	manager    *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn := dmtest.CreateTestDB(t)
	e := &env{
		db:         conn,
		jobs:       job.NewStore(conn),
		dispatcher: task.NewDispatcher(conn),
		chunks:     NewRunner(),
	}
	e.manager = NewManager(e.jobs, e.dispatcher, e.chunks, 0, zap.NewNop().Sugar())
	e.manager.RegisterTasks(e.dispatcher)
	e.runner = task.NewRunner(e.dispatcher, task.DefaultRunnerConfig(), zap.NewNop().Sugar())
	return e
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 200; i++ {
		claimed, err := e.runner.RunOnce(context.Background())
		require.NoError(t, err)
		if !claimed {
			return
		}
	}
	t.Fatal("task queue did not drain")
}

func (e *env) children(t *testing.T, parentID string) []*job.Job {
	t.Helper()
	kids, err := e.jobs.List(job.Filter{ParentJobID: parentID, Limit: 100})
	require.NoError(t, err)
	return kids
}

func items(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "item-" + strconv.Itoa(i)
	}
	return out
}

func TestEmptyBatchCompletesImmediately(t *testing.T) {
	e := newEnv(t)
	e.chunks.Register("posts.crosslink", func(ctx context.Context, items []string) error { return nil })

	id, err := e.manager.StartBatch(context.Background(), "posts.crosslink", nil, 10)
	require.NoError(t, err)

	parent, err := e.jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, parent.Status)
	require.NotNil(t, parent.Data.Batch.CompletedAt)

	st, err := e.manager.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
	assert.Equal(t, 0, st.Completed)
	assert.Equal(t, 0, st.Failed)
	assert.Zero(t, st.Progress)
	assert.Empty(t, e.children(t, id))

	// Nothing was ever queued
	n, err := e.dispatcher.Store().CountQueued()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFanoutChunksAndCompletes(t *testing.T) {
	e := newEnv(t)
	var chunkSizes []int
	e.chunks.Register("posts.crosslink", func(ctx context.Context, items []string) error {
		chunkSizes = append(chunkSizes, len(items))
		return nil
	})

	id, err := e.manager.StartBatch(context.Background(), "posts.crosslink", items(101), 10)
	require.NoError(t, err)
	e.drain(t)

	// 101 items at chunk size 10: ten full chunks plus one of a single item
	require.Len(t, chunkSizes, 11)
	for _, n := range chunkSizes[:10] {
		assert.Equal(t, 10, n)
	}
	assert.Equal(t, 1, chunkSizes[10])

	kids := e.children(t, id)
	assert.Len(t, kids, 11)
	for _, k := range kids {
		assert.Equal(t, job.StatusCompleted, k.Status)
	}

	parent, err := e.jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, parent.Status)
	assert.Equal(t, 101, parent.Data.Batch.TasksScheduled)
	require.NotNil(t, parent.Data.Batch.CompletedAt)

	st, err := e.manager.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 101, st.Total)
	assert.Equal(t, 11, st.Completed)
	assert.Equal(t, 0, st.Failed)
	assert.InDelta(t, 1.0, st.Progress, 1e-9)
}

func TestCancelStopsSchedulingButNotScheduledChunks(t *testing.T) {
	e := newEnv(t)
	e.chunks.Register("posts.crosslink", func(ctx context.Context, items []string) error { return nil })

	id, err := e.manager.StartBatch(context.Background(), "posts.crosslink", items(110), 10)
	require.NoError(t, err)

	// Drip the task runner until three chunks have been issued
	for len(e.children(t, id)) < 3 {
		claimed, err := e.runner.RunOnce(context.Background())
		require.NoError(t, err)
		require.True(t, claimed, "ran out of tasks before three chunks were scheduled")
	}

	ok, err := e.manager.Cancel(id)
	require.NoError(t, err)
	assert.True(t, ok)

	e.drain(t)

	// Scheduling stopped at the cancel boundary; the chunks already issued
	// still ran to terminal status
	kids := e.children(t, id)
	require.Len(t, kids, 3)
	for _, k := range kids {
		assert.True(t, k.Status.IsTerminal())
	}

	parent, err := e.jobs.Get(id)
	require.NoError(t, err)
	assert.True(t, parent.Data.Batch.Cancelled)
	assert.Equal(t, job.StatusProcessing, parent.Status, "a cancelled batch never flips completed")
	assert.LessOrEqual(t, parent.Data.Batch.TasksScheduled, parent.Data.Batch.Total)
	assert.Equal(t, 30, parent.Data.Batch.TasksScheduled)

	st, err := e.manager.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 110, st.Total)
	assert.True(t, st.Cancelled)
	assert.LessOrEqual(t, st.Completed+st.Failed, 3)
}

func TestFailedChunkFailsOnlyItsChild(t *testing.T) {
	e := newEnv(t)
	calls := 0
	e.chunks.Register("posts.crosslink", func(ctx context.Context, items []string) error {
		calls++
		if calls == 2 {
			return errors.New("upstream 502")
		}
		return nil
	})

	id, err := e.manager.StartBatch(context.Background(), "posts.crosslink", items(15), 10)
	require.NoError(t, err)
	e.drain(t)

	st, err := e.manager.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Failed)
	assert.InDelta(t, 1.0, st.Progress, 1e-9)

	// A failed chunk does not block parent completion
	parent, err := e.jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, parent.Status)

	var failed *job.Job
	for _, k := range e.children(t, id) {
		if k.Status == job.StatusFailed {
			failed = k
		}
	}
	require.NotNil(t, failed)
	assert.Contains(t, failed.Data.Error, "upstream 502")
}

func TestChunkPanicFailsChild(t *testing.T) {
	e := newEnv(t)
	e.chunks.Register("posts.crosslink", func(ctx context.Context, items []string) error {
		panic("index out of range")
	})

	id, err := e.manager.StartBatch(context.Background(), "posts.crosslink", items(3), 10)
	require.NoError(t, err)
	e.drain(t)

	kids := e.children(t, id)
	require.Len(t, kids, 1)
	assert.Equal(t, job.StatusFailed, kids[0].Status)
	assert.Contains(t, kids[0].Data.Error, "panic")
}

func TestRedeliveredActivationDoesNotDuplicateChunk(t *testing.T) {
	e := newEnv(t)
	var processed []string
	e.chunks.Register("posts.crosslink", func(ctx context.Context, items []string) error {
		processed = append(processed, items...)
		return nil
	})

	id, err := e.manager.StartBatch(context.Background(), "posts.crosslink", items(20), 10)
	require.NoError(t, err)

	// First activation issues the chunk for items 0-9
	require.NoError(t, e.manager.scheduleNextChunk(id))
	require.Len(t, e.children(t, id), 1)

	// Roll the scheduled count back, as if the version-guarded parent
	// update lost a race after the child and its task already existed
	parent, err := e.jobs.Get(id)
	require.NoError(t, err)
	parent.Data.Batch.TasksScheduled = 0
	require.NoError(t, e.jobs.Update(parent))

	// The redelivered activation finds the existing child for that slice
	require.NoError(t, e.manager.scheduleNextChunk(id))
	require.Len(t, e.children(t, id), 1, "same slice must not fan out twice")

	parent, err = e.jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 10, parent.Data.Batch.TasksScheduled)

	e.drain(t)
	assert.ElementsMatch(t, items(20), processed, "every item ran exactly once")
	assert.Len(t, e.children(t, id), 2)

	parent, err = e.jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, parent.Status)
}

func TestSetRateAdjustsLimiter(t *testing.T) {
	e := newEnv(t)
	e.manager.SetRate(5)
	assert.Equal(t, rate.Limit(5), e.manager.limiter.Limit())
	e.manager.SetRate(0)
	assert.Equal(t, rate.Inf, e.manager.limiter.Limit())
}

func TestStartBatchRejectsUnregisteredTaskType(t *testing.T) {
	e := newEnv(t)
	_, err := e.manager.StartBatch(context.Background(), "no.such.type", items(3), 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCancelNonBatchTargets(t *testing.T) {
	e := newEnv(t)

	ok, err := e.manager.Cancel("job_missing")
	require.NoError(t, err)
	assert.False(t, ok)

	plain, err := job.New("flow-1", "pipe-1")
	require.NoError(t, err)
	require.NoError(t, e.jobs.Create(plain))

	ok, err = e.manager.Cancel(plain.ID)
	require.NoError(t, err)
	assert.False(t, ok, "ordinary jobs are not cancellable batches")
}

func TestCancelIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.chunks.Register("posts.crosslink", func(ctx context.Context, items []string) error { return nil })

	id, err := e.manager.StartBatch(context.Background(), "posts.crosslink", items(30), 10)
	require.NoError(t, err)

	ok, err := e.manager.Cancel(id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.manager.Cancel(id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetStatusRejectsNonBatchJob(t *testing.T) {
	e := newEnv(t)
	plain, err := job.New("flow-1", "pipe-1")
	require.NoError(t, err)
	require.NoError(t, e.jobs.Create(plain))

	_, err = e.manager.GetStatus(plain.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
