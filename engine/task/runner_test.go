package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Extra-Chill/data-machine/errors"
	dmtest "github.com/Extra-Chill/data-machine/internal/testing"
)

func newTestRunner(t *testing.T, d *Dispatcher) *Runner {
	t.Helper()
	return NewRunner(d, DefaultRunnerConfig(), zap.NewNop().Sugar())
}

func TestRunOnceExecutesDueTask(t *testing.T) {
	d := NewDispatcher(dmtest.CreateTestDB(t))
	executed := 0
	d.RegisterFunc("step.execute", func(ctx context.Context, tk *Task) error {
		executed++
		return nil
	})

	id, err := d.Schedule("step.execute", nil, time.Now().Add(-time.Second))
	require.NoError(t, err)

	r := newTestRunner(t, d)
	claimed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, 1, executed)

	got, err := d.Store().Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestRunOnceNothingDue(t *testing.T) {
	d := NewDispatcher(dmtest.CreateTestDB(t))
	r := newTestRunner(t, d)

	claimed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestHandlerErrorRequeuesWithBackoff(t *testing.T) {
	d := NewDispatcher(dmtest.CreateTestDB(t))
	d.RegisterFunc("flaky", func(ctx context.Context, tk *Task) error {
		return errors.New("transient")
	})

	id, err := d.Schedule("flaky", nil, time.Now().Add(-time.Second))
	require.NoError(t, err)

	r := newTestRunner(t, d)
	claimed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := d.Store().Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status, "first failure requeues")
	assert.Equal(t, "transient", got.LastError)
	assert.True(t, got.RunAt.After(time.Now()), "requeued with delay")
}

func TestHandlerErrorExhaustsRetries(t *testing.T) {
	d := NewDispatcher(dmtest.CreateTestDB(t))
	attempts := 0
	d.RegisterFunc("flaky", func(ctx context.Context, tk *Task) error {
		attempts++
		return errors.New("permanent")
	})

	id, err := d.Schedule("flaky", nil, time.Now().Add(-time.Second))
	require.NoError(t, err)

	r := newTestRunner(t, d)
	for i := 0; i <= MaxRetries; i++ {
		// Pull the retry time back so the requeued task is due again
		_, err := d.Store().db.Exec(`UPDATE tasks SET run_at = ? WHERE id = ?`, time.Now().Add(-time.Second), id)
		require.NoError(t, err)
		claimed, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		require.True(t, claimed, "attempt %d", i)
	}

	got, err := d.Store().Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, MaxRetries+1, attempts)
}

func TestHandlerPanicDoesNotEscape(t *testing.T) {
	d := NewDispatcher(dmtest.CreateTestDB(t))
	d.RegisterFunc("panicky", func(ctx context.Context, tk *Task) error {
		panic("boom")
	})

	id, err := d.Schedule("panicky", nil, time.Now().Add(-time.Second))
	require.NoError(t, err)

	r := newTestRunner(t, d)
	require.NotPanics(t, func() {
		claimed, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		require.True(t, claimed)
	})

	got, err := d.Store().Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status, "panic counts as a retryable failure")
	assert.Contains(t, got.LastError, "handler panic")
}

func TestUnregisteredTypeFailsImmediately(t *testing.T) {
	d := NewDispatcher(dmtest.CreateTestDB(t))

	id, err := d.Schedule("ghost", nil, time.Now().Add(-time.Second))
	require.NoError(t, err)

	r := newTestRunner(t, d)
	claimed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := d.Store().Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "no handler registered")
}

func TestRetryBackoffDoubles(t *testing.T) {
	assert.Equal(t, 30*time.Second, retryBackoff(1))
	assert.Equal(t, 60*time.Second, retryBackoff(2))
	assert.Equal(t, 120*time.Second, retryBackoff(3))
}
