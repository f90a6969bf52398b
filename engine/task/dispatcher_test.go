package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dmtest "github.com/Extra-Chill/data-machine/internal/testing"
)

func TestScheduleAndGet(t *testing.T) {
	d := NewDispatcher(dmtest.CreateTestDB(t))

	payload := json.RawMessage(`{"job_id":"JB_1"}`)
	id, err := d.Schedule("step.execute", payload, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := d.Store().Get(id)
	require.NoError(t, err)
	assert.Equal(t, "step.execute", got.Type)
	assert.Equal(t, StatusQueued, got.Status)
	assert.JSONEq(t, `{"job_id":"JB_1"}`, string(got.Payload))
}

func TestScheduleEmptyTypeRejected(t *testing.T) {
	d := NewDispatcher(dmtest.CreateTestDB(t))
	_, err := d.Schedule("", nil, time.Now())
	assert.Error(t, err)
}

func TestCancelOnlyQueuedTasks(t *testing.T) {
	d := NewDispatcher(dmtest.CreateTestDB(t))

	id, err := d.Schedule("step.execute", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	ok, err := d.Cancel(id)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second cancel is a no-op
	ok, err = d.Cancel(id)
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown id
	ok, err = d.Cancel("no-such-task")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimDueSkipsFutureTasks(t *testing.T) {
	d := NewDispatcher(dmtest.CreateTestDB(t))

	_, err := d.Schedule("step.execute", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	claimed, err := d.Store().ClaimDue(time.Now())
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimDueOldestFirst(t *testing.T) {
	d := NewDispatcher(dmtest.CreateTestDB(t))

	older, err := d.Schedule("step.execute", nil, time.Now().Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = d.Schedule("step.execute", nil, time.Now().Add(-1*time.Minute))
	require.NoError(t, err)

	claimed, err := d.Store().ClaimDue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, older, claimed.ID)
	assert.Equal(t, StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	d := NewDispatcher(dmtest.CreateTestDB(t))
	d.RegisterFunc("step.execute", func(ctx context.Context, tk *Task) error { return nil })
	assert.Panics(t, func() {
		d.RegisterFunc("step.execute", func(ctx context.Context, tk *Task) error { return nil })
	})
}
