package step

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Extra-Chill/data-machine/engine/job"
	"github.com/Extra-Chill/data-machine/errors"
	"github.com/Extra-Chill/data-machine/flow"
	dmtest "github.com/Extra-Chill/data-machine/internal/testing"
)

func TestGateStoreLifecycle(t *testing.T) {
	conn := dmtest.CreateTestDB(t)
	store := NewGateStore(conn)

	g, err := store.Create("job-1", "flow-1", 2, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, g.Token)

	got, err := store.Get(g.Token)
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "flow-1", got.FlowID)
	assert.Equal(t, 2, got.StepIndex)
	assert.False(t, got.Used)

	consumed, err := store.Consume(g.Token)
	require.NoError(t, err)
	assert.True(t, consumed)

	// Single-use: the second consume loses
	consumed, err = store.Consume(g.Token)
	require.NoError(t, err)
	assert.False(t, consumed)

	_, err = store.Get("no-such-token")
	assert.True(t, errors.IsNotFoundError(err))
}

// gateFor finds the gate issued for a job
func gateFor(t *testing.T, e *env, jobID string) *Gate {
	t.Helper()
	var token string
	err := e.db.QueryRow(`SELECT token FROM webhook_gates WHERE job_id = ?`, jobID).Scan(&token)
	require.NoError(t, err)
	g, err := e.gates.Get(token)
	require.NoError(t, err)
	return g
}

func gatedFlow(t *testing.T, e *env) *flow.Flow {
	t.Helper()
	return e.createFlow(t, []flow.StepDef{
		{ID: "fetch-feed", Type: flow.StepFetch},
		{ID: "approval", Type: flow.StepWebhookGate},
		{ID: "publish-post", Type: flow.StepPublish},
	})
}

func TestWebhookGateSuspendsJob(t *testing.T) {
	e := newEnv(t)
	e.recordStep(flow.StepFetch, okPatch("fetch.done"))
	published := e.recordStep(flow.StepPublish, okPatch("publish.done"))

	f := gatedFlow(t, e)
	j, err := e.machine.Launch(f)
	require.NoError(t, err)
	e.drain(t)

	got, err := e.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, got.Status, "job parked until the gate is presented")
	assert.Empty(t, *published)

	g := gateFor(t, e, j.ID)
	assert.Equal(t, 1, g.StepIndex)
	assert.False(t, g.Used)
	// Expiry was scheduled in the future, so the drain left it queued
	n, err := e.dispatcher.Store().CountQueued()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResumeGateAdvancesWithPayload(t *testing.T) {
	e := newEnv(t)
	e.recordStep(flow.StepFetch, okPatch("fetch.done"))
	var sawPayload json.RawMessage
	e.registry.Register(HandlerFunc{
		StepType: flow.StepPublish,
		Fn: func(ctx context.Context, j *job.Job, def flow.StepDef, data *job.EngineData) (Result, error) {
			sawPayload = data.GatePayload
			return Result{Status: ResultCompleted}, nil
		},
	})

	f := gatedFlow(t, e)
	j, err := e.machine.Launch(f)
	require.NoError(t, err)
	e.drain(t)

	g := gateFor(t, e, j.ID)
	resumed, err := e.machine.ResumeGate(context.Background(), g.Token, json.RawMessage(`{"approved":true}`))
	require.NoError(t, err)
	assert.Equal(t, 2, resumed.CurrentStep)
	e.drain(t)

	got, err := e.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, true, payloadOf(t, sawPayload)["approved"])
}

func TestResumeGateOnLastStepCompletes(t *testing.T) {
	e := newEnv(t)
	e.recordStep(flow.StepFetch, okPatch("fetch.done"))

	f := e.createFlow(t, []flow.StepDef{
		{ID: "fetch-feed", Type: flow.StepFetch},
		{ID: "final-approval", Type: flow.StepWebhookGate},
	})
	j, err := e.machine.Launch(f)
	require.NoError(t, err)
	e.drain(t)

	g := gateFor(t, e, j.ID)
	resumed, err := e.machine.ResumeGate(context.Background(), g.Token, nil)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, resumed.Status)
}

func TestResumeGateIsSingleUse(t *testing.T) {
	e := newEnv(t)
	e.recordStep(flow.StepFetch, okPatch("fetch.done"))
	e.recordStep(flow.StepPublish, okPatch("publish.done"))

	f := gatedFlow(t, e)
	j, err := e.machine.Launch(f)
	require.NoError(t, err)
	e.drain(t)

	g := gateFor(t, e, j.ID)
	_, err = e.machine.ResumeGate(context.Background(), g.Token, nil)
	require.NoError(t, err)

	_, err = e.machine.ResumeGate(context.Background(), g.Token, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestResumeGateRejectsExpiredToken(t *testing.T) {
	e := newEnv(t)
	e.recordStep(flow.StepFetch, okPatch("fetch.done"))

	f := gatedFlow(t, e)
	j, err := e.machine.Launch(f)
	require.NoError(t, err)
	e.drain(t)

	g := gateFor(t, e, j.ID)
	_, err = e.db.Exec(`UPDATE webhook_gates SET expires_at = ? WHERE token = ?`,
		time.Now().Add(-time.Minute), g.Token)
	require.NoError(t, err)

	_, err = e.machine.ResumeGate(context.Background(), g.Token, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	// The expired token was not burned; the expiry task will settle the job
	got, err := e.gates.Get(g.Token)
	require.NoError(t, err)
	assert.False(t, got.Used)
}

func TestGateExpiryFailsSuspendedJob(t *testing.T) {
	e := newEnv(t)
	e.recordStep(flow.StepFetch, okPatch("fetch.done"))

	f := gatedFlow(t, e)
	j, err := e.machine.Launch(f)
	require.NoError(t, err)
	e.drain(t)

	g := gateFor(t, e, j.ID)
	require.NoError(t, e.machine.expireGate(g.Token))

	got, err := e.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.Data.Error, "webhook gate expired")
}

func TestGateExpiryAfterResumeIsNoOp(t *testing.T) {
	e := newEnv(t)
	e.recordStep(flow.StepFetch, okPatch("fetch.done"))
	e.recordStep(flow.StepPublish, okPatch("publish.done"))

	f := gatedFlow(t, e)
	j, err := e.machine.Launch(f)
	require.NoError(t, err)
	e.drain(t)

	g := gateFor(t, e, j.ID)
	_, err = e.machine.ResumeGate(context.Background(), g.Token, nil)
	require.NoError(t, err)
	e.drain(t)

	require.NoError(t, e.machine.expireGate(g.Token))

	got, err := e.jobs.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status, "resumed job untouched by late expiry")
}
