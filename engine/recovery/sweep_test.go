package recovery

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Extra-Chill/data-machine/engine/job"
	"github.com/Extra-Chill/data-machine/engine/task"
	dmtest "github.com/Extra-Chill/data-machine/internal/testing"
)

// fakeRequeuer records requeue calls and mints replacement jobs
type fakeRequeuer struct {
	jobs  *job.Store
	calls []*job.Job
}

func (f *fakeRequeuer) Requeue(prior *job.Job) (*job.Job, error) {
	f.calls = append(f.calls, prior)
	j, err := job.New(prior.FlowID, prior.PipelineID)
	if err != nil {
		return nil, err
	}
	j.CurrentStep = prior.CurrentStep
	if prior.Data != nil {
		data := *prior.Data
		data.Error = ""
		j.Data = &data
	}
	if err := f.jobs.Create(j); err != nil {
		return nil, err
	}
	return j, nil
}

type env struct {
	db       *sql.DB
	jobs     *job.Store
	requeuer *fakeRequeuer
	sweeper  *Sweeper
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn := dmtest.CreateTestDB(t)
	e := &env{db: conn, jobs: job.NewStore(conn)}
	e.requeuer = &fakeRequeuer{jobs: e.jobs}
	e.sweeper = NewSweeper(e.jobs, e.requeuer, task.NewDispatcher(conn), time.Hour, 0, zap.NewNop().Sugar())
	return e
}

// stuckJob creates a processing job whose started_at is backdated
func (e *env) stuckJob(t *testing.T, flowID string, stuckFor time.Duration, promptBackup string) *job.Job {
	t.Helper()
	j, err := job.New(flowID, "pipe-1")
	require.NoError(t, err)
	if promptBackup != "" {
		j.Data.PromptBackup = promptBackup
	}
	require.NoError(t, j.MarkProcessing())
	require.NoError(t, e.jobs.Create(j))

	started := time.Now().Add(-stuckFor)
	_, err = e.db.Exec(`UPDATE jobs SET started_at = ? WHERE id = ?`, started, j.ID)
	require.NoError(t, err)
	j.StartedAt = &started
	return j
}

// addGate suspends a job on a webhook gate expiring ttl from now (a
// negative ttl makes an already-expired gate)
func (e *env) addGate(t *testing.T, jobID string, ttl time.Duration) {
	t.Helper()
	_, err := e.db.Exec(`
		INSERT INTO webhook_gates (token, job_id, step_index, expires_at, used, created_at)
		VALUES (?, ?, 0, ?, 0, ?)`,
		"gate-"+jobID, jobID, time.Now().Add(ttl), time.Now(),
	)
	require.NoError(t, err)
}

func TestSweepFailsStuckJob(t *testing.T) {
	e := newEnv(t)
	stuck := e.stuckJob(t, "flow-1", 2*time.Hour, "")
	fresh := e.stuckJob(t, "flow-1", 10*time.Minute, "")

	report, err := e.sweeper.Sweep(Options{})
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)
	assert.Equal(t, stuck.ID, report.Candidates[0].Job.ID)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Retried)

	got, err := e.jobs.Get(stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, StuckReason, got.Data.Error)

	// A recently started job is left alone
	got, err = e.jobs.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, got.Status)
}

func TestSweepRequeuesWhenPromptPreserved(t *testing.T) {
	e := newEnv(t)
	stuck := e.stuckJob(t, "flow-1", 2*time.Hour, "write the weekly roundup")

	report, err := e.sweeper.Sweep(Options{})
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)
	c := report.Candidates[0]
	assert.True(t, c.Retryable)
	require.NotEmpty(t, c.RetryJobID)
	assert.Equal(t, 1, report.Retried)

	// The stuck job failed; the retry is a new identity carrying the prompt
	got, err := e.jobs.Get(stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)

	retry, err := e.jobs.Get(c.RetryJobID)
	require.NoError(t, err)
	assert.NotEqual(t, stuck.ID, retry.ID)
	assert.Equal(t, "write the weekly roundup", retry.Data.PromptBackup)
	require.Len(t, e.requeuer.calls, 1)
}

func TestSweepLeavesJobsWaitingOnLiveGate(t *testing.T) {
	e := newEnv(t)
	gated := e.stuckJob(t, "flow-1", 2*time.Hour, "")
	e.addGate(t, gated.ID, 72*time.Hour)
	plain := e.stuckJob(t, "flow-1", 2*time.Hour, "")

	report, err := e.sweeper.Sweep(Options{})
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)
	assert.Equal(t, plain.ID, report.Candidates[0].Job.ID)

	// A long gate wait outlives any sweep timeout; only the gate's own
	// expiry task may settle the suspended job
	got, err := e.jobs.Get(gated.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, got.Status)
}

func TestSweepSettlesJobWhoseGateExpired(t *testing.T) {
	e := newEnv(t)
	gated := e.stuckJob(t, "flow-1", 2*time.Hour, "")
	e.addGate(t, gated.ID, -time.Hour)

	// The expiry task should have settled this job already; a lapsed gate
	// no longer shields it from the sweep
	report, err := e.sweeper.Sweep(Options{})
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)

	got, err := e.jobs.Get(gated.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
}

func TestDryRunReportsWithoutMutating(t *testing.T) {
	e := newEnv(t)
	stuck := e.stuckJob(t, "flow-1", 2*time.Hour, "preserved prompt")

	report, err := e.sweeper.Sweep(Options{DryRun: true})
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)
	assert.True(t, report.DryRun)
	assert.True(t, report.Candidates[0].Retryable)
	assert.Empty(t, report.Candidates[0].RetryJobID)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 0, report.Retried)

	got, err := e.jobs.Get(stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, got.Status, "dry run must not touch the job")
	assert.Empty(t, e.requeuer.calls)

	// The real run afterwards settles the same candidate
	report, err = e.sweeper.Sweep(Options{})
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)
	got, err = e.jobs.Get(stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
}

func TestSweepScopedToFlow(t *testing.T) {
	e := newEnv(t)
	inScope := e.stuckJob(t, "flow-1", 2*time.Hour, "")
	outOfScope := e.stuckJob(t, "flow-2", 2*time.Hour, "")

	report, err := e.sweeper.Sweep(Options{FlowID: "flow-1"})
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)
	assert.Equal(t, inScope.ID, report.Candidates[0].Job.ID)

	got, err := e.jobs.Get(outOfScope.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, got.Status)
}

func TestSweepTimeoutOverride(t *testing.T) {
	e := newEnv(t)
	e.stuckJob(t, "flow-1", 30*time.Minute, "")

	// Default timeout (1h) does not catch it
	report, err := e.sweeper.Sweep(Options{})
	require.NoError(t, err)
	assert.Empty(t, report.Candidates)

	// A tighter per-sweep timeout does
	report, err = e.sweeper.Sweep(Options{Timeout: 10 * time.Minute})
	require.NoError(t, err)
	assert.Len(t, report.Candidates, 1)
}

func TestPeriodicSweepReschedulesItself(t *testing.T) {
	conn := dmtest.CreateTestDB(t)
	jobs := job.NewStore(conn)
	d := task.NewDispatcher(conn)
	s := NewSweeper(jobs, &fakeRequeuer{jobs: jobs}, d, time.Hour, time.Minute, zap.NewNop().Sugar())
	s.RegisterTasks(d)
	require.NoError(t, s.Start())

	n, err := d.Store().CountQueued()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Force the queued sweep due and run it; it must leave a successor queued
	_, err = conn.Exec(`UPDATE tasks SET run_at = ? WHERE task_type = ?`, time.Now().Add(-time.Second), TaskTypeSweep)
	require.NoError(t, err)

	r := task.NewRunner(d, task.DefaultRunnerConfig(), zap.NewNop().Sugar())
	claimed, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	n, err = d.Store().CountQueued()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
