package step

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/Extra-Chill/data-machine/engine/job"
	"github.com/Extra-Chill/data-machine/engine/promptq"
	"github.com/Extra-Chill/data-machine/engine/task"
	"github.com/Extra-Chill/data-machine/errors"
	"github.com/Extra-Chill/data-machine/flow"
)

// Task types owned by the step machine
const (
	TaskTypeExecuteStep = "step.execute"
	TaskTypeExpireGate  = "gate.expire"
)

// DefaultGateTTL is the webhook gate credential lifetime when none is
// configured.
const DefaultGateTTL = 72 * time.Hour

type executePayload struct {
	JobID string `json:"job_id"`
}

type expirePayload struct {
	Token string `json:"token"`
}

// Machine drives jobs through their pipeline's step chain. Each activation
// executes exactly one step and defers the next as a new scheduled task;
// handler errors and panics are always converted into terminal job statuses
// so a job can never be orphaned in processing by its own handler.
type Machine struct {
	jobs      *job.Store
	flows     *flow.Store
	prompts   *promptq.Queue
	gates     *GateStore
	scheduler task.Scheduler
	registry  *Registry
	gateTTL   time.Duration
	logger    *zap.SugaredLogger
}

// NewMachine wires the state machine over its collaborators. A zero gateTTL
// falls back to DefaultGateTTL.
func NewMachine(
	jobs *job.Store,
	flows *flow.Store,
	prompts *promptq.Queue,
	gates *GateStore,
	scheduler task.Scheduler,
	registry *Registry,
	gateTTL time.Duration,
	log *zap.SugaredLogger,
) *Machine {
	if gateTTL <= 0 {
		gateTTL = DefaultGateTTL
	}
	return &Machine{
		jobs:      jobs,
		flows:     flows,
		prompts:   prompts,
		gates:     gates,
		scheduler: scheduler,
		registry:  registry,
		gateTTL:   gateTTL,
		logger:    log,
	}
}

// RegisterTasks wires the machine's task types into the dispatcher
func (m *Machine) RegisterTasks(d *task.Dispatcher) {
	d.RegisterFunc(TaskTypeExecuteStep, func(ctx context.Context, t *task.Task) error {
		var p executePayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return errors.Wrap(err, "bad step.execute payload")
		}
		return m.ExecuteStep(ctx, p.JobID)
	})
	d.RegisterFunc(TaskTypeExpireGate, func(ctx context.Context, t *task.Task) error {
		var p expirePayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return errors.Wrap(err, "bad gate.expire payload")
		}
		return m.expireGate(p.Token)
	})
}

// Launch creates the job for a flow activation and schedules its first step.
// Implements flow.JobLauncher.
func (m *Machine) Launch(f *flow.Flow) (*job.Job, error) {
	j, err := job.New(f.ID, f.PipelineID)
	if err != nil {
		return nil, err
	}
	if err := m.jobs.Create(j); err != nil {
		return nil, err
	}
	if err := m.scheduleStep(j.ID, time.Now()); err != nil {
		return nil, err
	}
	return j, nil
}

// Requeue creates a fresh job at the same flow and step as a prior one,
// carrying forward its engine data. Used by stuck-job recovery and the
// operator retry override: the old job keeps its terminal status and the
// retry gets a new identity.
func (m *Machine) Requeue(prior *job.Job) (*job.Job, error) {
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
	if err := m.jobs.Create(j); err != nil {
		return nil, err
	}
	if err := m.scheduleStep(j.ID, time.Now()); err != nil {
		return nil, err
	}
	return j, nil
}

// ExecuteStep runs the current step of a job. It is the step.execute task
// handler; a returned error means infrastructure trouble and asks the task
// runner to redeliver with backoff. Handler-level failures never surface as
// errors here.
func (m *Machine) ExecuteStep(ctx context.Context, jobID string) error {
	j, err := m.jobs.Get(jobID)
	if err != nil {
		return err
	}

	// At-least-once dispatch: a redelivery after the job settled is a no-op
	if j.Status.IsTerminal() {
		m.logger.Debugw("Step task redelivered for terminal job", "job_id", j.ID, "status", j.Status)
		return nil
	}

	if err := j.MarkProcessing(); err != nil {
		return nil
	}
	if err := m.jobs.Update(j); err != nil {
		if errors.IsConflictError(err) {
			// Another invocation is advancing this job right now
			m.logger.Warnw("Concurrent job update detected", "job_id", j.ID)
			return nil
		}
		return err
	}

	f, err := m.flows.GetFlow(j.FlowID)
	if err != nil {
		return m.failJob(j, "flow lookup failed: "+err.Error())
	}
	p, err := m.flows.GetPipeline(j.PipelineID)
	if err != nil {
		return m.failJob(j, "pipeline lookup failed: "+err.Error())
	}

	def, err := f.EffectiveStep(p, j.CurrentStep)
	if err != nil {
		return m.failJob(j, err.Error())
	}

	data := j.EnsureData()

	if def.Type.Queueable() {
		var popped bool
		def, popped, err = m.resolveInstruction(f, def, data)
		if err != nil {
			return m.failJob(j, err.Error())
		}
		if popped {
			// Persist the backup before the handler runs; the queue entry
			// is already gone, and a crash mid-step must not lose it
			if err := m.jobs.Update(j); err != nil {
				return err
			}
		}
	}

	if def.Type == flow.StepWebhookGate {
		return m.suspendOnGate(j, f, def)
	}

	handler := m.registry.Get(def.Type)
	if handler == nil {
		return m.failJob(j, "no handler registered for step type "+string(def.Type))
	}

	res, err := m.runHandler(ctx, handler, j, def, data)
	if err != nil {
		return m.failJob(j, err.Error())
	}

	data.Apply(res.Patch)

	switch res.Status {
	case ResultSkip:
		j.Skip(res.Message)
		m.logger.Infow("Job skipped by agent", "job_id", j.ID, "step", def.ID, "reason", res.Message)
		return m.jobs.Update(j)
	case ResultNoItems:
		j.CompleteNoItems()
		m.logger.Infow("Job found no items", "job_id", j.ID, "step", def.ID)
		return m.jobs.Update(j)
	case ResultFailed:
		msg := res.Message
		if msg == "" {
			msg = "step " + def.ID + " failed"
		}
		return m.failJob(j, msg)
	case ResultCompleted:
		if def.Type.Queueable() {
			// The instruction is consumed with the step; a later queueable
			// step pops its own queue instead of inheriting this backup
			data.PromptBackup = ""
		}
		return m.advance(j, p, def)
	default:
		return m.failJob(j, "handler returned unknown result status "+string(res.Status))
	}
}

// advance completes the job on the last step, otherwise persists the next
// step index and schedules it as new deferred work.
func (m *Machine) advance(j *job.Job, p *flow.Pipeline, def flow.StepDef) error {
	if j.CurrentStep >= len(p.Steps)-1 {
		j.Complete()
		m.logger.Infow("Job completed", "job_id", j.ID, "flow_id", j.FlowID, "steps", len(p.Steps))
		return m.jobs.Update(j)
	}

	j.CurrentStep++
	if err := m.jobs.Update(j); err != nil {
		return err
	}

	// The persisted step index moved first: if scheduling fails here, the
	// task runner redelivers and the rerun picks up at the new step.
	if err := m.scheduleStep(j.ID, time.Now()); err != nil {
		return errors.Wrapf(err, "failed to schedule step %d for job %s", j.CurrentStep, j.ID)
	}

	m.logger.Debugw("Step completed, next scheduled",
		"job_id", j.ID,
		"completed_step", def.ID,
		"next_step", j.CurrentStep,
	)
	return nil
}

// resolveInstruction fills a queueable step's instruction: static config
// first, then the prompt preserved by a prior attempt, then the queue head.
// The second return reports whether a prompt was popped from the queue.
func (m *Machine) resolveInstruction(f *flow.Flow, def flow.StepDef, data *job.EngineData) (flow.StepDef, bool, error) {
	if def.ConfigString("prompt") != "" {
		return def, false, nil
	}

	if data.PromptBackup != "" {
		return withPrompt(def, data.PromptBackup), false, nil
	}

	if !def.ConfigBool("queue_enabled") {
		return def, false, errors.Newf("step %s has no instruction configured", def.ID)
	}

	entry, err := m.prompts.Pop(f.ID, def.ID)
	if errors.IsNotFoundError(err) {
		return def, false, errors.Newf("step %s has no instruction queued", def.ID)
	}
	if err != nil {
		return def, false, err
	}

	// Back up the popped prompt so recovery can retry without losing it
	data.PromptBackup = entry.Prompt
	return withPrompt(def, entry.Prompt), true, nil
}

func withPrompt(def flow.StepDef, prompt string) flow.StepDef {
	merged := make(map[string]any, len(def.Config)+1)
	for k, v := range def.Config {
		merged[k] = v
	}
	merged["prompt"] = prompt
	def.Config = merged
	return def
}

// suspendOnGate persists a single-use credential and stops the chain. The
// job stays processing until ResumeGate or the expiry task settles it.
func (m *Machine) suspendOnGate(j *job.Job, f *flow.Flow, def flow.StepDef) error {
	g, err := m.gates.Create(j.ID, f.ID, j.CurrentStep, m.gateTTL)
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(expirePayload{Token: g.Token})
	if _, err := m.scheduler.Schedule(TaskTypeExpireGate, payload, g.ExpiresAt); err != nil {
		return errors.Wrapf(err, "failed to schedule gate expiry for job %s", j.ID)
	}

	m.logger.Infow("Job suspended on webhook gate",
		"job_id", j.ID,
		"step", def.ID,
		"expires_at", g.ExpiresAt,
	)
	return nil
}

// ResumeGate resumes a suspended job when an external call presents the
// gate credential, injecting the external payload into engine data and
// proceeding as a normal step completion.
func (m *Machine) ResumeGate(ctx context.Context, token string, payload json.RawMessage) (*job.Job, error) {
	g, err := m.gates.Get(token)
	if err != nil {
		return nil, err
	}
	if g.Used {
		return nil, errors.Wrap(errors.ErrUnauthorized, "webhook gate already used")
	}
	if time.Now().After(g.ExpiresAt) {
		return nil, errors.Wrap(errors.ErrUnauthorized, "webhook gate expired")
	}

	ok, err := m.gates.Consume(token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(errors.ErrConflict, "webhook gate consumed concurrently")
	}

	j, err := m.jobs.Get(g.JobID)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return nil, errors.NewInvalidRequestError("job %s already terminal (%s)", j.ID, j.Status)
	}

	if len(payload) > 0 {
		j.EnsureData().GatePayload = payload
	}

	p, err := m.flows.GetPipeline(j.PipelineID)
	if err != nil {
		return nil, err
	}

	if g.StepIndex >= len(p.Steps)-1 {
		j.Complete()
		if err := m.jobs.Update(j); err != nil {
			return nil, err
		}
		m.logger.Infow("Job resumed and completed via webhook gate", "job_id", j.ID)
		return j, nil
	}

	j.CurrentStep = g.StepIndex + 1
	if err := m.jobs.Update(j); err != nil {
		return nil, err
	}
	if err := m.scheduleStep(j.ID, time.Now()); err != nil {
		return nil, err
	}
	m.logger.Infow("Job resumed via webhook gate", "job_id", j.ID, "next_step", j.CurrentStep)
	return j, nil
}

// expireGate auto-fails a job whose gate was never presented
func (m *Machine) expireGate(token string) error {
	g, err := m.gates.Get(token)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if g.Used {
		return nil
	}

	consumed, err := m.gates.Consume(token)
	if err != nil {
		return err
	}
	if !consumed {
		return nil
	}

	j, err := m.jobs.Get(g.JobID)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return nil
	}

	m.logger.Warnw("Webhook gate expired, failing job", "job_id", j.ID, "token_created_at", g.CreatedAt)
	return m.failJob(j, "webhook gate expired before resumption")
}

// OverrideFail forces a job to failed regardless of its current status.
// This is the operator escape hatch; the override is always logged.
func (m *Machine) OverrideFail(jobID, reason string) (*job.Job, error) {
	j, err := m.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}

	m.logger.Warnw("Operator override: forcing job to failed",
		"job_id", j.ID,
		"previous_status", j.Status,
		"reason", reason,
	)
	j.Fail(reason)
	if err := m.jobs.Update(j); err != nil {
		return nil, err
	}
	return j, nil
}

// Retry is the operator override that re-runs a terminal job as a fresh
// job at the same step. The original keeps its status and history.
func (m *Machine) Retry(jobID string) (*job.Job, error) {
	prior, err := m.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	if !prior.Status.IsTerminal() {
		return nil, errors.NewInvalidRequestError("job %s is still %s; only terminal jobs can be retried", prior.ID, prior.Status)
	}

	m.logger.Warnw("Operator override: retrying job",
		"job_id", prior.ID,
		"previous_status", prior.Status,
		"step", prior.CurrentStep,
	)
	return m.Requeue(prior)
}

func (m *Machine) runHandler(ctx context.Context, handler Handler, j *job.Job, def flow.StepDef, data *job.EngineData) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("step handler panic: %v", rec)
		}
	}()
	return handler.Execute(ctx, j, def, data)
}

// failJob settles a job as failed with the message recorded in engine data.
// Persistence errors propagate so the task runner can retry the settle.
func (m *Machine) failJob(j *job.Job, msg string) error {
	j.Fail(msg)
	if err := m.jobs.Update(j); err != nil {
		return errors.Wrapf(err, "failed to persist failure of job %s", j.ID)
	}
	m.logger.Errorw("Job failed", "job_id", j.ID, "flow_id", j.FlowID, "step", j.CurrentStep, "error", msg)
	return nil
}

func (m *Machine) scheduleStep(jobID string, runAt time.Time) error {
	payload, err := json.Marshal(executePayload{JobID: jobID})
	if err != nil {
		return errors.Wrap(err, "failed to marshal step payload")
	}
	_, err = m.scheduler.Schedule(TaskTypeExecuteStep, payload, runAt)
	return err
}
