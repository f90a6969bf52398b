// Package recovery reclassifies jobs stuck in processing past a timeout.
// The chain itself never times out its own steps; a crashed worker or a
// handler that never returned leaves the job processing forever, and this
// sweep is what settles it.
package recovery

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/Extra-Chill/data-machine/engine/job"
	"github.com/Extra-Chill/data-machine/engine/task"
	"github.com/Extra-Chill/data-machine/errors"
)

// TaskTypeSweep is the periodic self-rescheduling sweep task
const TaskTypeSweep = "recovery.sweep"

// StuckReason is recorded in engine data when the sweep fails a job
const StuckReason = "stuck: exceeded timeout"

// DefaultTimeout is how long a job may sit in processing before the sweep
// considers it stuck.
const DefaultTimeout = 6 * time.Hour

// Requeuer re-enqueues a stuck job's work as a fresh job at the same flow
// and step. Satisfied by the step machine.
type Requeuer interface {
	Requeue(prior *job.Job) (*job.Job, error)
}

// Options scope a single sweep.
type Options struct {
	// Timeout overrides the sweeper's default when positive
	Timeout time.Duration
	// FlowID limits the sweep to one flow's jobs
	FlowID string
	// DryRun reports the candidate set without mutating any job
	DryRun bool
}

// Candidate is one stuck job the sweep found.
type Candidate struct {
	Job       *job.Job      `json:"job"`
	StuckFor  time.Duration `json:"stuck_for"`
	Retryable bool          `json:"retryable"`
	// RetryJobID is the fresh job created for a retryable candidate;
	// empty on dry runs and non-retryable jobs
	RetryJobID string `json:"retry_job_id,omitempty"`
}

// Report summarizes one sweep.
type Report struct {
	Cutoff     time.Time   `json:"cutoff"`
	DryRun     bool        `json:"dry_run"`
	Candidates []Candidate `json:"candidates"`
	Failed     int         `json:"failed"`
	Retried    int         `json:"retried"`
}

// Sweeper finds and settles stuck jobs.
type Sweeper struct {
	jobs      *job.Store
	requeuer  Requeuer
	scheduler task.Scheduler
	timeout   time.Duration
	interval  time.Duration
	logger    *zap.SugaredLogger
}

// NewSweeper wires the sweeper. timeout falls back to DefaultTimeout;
// interval is the period between self-rescheduled sweeps.
func NewSweeper(jobs *job.Store, requeuer Requeuer, scheduler task.Scheduler, timeout, interval time.Duration, log *zap.SugaredLogger) *Sweeper {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sweeper{
		jobs:      jobs,
		requeuer:  requeuer,
		scheduler: scheduler,
		timeout:   timeout,
		interval:  interval,
		logger:    log,
	}
}

// RegisterTasks wires the periodic sweep into the dispatcher
func (s *Sweeper) RegisterTasks(d *task.Dispatcher) {
	d.RegisterFunc(TaskTypeSweep, func(ctx context.Context, t *task.Task) error {
		if _, err := s.Sweep(Options{}); err != nil {
			s.logger.Errorw("Recovery sweep failed", "error", err)
		}
		if s.interval > 0 {
			return s.scheduleNext(time.Now().Add(s.interval))
		}
		return nil
	})
}

// Start schedules the first periodic sweep
func (s *Sweeper) Start() error {
	if s.interval <= 0 {
		return nil
	}
	return s.scheduleNext(time.Now().Add(s.interval))
}

func (s *Sweeper) scheduleNext(runAt time.Time) error {
	return errors.Wrap(s.scheduleSweep(runAt), "failed to schedule recovery sweep")
}

func (s *Sweeper) scheduleSweep(runAt time.Time) error {
	_, err := s.scheduler.Schedule(TaskTypeSweep, json.RawMessage(`{}`), runAt)
	return err
}

// Sweep settles every job stuck in processing past the timeout. A stuck
// job always flips to failed; when its engine data preserved a popped
// prompt, the work is additionally re-enqueued as a fresh job so the
// instruction is not lost. Dry runs report the same candidate set without
// touching anything.
func (s *Sweeper) Sweep(opts Options) (*Report, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	now := time.Now()
	cutoff := now.Add(-timeout)

	stuck, err := s.jobs.ListStuck(cutoff, opts.FlowID)
	if err != nil {
		return nil, err
	}

	report := &Report{Cutoff: cutoff, DryRun: opts.DryRun}
	for _, j := range stuck {
		c := Candidate{
			Job:       j,
			StuckFor:  now.Sub(*j.StartedAt),
			Retryable: j.Data != nil && j.Data.PromptBackup != "",
		}

		if !opts.DryRun {
			settled, err := s.settle(j, &c)
			if err != nil {
				s.logger.Errorw("Failed to settle stuck job", "job_id", j.ID, "error", err)
				continue
			}
			if !settled {
				// The job advanced between listing and settling; not stuck
				continue
			}
			report.Failed++
			if c.RetryJobID != "" {
				report.Retried++
			}
		}
		report.Candidates = append(report.Candidates, c)
	}

	if len(report.Candidates) > 0 {
		s.logger.Infow("Recovery sweep finished",
			"candidates", len(report.Candidates),
			"failed", report.Failed,
			"retried", report.Retried,
			"dry_run", opts.DryRun,
		)
	}
	return report, nil
}

func (s *Sweeper) settle(j *job.Job, c *Candidate) (bool, error) {
	j.Fail(StuckReason)
	if err := s.jobs.Update(j); err != nil {
		if errors.IsConflictError(err) {
			return false, nil
		}
		return false, err
	}
	s.logger.Warnw("Stuck job failed by recovery sweep",
		"job_id", j.ID,
		"flow_id", j.FlowID,
		"stuck_for", c.StuckFor,
	)

	if !c.Retryable {
		return true, nil
	}
	retry, err := s.requeuer.Requeue(j)
	if err != nil {
		return false, errors.Wrapf(err, "failed to requeue stuck job %s", j.ID)
	}
	c.RetryJobID = retry.ID
	s.logger.Infow("Stuck job re-enqueued with preserved prompt",
		"job_id", j.ID,
		"retry_job_id", retry.ID,
	)
	return true, nil
}
