// Package job provides the persistent execution record for every Flow
// activation: its status taxonomy, the typed engine data accumulator, and
// the versioned SQLite store.
package job

import (
	"time"

	"github.com/Extra-Chill/data-machine/errors"
	"github.com/teranos/vanity-id"
)

// Status represents the current state of a job
type Status string

const (
	StatusPending          Status = "pending"
	StatusProcessing       Status = "processing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusAgentSkipped     Status = "agent_skipped"
	StatusCompletedNoItems Status = "completed_no_items"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted,
		StatusFailed, StatusAgentSkipped, StatusCompletedNoItems:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once a job can no longer advance
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAgentSkipped, StatusCompletedNoItems:
		return true
	default:
		return false
	}
}

// Job represents one execution instance of a Flow.
//
// A job is advanced by exactly one step handler invocation at a time; the
// Version column makes every update an atomic compare-and-swap so a retried
// at-least-once dispatch cannot silently clobber a concurrent update.
type Job struct {
	ID          string      `json:"id"`
	FlowID      string      `json:"flow_id,omitempty"`
	PipelineID  string      `json:"pipeline_id,omitempty"`
	Status      Status      `json:"status"`
	CurrentStep int         `json:"current_step"`
	Data        *EngineData `json:"engine_data,omitempty"`
	ParentJobID string      `json:"parent_job_id,omitempty"`
	Version     int64       `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// New creates a pending job for a flow/pipeline pair.
func New(flowID, pipelineID string) (*Job, error) {
	return NewChild(flowID, pipelineID, "")
}

// NewChild creates a pending job grouped under a parent (batch) job.
func NewChild(flowID, pipelineID, parentJobID string) (*Job, error) {
	source := flowID
	if source == "" {
		source = "batch"
	}
	jobID, err := id.GenerateJobASID(pipelineID, source, "system")
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate job ASID")
	}

	now := time.Now()
	return &Job{
		ID:          jobID,
		FlowID:      flowID,
		PipelineID:  pipelineID,
		Status:      StatusPending,
		CurrentStep: 0,
		Data:        &EngineData{SchemaVersion: EngineDataSchemaVersion},
		ParentJobID: parentJobID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// EnsureData lazily initializes the engine data accumulator.
func (j *Job) EnsureData() *EngineData {
	if j.Data == nil {
		j.Data = &EngineData{SchemaVersion: EngineDataSchemaVersion}
	}
	return j.Data
}

// MarkProcessing moves a job into processing. StartedAt is set on first
// entry only so stuck-job detection measures from the original activation.
func (j *Job) MarkProcessing() error {
	if j.Status.IsTerminal() {
		return errors.Wrapf(errors.ErrConflict, "job %s already terminal (%s)", j.ID, j.Status)
	}
	now := time.Now()
	j.Status = StatusProcessing
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
	return nil
}

// Complete marks the job as completed
func (j *Job) Complete() {
	j.finish(StatusCompleted)
}

// CompleteNoItems marks the job as completed with nothing to process
func (j *Job) CompleteNoItems() {
	j.finish(StatusCompletedNoItems)
}

// Skip marks the job as skipped by an agent decision
func (j *Job) Skip(reason string) {
	if reason != "" {
		j.EnsureData().Error = reason
	}
	j.finish(StatusAgentSkipped)
}

// Fail marks the job as failed, recording the message in engine data
func (j *Job) Fail(msg string) {
	j.EnsureData().Error = msg
	j.finish(StatusFailed)
}

func (j *Job) finish(status Status) {
	now := time.Now()
	j.Status = status
	j.CompletedAt = &now
	j.UpdatedAt = now
}
