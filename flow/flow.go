package flow

import (
	"time"

	"github.com/google/uuid"

	"github.com/Extra-Chill/data-machine/errors"
)

// Schedule enumerates how a flow activates
type Schedule string

const (
	ScheduleManual   Schedule = "manual"
	ScheduleOneTime  Schedule = "one_time"
	ScheduleInterval Schedule = "interval"
)

// Flow is a scheduled, configured instantiation of exactly one Pipeline
type Flow struct {
	ID              string   `json:"id"`
	PipelineID      string   `json:"pipeline_id"`
	Name            string   `json:"name"`
	Schedule        Schedule `json:"schedule"`
	IntervalSeconds int      `json:"interval_seconds,omitempty"`

	// StepOverrides layers per-flow config on top of the pipeline's step
	// definitions, keyed by step id
	StepOverrides map[string]map[string]any `json:"step_overrides,omitempty"`

	// WebhookToken is the bearer credential for the trigger endpoint,
	// present only when WebhookEnabled
	WebhookEnabled bool   `json:"webhook_enabled"`
	WebhookToken   string `json:"webhook_token,omitempty"`

	Active    bool       `json:"active"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewFlow creates a flow over a pipeline. Interval schedules compute their
// first run one interval out; one_time schedules fire at startAt.
func NewFlow(pipelineID, name string, schedule Schedule, intervalSeconds int, startAt *time.Time) (*Flow, error) {
	if pipelineID == "" {
		return nil, errors.NewInvalidRequestError("flow requires a pipeline id")
	}
	if name == "" {
		return nil, errors.NewInvalidRequestError("flow name cannot be empty")
	}

	now := time.Now()
	f := &Flow{
		ID:         "FL_" + uuid.NewString(),
		PipelineID: pipelineID,
		Name:       name,
		Schedule:   schedule,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	switch schedule {
	case ScheduleManual:
		// Activates only via `flows run` or the webhook trigger
	case ScheduleOneTime:
		if startAt == nil {
			return nil, errors.NewInvalidRequestError("one_time flow requires a start time")
		}
		f.NextRunAt = startAt
	case ScheduleInterval:
		if intervalSeconds <= 0 {
			return nil, errors.NewInvalidRequestError("interval flow requires a positive interval")
		}
		f.IntervalSeconds = intervalSeconds
		next := now.Add(time.Duration(intervalSeconds) * time.Second)
		f.NextRunAt = &next
	default:
		return nil, errors.NewInvalidRequestError("unknown schedule %q", schedule)
	}

	return f, nil
}

// EnableWebhook issues the flow's bearer credential (1:1 with the flow)
func (f *Flow) EnableWebhook() string {
	f.WebhookEnabled = true
	f.WebhookToken = uuid.NewString()
	f.UpdatedAt = time.Now()
	return f.WebhookToken
}

// DisableWebhook revokes the trigger credential
func (f *Flow) DisableWebhook() {
	f.WebhookEnabled = false
	f.WebhookToken = ""
	f.UpdatedAt = time.Now()
}

// MarkRan records an activation and advances the schedule. One-time flows
// deactivate after firing; interval flows compute the next run.
func (f *Flow) MarkRan(at time.Time) {
	f.LastRunAt = &at
	switch f.Schedule {
	case ScheduleOneTime:
		f.NextRunAt = nil
		f.Active = false
	case ScheduleInterval:
		next := at.Add(time.Duration(f.IntervalSeconds) * time.Second)
		f.NextRunAt = &next
	}
	f.UpdatedAt = time.Now()
}

// EffectiveStep returns the pipeline's step at index with this flow's
// overrides merged over the template config.
func (f *Flow) EffectiveStep(p *Pipeline, index int) (StepDef, error) {
	if index < 0 || index >= len(p.Steps) {
		return StepDef{}, errors.Wrapf(errors.ErrOutOfRange, "step index %d outside pipeline %s (%d steps)", index, p.ID, len(p.Steps))
	}

	def := p.Steps[index]
	overrides := f.StepOverrides[def.ID]
	if len(overrides) == 0 {
		return def, nil
	}

	merged := make(map[string]any, len(def.Config)+len(overrides))
	for k, v := range def.Config {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	def.Config = merged
	return def, nil
}
