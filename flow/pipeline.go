// Package flow provides the workflow templates (Pipelines), their scheduled
// instantiations (Flows), and the ticker that activates due flows.
package flow

import (
	"time"

	"github.com/google/uuid"

	"github.com/Extra-Chill/data-machine/errors"
)

// StepType enumerates the step kinds a pipeline may chain
type StepType string

const (
	StepFetch       StepType = "fetch"
	StepAI          StepType = "ai"
	StepPublish     StepType = "publish"
	StepUpdate      StepType = "update"
	StepAgentPing   StepType = "agent_ping"
	StepWebhookGate StepType = "webhook_gate"
)

// IsValidStepType returns true for a known step type
func IsValidStepType(s string) bool {
	switch StepType(s) {
	case StepFetch, StepAI, StepPublish, StepUpdate, StepAgentPing, StepWebhookGate:
		return true
	default:
		return false
	}
}

// Queueable reports whether the step type may draw its instruction from the
// prompt queue when none is configured statically.
func (t StepType) Queueable() bool {
	return t == StepAI || t == StepAgentPing
}

// StepDef is one step definition within a pipeline template
type StepDef struct {
	ID     string         `json:"id" yaml:"id"`
	Type   StepType       `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// ConfigString reads a string-valued config key, empty when absent
func (s StepDef) ConfigString(key string) string {
	if s.Config == nil {
		return ""
	}
	v, _ := s.Config[key].(string)
	return v
}

// ConfigBool reads a bool-valued config key, false when absent
func (s StepDef) ConfigBool(key string) bool {
	if s.Config == nil {
		return false
	}
	v, _ := s.Config[key].(bool)
	return v
}

// Pipeline is an immutable ordered template of step definitions
type Pipeline struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Steps     []StepDef `json:"steps" yaml:"steps"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// NewPipeline validates and creates a pipeline template
func NewPipeline(name string, steps []StepDef) (*Pipeline, error) {
	if name == "" {
		return nil, errors.NewInvalidRequestError("pipeline name cannot be empty")
	}
	if len(steps) == 0 {
		return nil, errors.NewInvalidRequestError("pipeline must define at least one step")
	}
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		if steps[i].ID == "" {
			return nil, errors.NewInvalidRequestError("step %d is missing an id", i)
		}
		if seen[steps[i].ID] {
			return nil, errors.NewInvalidRequestError("duplicate step id %q", steps[i].ID)
		}
		seen[steps[i].ID] = true
		if !IsValidStepType(string(steps[i].Type)) {
			return nil, errors.NewInvalidRequestError("step %q has unknown type %q", steps[i].ID, steps[i].Type)
		}
	}

	now := time.Now()
	return &Pipeline{
		ID:        "PL_" + uuid.NewString(),
		Name:      name,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
