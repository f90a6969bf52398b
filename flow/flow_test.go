package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSteps() []StepDef {
	return []StepDef{
		{ID: "fetch-feed", Type: StepFetch, Config: map[string]any{"url": "https://example.com/feed"}},
		{ID: "summarize", Type: StepAI, Config: map[string]any{"queue_enabled": true}},
		{ID: "publish", Type: StepPublish},
	}
}

func TestNewPipelineValidation(t *testing.T) {
	tests := []struct {
		name    string
		pname   string
		steps   []StepDef
		wantErr string
	}{
		{"valid", "daily-digest", testSteps(), ""},
		{"empty name", "", testSteps(), "name cannot be empty"},
		{"no steps", "x", nil, "at least one step"},
		{"missing step id", "x", []StepDef{{Type: StepFetch}}, "missing an id"},
		{"duplicate step id", "x", []StepDef{{ID: "a", Type: StepFetch}, {ID: "a", Type: StepAI}}, "duplicate step id"},
		{"unknown type", "x", []StepDef{{ID: "a", Type: "teleport"}}, "unknown type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPipeline(tt.pname, tt.steps)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.NotEmpty(t, p.ID)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestQueueableStepTypes(t *testing.T) {
	assert.True(t, StepAI.Queueable())
	assert.True(t, StepAgentPing.Queueable())
	assert.False(t, StepFetch.Queueable())
	assert.False(t, StepWebhookGate.Queueable())
}

func TestNewFlowSchedules(t *testing.T) {
	start := time.Now().Add(time.Hour)

	manual, err := NewFlow("PL_1", "manual-flow", ScheduleManual, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, manual.NextRunAt)
	assert.True(t, manual.Active)

	oneTime, err := NewFlow("PL_1", "one-shot", ScheduleOneTime, 0, &start)
	require.NoError(t, err)
	require.NotNil(t, oneTime.NextRunAt)
	assert.Equal(t, start, *oneTime.NextRunAt)

	interval, err := NewFlow("PL_1", "hourly", ScheduleInterval, 3600, nil)
	require.NoError(t, err)
	require.NotNil(t, interval.NextRunAt)
	assert.True(t, interval.NextRunAt.After(time.Now()))

	_, err = NewFlow("PL_1", "bad", ScheduleInterval, 0, nil)
	assert.Error(t, err)
	_, err = NewFlow("PL_1", "bad", ScheduleOneTime, 0, nil)
	assert.Error(t, err)
}

func TestMarkRanAdvancesSchedule(t *testing.T) {
	f, err := NewFlow("PL_1", "hourly", ScheduleInterval, 3600, nil)
	require.NoError(t, err)

	at := time.Now()
	f.MarkRan(at)
	require.NotNil(t, f.LastRunAt)
	require.NotNil(t, f.NextRunAt)
	assert.Equal(t, at.Add(time.Hour), *f.NextRunAt)
	assert.True(t, f.Active)
}

func TestMarkRanDeactivatesOneTime(t *testing.T) {
	start := time.Now()
	f, err := NewFlow("PL_1", "one-shot", ScheduleOneTime, 0, &start)
	require.NoError(t, err)

	f.MarkRan(start)
	assert.Nil(t, f.NextRunAt)
	assert.False(t, f.Active)
}

func TestEnableWebhookIssuesToken(t *testing.T) {
	f, err := NewFlow("PL_1", "hooked", ScheduleManual, 0, nil)
	require.NoError(t, err)

	token := f.EnableWebhook()
	assert.NotEmpty(t, token)
	assert.True(t, f.WebhookEnabled)

	f.DisableWebhook()
	assert.False(t, f.WebhookEnabled)
	assert.Empty(t, f.WebhookToken)
}

func TestEffectiveStepMergesOverrides(t *testing.T) {
	p, err := NewPipeline("digest", testSteps())
	require.NoError(t, err)

	f, err := NewFlow(p.ID, "custom", ScheduleManual, 0, nil)
	require.NoError(t, err)
	f.StepOverrides = map[string]map[string]any{
		"summarize": {"prompt": "be brief", "queue_enabled": false},
	}

	def, err := f.EffectiveStep(p, 1)
	require.NoError(t, err)
	assert.Equal(t, "be brief", def.ConfigString("prompt"))
	assert.False(t, def.ConfigBool("queue_enabled"))

	// Template itself is untouched
	assert.True(t, p.Steps[1].ConfigBool("queue_enabled"))

	// Steps without overrides pass through
	def, err = f.EffectiveStep(p, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/feed", def.ConfigString("url"))

	_, err = f.EffectiveStep(p, 7)
	assert.Error(t, err)
}
