package job

import (
	"encoding/json"
	"time"

	"github.com/Extra-Chill/data-machine/errors"
)

// EngineDataSchemaVersion tags the serialized engine data layout so future
// migrations can detect records written by older binaries.
const EngineDataSchemaVersion = 1

// EngineData is the typed cross-step accumulator carried on every job.
// Known fields cover the outputs the core itself reads back (error detail,
// fetched item ids, created resource ids, prompt backups, batch bookkeeping);
// step handlers park anything else under Extra, which keeps handler output
// from colliding with engine-owned keys.
type EngineData struct {
	SchemaVersion int `json:"v"`

	// Error holds the human-readable failure or skip reason
	Error string `json:"error,omitempty"`

	// Items are identifiers produced by a fetch step and consumed downstream
	Items []string `json:"items,omitempty"`

	// ResourceID records an externally created resource (e.g. a published
	// post id) so a retried handler can detect prior side effects
	ResourceID string `json:"resource_id,omitempty"`

	// PromptBackup preserves a prompt popped from the queue so stuck-job
	// recovery can re-enqueue the work without losing the instruction
	PromptBackup string `json:"prompt_backup,omitempty"`

	// GatePayload is the external payload injected when a webhook gate resumes
	GatePayload json.RawMessage `json:"gate_payload,omitempty"`

	// Batch is present only on batch parent jobs
	Batch *BatchState `json:"batch,omitempty"`

	// ChunkItems is the item slice assigned to a batch child job
	ChunkItems []string `json:"chunk_items,omitempty"`

	// ChunkStart is the parent item offset of a batch child's chunk; with
	// ParentJobID it identifies which slice a child covers, so a redelivered
	// scheduling activation can find the child it already created
	ChunkStart int `json:"chunk_start,omitempty"`

	// Extra carries step-handler output keyed by handler-chosen names
	Extra map[string]any `json:"extra,omitempty"`
}

// BatchState is the parent-side bookkeeping for a fanned-out operation.
type BatchState struct {
	TaskType       string     `json:"task_type"`
	Total          int        `json:"total"`
	TasksScheduled int        `json:"tasks_scheduled"`
	ChunkSize      int        `json:"chunk_size"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Cancelled      bool       `json:"cancelled"`
}

// Patch is the delta a step handler contributes back into engine data.
// Zero-valued fields are left untouched by Apply.
type Patch struct {
	Error        string
	Items        []string
	ResourceID   string
	PromptBackup string
	GatePayload  json.RawMessage
	Extra        map[string]any
}

// Apply merges a handler patch into the accumulator. Extra keys are merged
// individually; existing keys the patch does not name survive.
func (d *EngineData) Apply(p Patch) {
	if p.Error != "" {
		d.Error = p.Error
	}
	if len(p.Items) > 0 {
		d.Items = p.Items
	}
	if p.ResourceID != "" {
		d.ResourceID = p.ResourceID
	}
	if p.PromptBackup != "" {
		d.PromptBackup = p.PromptBackup
	}
	if len(p.GatePayload) > 0 {
		d.GatePayload = p.GatePayload
	}
	if len(p.Extra) > 0 {
		if d.Extra == nil {
			d.Extra = make(map[string]any, len(p.Extra))
		}
		for k, v := range p.Extra {
			d.Extra[k] = v
		}
	}
}

// MarshalEngineData converts engine data to its JSON column value
func MarshalEngineData(d *EngineData) (string, error) {
	if d == nil {
		return "", nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal engine data")
	}
	return string(data), nil
}

// UnmarshalEngineData converts a JSON column value back to engine data
func UnmarshalEngineData(data string) (*EngineData, error) {
	if data == "" {
		return nil, nil
	}
	var d EngineData
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal engine data")
	}
	return &d, nil
}
