package step

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/Extra-Chill/data-machine/errors"
)

// Gate is the single-use credential a suspended webhook_gate step waits on.
// The chain resumes only when an external call presents the token.
type Gate struct {
	Token     string    `json:"token"`
	JobID     string    `json:"job_id"`
	FlowID    string    `json:"flow_id,omitempty"`
	StepIndex int       `json:"step_index"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}

// GateStore persists webhook gates
type GateStore struct {
	db *sql.DB
}

// NewGateStore creates a gate store
func NewGateStore(db *sql.DB) *GateStore {
	return &GateStore{db: db}
}

// Create issues a new gate for a suspended job
func (s *GateStore) Create(jobID, flowID string, stepIndex int, ttl time.Duration) (*Gate, error) {
	now := time.Now()
	g := &Gate{
		Token:     uuid.NewString(),
		JobID:     jobID,
		FlowID:    flowID,
		StepIndex: stepIndex,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	_, err := s.db.Exec(`
		INSERT INTO webhook_gates (token, job_id, flow_id, step_index, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		g.Token, g.JobID, nullString(g.FlowID), g.StepIndex, g.ExpiresAt, g.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create webhook gate")
	}
	return g, nil
}

// Get retrieves a gate by token
func (s *GateStore) Get(token string) (*Gate, error) {
	var g Gate
	var flowID sql.NullString
	err := s.db.QueryRow(`
		SELECT token, job_id, flow_id, step_index, expires_at, used, created_at
		FROM webhook_gates WHERE token = ?`, token,
	).Scan(&g.Token, &g.JobID, &flowID, &g.StepIndex, &g.ExpiresAt, &g.Used, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("webhook gate %s", token)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get webhook gate")
	}
	if flowID.Valid {
		g.FlowID = flowID.String
	}
	return &g, nil
}

// Consume marks an unused gate used. Returns false when the gate was
// already consumed, making resumption single-use even under a racing
// expiry task.
func (s *GateStore) Consume(token string) (bool, error) {
	res, err := s.db.Exec(`UPDATE webhook_gates SET used = 1 WHERE token = ? AND used = 0`, token)
	if err != nil {
		return false, errors.Wrap(err, "failed to consume webhook gate")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to check gate result")
	}
	return affected > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
