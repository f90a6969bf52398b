package flow

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Extra-Chill/data-machine/errors"
)

// Store handles persistence of pipelines and flows
type Store struct {
	db *sql.DB
}

// NewStore creates a new pipeline/flow store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreatePipeline inserts a pipeline template
func (s *Store) CreatePipeline(p *Pipeline) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return errors.Wrap(err, "failed to marshal pipeline steps")
	}
	_, err = s.db.Exec(`
		INSERT INTO pipelines (id, name, steps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(steps), p.CreatedAt, p.UpdatedAt,
	)
	return errors.Wrap(err, "failed to create pipeline")
}

// GetPipeline retrieves a pipeline by ID
func (s *Store) GetPipeline(id string) (*Pipeline, error) {
	var p Pipeline
	var steps string
	err := s.db.QueryRow(
		`SELECT id, name, steps, created_at, updated_at FROM pipelines WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &steps, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("pipeline %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pipeline")
	}
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return nil, errors.Wrapf(err, "steps for pipeline %s", id)
	}
	return &p, nil
}

// ListPipelines returns all pipeline templates, newest first
func (s *Store) ListPipelines() ([]*Pipeline, error) {
	rows, err := s.db.Query(`SELECT id, name, steps, created_at, updated_at FROM pipelines ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pipelines")
	}
	defer rows.Close()

	var pipelines []*Pipeline
	for rows.Next() {
		var p Pipeline
		var steps string
		if err := rows.Scan(&p.ID, &p.Name, &steps, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan pipeline")
		}
		if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
			return nil, errors.Wrapf(err, "steps for pipeline %s", p.ID)
		}
		pipelines = append(pipelines, &p)
	}
	return pipelines, rows.Err()
}

// DeletePipeline removes a template. Refused while any flow references it.
func (s *Store) DeletePipeline(id string) error {
	var refs int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM flows WHERE pipeline_id = ?`, id).Scan(&refs); err != nil {
		return errors.Wrap(err, "failed to count pipeline references")
	}
	if refs > 0 {
		return errors.NewInvalidRequestError("pipeline %s is referenced by %d flow(s)", id, refs)
	}

	res, err := s.db.Exec(`DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete pipeline")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check delete result")
	}
	if affected == 0 {
		return errors.NewNotFoundError("pipeline %s", id)
	}
	return nil
}

const flowColumns = `id, pipeline_id, name, schedule, interval_seconds, step_overrides,
	webhook_enabled, webhook_token, active, next_run_at, last_run_at, created_at, updated_at`

// CreateFlow inserts a flow
func (s *Store) CreateFlow(f *Flow) error {
	overrides, err := marshalOverrides(f.StepOverrides)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO flows (`+flowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.PipelineID, f.Name, f.Schedule, f.IntervalSeconds, overrides,
		f.WebhookEnabled, nullString(f.WebhookToken), f.Active,
		f.NextRunAt, f.LastRunAt, f.CreatedAt, f.UpdatedAt,
	)
	return errors.Wrap(err, "failed to create flow")
}

// GetFlow retrieves a flow by ID
func (s *Store) GetFlow(id string) (*Flow, error) {
	row := s.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("flow %s", id)
	}
	return f, err
}

// GetFlowByToken resolves a webhook bearer token to its flow
func (s *Store) GetFlowByToken(token string) (*Flow, error) {
	if token == "" {
		return nil, errors.Wrap(errors.ErrUnauthorized, "empty webhook token")
	}
	row := s.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE webhook_token = ? AND webhook_enabled = 1`, token)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrUnauthorized, "unknown webhook token")
	}
	return f, err
}

// ListFlows returns all flows, newest first
func (s *Store) ListFlows() ([]*Flow, error) {
	rows, err := s.db.Query(`SELECT ` + flowColumns + ` FROM flows ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list flows")
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// ListDue returns active flows whose next_run_at has passed
func (s *Store) ListDue(now time.Time) ([]*Flow, error) {
	rows, err := s.db.Query(
		`SELECT `+flowColumns+` FROM flows
		 WHERE active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC`,
		now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due flows")
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// UpdateFlow persists flow mutations (schedule changes, webhook toggles,
// run bookkeeping)
func (s *Store) UpdateFlow(f *Flow) error {
	overrides, err := marshalOverrides(f.StepOverrides)
	if err != nil {
		return err
	}
	f.UpdatedAt = time.Now()
	res, err := s.db.Exec(`
		UPDATE flows
		SET name = ?, schedule = ?, interval_seconds = ?, step_overrides = ?,
		    webhook_enabled = ?, webhook_token = ?, active = ?,
		    next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE id = ?`,
		f.Name, f.Schedule, f.IntervalSeconds, overrides,
		f.WebhookEnabled, nullString(f.WebhookToken), f.Active,
		f.NextRunAt, f.LastRunAt, f.UpdatedAt, f.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update flow")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check update result")
	}
	if affected == 0 {
		return errors.NewNotFoundError("flow %s", f.ID)
	}
	return nil
}

func marshalOverrides(overrides map[string]map[string]any) (sql.NullString, error) {
	if len(overrides) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to marshal step overrides")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlow(row rowScanner) (*Flow, error) {
	var f Flow
	var overrides, token sql.NullString
	var nextRun, lastRun sql.NullTime
	err := row.Scan(
		&f.ID, &f.PipelineID, &f.Name, &f.Schedule, &f.IntervalSeconds, &overrides,
		&f.WebhookEnabled, &token, &f.Active, &nextRun, &lastRun, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan flow")
	}
	if overrides.Valid {
		if err := json.Unmarshal([]byte(overrides.String), &f.StepOverrides); err != nil {
			return nil, errors.Wrapf(err, "step overrides for flow %s", f.ID)
		}
	}
	if token.Valid {
		f.WebhookToken = token.String
	}
	if nextRun.Valid {
		f.NextRunAt = &nextRun.Time
	}
	if lastRun.Valid {
		f.LastRunAt = &lastRun.Time
	}
	return &f, nil
}
