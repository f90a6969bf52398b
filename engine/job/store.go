package job

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Extra-Chill/data-machine/errors"
)

// Store handles persistence of jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new job into the database
func (s *Store) Create(j *Job) error {
	dataJSON, err := MarshalEngineData(j.Data)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			id, flow_id, pipeline_id, status, current_step,
			engine_data, parent_job_id, version,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	flowID := sql.NullString{String: j.FlowID, Valid: j.FlowID != ""}
	pipelineID := sql.NullString{String: j.PipelineID, Valid: j.PipelineID != ""}
	parentJobID := sql.NullString{String: j.ParentJobID, Valid: j.ParentJobID != ""}
	data := sql.NullString{String: dataJSON, Valid: dataJSON != ""}

	_, err = s.db.Exec(query,
		j.ID,
		flowID,
		pipelineID,
		j.Status,
		j.CurrentStep,
		data,
		parentJobID,
		j.Version,
		j.CreatedAt,
		j.StartedAt,
		j.CompletedAt,
		j.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
		return err
	}

	return nil
}

// Get retrieves a job by ID
func (s *Store) Get(id string) (*Job, error) {
	query := `SELECT ` + SelectColumns() + ` FROM jobs WHERE id = ?`

	var j Job
	args := &ScanArgs{}
	err := s.db.QueryRow(query, id).Scan(ScanTargets(&j, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	if err := ProcessScanArgs(&j, args); err != nil {
		return nil, err
	}

	return &j, nil
}

// Update persists a job with optimistic concurrency: the row is only
// written when its stored version matches the version the caller read.
// Returns ErrConflict when another writer got there first, so the caller
// re-reads and decides rather than overwriting blind.
func (s *Store) Update(j *Job) error {
	dataJSON, err := MarshalEngineData(j.Data)
	if err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET status = ?,
		    current_step = ?,
		    engine_data = ?,
		    version = version + 1,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND version = ?
	`

	data := sql.NullString{String: dataJSON, Valid: dataJSON != ""}
	j.UpdatedAt = time.Now()

	res, err := s.db.Exec(query,
		j.Status,
		j.CurrentStep,
		data,
		j.StartedAt,
		j.CompletedAt,
		j.UpdatedAt,
		j.ID,
		j.Version,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check update result")
	}
	if affected == 0 {
		// Distinguish a missing row from a lost version race
		var exists bool
		if err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM jobs WHERE id = ?)", j.ID).Scan(&exists); err != nil {
			return errors.Wrap(err, "failed to check job existence")
		}
		if !exists {
			return errors.NewNotFoundError("job %s", j.ID)
		}
		return errors.Wrapf(errors.ErrConflict, "job %s version %d is stale", j.ID, j.Version)
	}

	j.Version++
	return nil
}

// Filter narrows List results. Zero values are ignored.
type Filter struct {
	Status      *Status
	FlowID      string
	ParentJobID string
	Limit       int
}

// List retrieves jobs matching the filter, newest first
func (s *Store) List(f Filter) ([]*Job, error) {
	query := `SELECT ` + SelectColumns() + ` FROM jobs WHERE 1=1`
	var args []interface{}

	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, *f.Status)
	}
	if f.FlowID != "" {
		query += ` AND flow_id = ?`
		args = append(args, f.FlowID)
	}
	if f.ParentJobID != "" {
		query += ` AND parent_job_id = ?`
		args = append(args, f.ParentJobID)
	}

	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		if err := ScanFromRows(rows, &j); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// ChildStatusCounts aggregates the statuses of a batch parent's children
func (s *Store) ChildStatusCounts(parentJobID string) (map[Status]int, error) {
	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM jobs WHERE parent_job_id = ? GROUP BY status`,
		parentJobID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count child jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan child count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountByStatus aggregates all jobs by status for the summary view
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListStuck returns processing jobs whose started_at is older than the
// cutoff, optionally scoped to one flow. Jobs suspended on an unused,
// unexpired webhook gate are not stuck: the gate's own expiry task settles
// them on its schedule. Used by stuck-job recovery.
func (s *Store) ListStuck(cutoff time.Time, flowID string) ([]*Job, error) {
	query := `SELECT ` + SelectColumns() + `
		FROM jobs
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_gates g
			WHERE g.job_id = jobs.id AND g.used = 0 AND g.expires_at > ?
		  )`
	args := []interface{}{StatusProcessing, cutoff, time.Now()}

	if flowID != "" {
		query += ` AND flow_id = ?`
		args = append(args, flowID)
	}
	query += ` ORDER BY started_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stuck jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		if err := ScanFromRows(rows, &j); err != nil {
			return nil, errors.Wrap(err, "failed to scan stuck job")
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// ListBatchParents returns jobs carrying batch state, newest first
func (s *Store) ListBatchParents(limit int) ([]*Job, error) {
	query := `SELECT ` + SelectColumns() + `
		FROM jobs
		WHERE engine_data LIKE '%"batch"%' AND parent_job_id IS NULL
		ORDER BY created_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list batch jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		if err := ScanFromRows(rows, &j); err != nil {
			return nil, errors.Wrap(err, "failed to scan batch job")
		}
		if j.Data == nil || j.Data.Batch == nil {
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}
