package task

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Extra-Chill/data-machine/errors"
)

// Store handles persistence of scheduled tasks
type Store struct {
	db *sql.DB
}

// NewStore creates a new task store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `id, task_type, payload, status, run_at, attempts, last_error, created_at, updated_at`

// Create inserts a new task
func (s *Store) Create(t *Task) error {
	payload := sql.NullString{String: string(t.Payload), Valid: len(t.Payload) > 0}

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, task_type, payload, status, run_at, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, payload, t.Status, t.RunAt, t.Attempts, t.LastError, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create task")
		err = errors.WithDetail(err, fmt.Sprintf("Task type: %s", t.Type))
		return err
	}
	return nil
}

// Get retrieves a task by ID
func (s *Store) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task %s", id)
	}
	return t, err
}

// ClaimDue atomically claims the oldest due queued task, marking it running
// and bumping its attempt counter. Returns nil when nothing is due. Losing a
// claim race to a parallel worker is treated the same as nothing due.
func (s *Store) ClaimDue(now time.Time) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT `+selectColumns+` FROM tasks
		WHERE status = ? AND run_at <= ?
		ORDER BY run_at ASC
		LIMIT 1`,
		StatusQueued, now,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusRunning, now, t.ID, StatusQueued,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim task")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to check claim result")
	}
	if affected == 0 {
		return nil, nil
	}

	t.Status = StatusRunning
	t.Attempts++
	t.UpdatedAt = now
	return t, nil
}

// Cancel marks a queued task cancelled. Returns false when the task does
// not exist or has already left the queue.
func (s *Store) Cancel(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusCancelled, time.Now(), id, StatusQueued,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to cancel task")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to check cancel result")
	}
	return affected > 0, nil
}

// MarkCompleted finishes a running task
func (s *Store) MarkCompleted(id string) error {
	return s.finish(id, StatusCompleted, "")
}

// MarkFailed finishes a running task with its final error
func (s *Store) MarkFailed(id string, lastError string) error {
	return s.finish(id, StatusFailed, lastError)
}

func (s *Store) finish(id string, status Status, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, lastError, time.Now(), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark task %s", status)
	}
	return nil
}

// Requeue pushes a running task back onto the queue for a later attempt
func (s *Store) Requeue(id string, runAt time.Time, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status = ?, run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		StatusQueued, runAt, lastError, time.Now(), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to requeue task")
	}
	return nil
}

// CountQueued returns the number of queued tasks, used by daemon status
func (s *Store) CountQueued() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = ?`, StatusQueued).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count queued tasks")
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var payload, lastError sql.NullString
	err := row.Scan(&t.ID, &t.Type, &payload, &t.Status, &t.RunAt, &t.Attempts, &lastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	if lastError.Valid {
		t.LastError = lastError.String
	}
	return &t, nil
}
