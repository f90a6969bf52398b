// Package promptq provides the per-step FIFO of pending task instructions.
// Queueable steps pop from it when no static instruction is configured.
//
// Every mutation runs inside one SQL transaction so two agents issuing
// writes back-to-back cannot lose an update, but callers addressing entries
// by index must expect positions to shift under concurrent pops.
package promptq

import (
	"database/sql"
	"time"

	"github.com/Extra-Chill/data-machine/errors"
)

// Entry is one queued instruction
type Entry struct {
	Prompt  string    `json:"prompt"`
	AddedAt time.Time `json:"added_at"`
}

// Queue persists prompt queues scoped to (flow_id, step_id) pairs
type Queue struct {
	db *sql.DB
}

// New creates a queue over the given database
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Add appends a prompt to the end of the queue
func (q *Queue) Add(flowID, stepID, prompt string) error {
	if prompt == "" {
		return errors.NewInvalidRequestError("prompt cannot be empty")
	}
	return q.inTx(func(tx *sql.Tx) error {
		var next int
		err := tx.QueryRow(
			`SELECT COALESCE(MAX(position), -1) + 1 FROM prompt_queue WHERE flow_id = ? AND step_id = ?`,
			flowID, stepID,
		).Scan(&next)
		if err != nil {
			return errors.Wrap(err, "failed to find queue tail")
		}
		_, err = tx.Exec(
			`INSERT INTO prompt_queue (flow_id, step_id, position, prompt, added_at) VALUES (?, ?, ?, ?, ?)`,
			flowID, stepID, next, prompt, time.Now(),
		)
		return errors.Wrap(err, "failed to append prompt")
	})
}

// List returns the queue in FIFO order
func (q *Queue) List(flowID, stepID string) ([]Entry, error) {
	rows, err := q.db.Query(
		`SELECT prompt, added_at FROM prompt_queue WHERE flow_id = ? AND step_id = ? ORDER BY position ASC`,
		flowID, stepID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list prompts")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Prompt, &e.AddedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan prompt")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Pop removes and returns the head of the queue. All remaining entries
// shift down one position. Returns ErrNotFound on an empty queue.
func (q *Queue) Pop(flowID, stepID string) (*Entry, error) {
	var popped Entry
	err := q.inTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(
			`SELECT prompt, added_at FROM prompt_queue WHERE flow_id = ? AND step_id = ? AND position = 0`,
			flowID, stepID,
		).Scan(&popped.Prompt, &popped.AddedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("prompt queue for flow %s step %s is empty", flowID, stepID)
		}
		if err != nil {
			return errors.Wrap(err, "failed to read queue head")
		}
		if _, err := tx.Exec(
			`DELETE FROM prompt_queue WHERE flow_id = ? AND step_id = ? AND position = 0`,
			flowID, stepID,
		); err != nil {
			return errors.Wrap(err, "failed to pop queue head")
		}
		return shiftDown(tx, flowID, stepID, 1)
	})
	if err != nil {
		return nil, err
	}
	return &popped, nil
}

// Remove deletes the entry at index; later entries shift down.
// Out-of-range indices fail with a bounds error rather than clamping.
func (q *Queue) Remove(flowID, stepID string, index int) error {
	return q.inTx(func(tx *sql.Tx) error {
		if err := checkBounds(tx, flowID, stepID, index); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`DELETE FROM prompt_queue WHERE flow_id = ? AND step_id = ? AND position = ?`,
			flowID, stepID, index,
		); err != nil {
			return errors.Wrap(err, "failed to remove prompt")
		}
		return shiftDown(tx, flowID, stepID, index+1)
	})
}

// Update replaces the prompt text at index in place
func (q *Queue) Update(flowID, stepID string, index int, prompt string) error {
	if prompt == "" {
		return errors.NewInvalidRequestError("prompt cannot be empty")
	}
	return q.inTx(func(tx *sql.Tx) error {
		if err := checkBounds(tx, flowID, stepID, index); err != nil {
			return err
		}
		_, err := tx.Exec(
			`UPDATE prompt_queue SET prompt = ? WHERE flow_id = ? AND step_id = ? AND position = ?`,
			prompt, flowID, stepID, index,
		)
		return errors.Wrap(err, "failed to update prompt")
	})
}

// Move removes the entry at from and reinserts it at to, shifting the
// entries in between. Move(i, i) is a no-op.
func (q *Queue) Move(flowID, stepID string, from, to int) error {
	return q.inTx(func(tx *sql.Tx) error {
		if err := checkBounds(tx, flowID, stepID, from); err != nil {
			return err
		}
		if err := checkBounds(tx, flowID, stepID, to); err != nil {
			return err
		}
		if from == to {
			return nil
		}

		// Park the moving row outside the live range, shift the span it
		// crosses, then drop it into the freed slot.
		if _, err := tx.Exec(
			`UPDATE prompt_queue SET position = -1 WHERE flow_id = ? AND step_id = ? AND position = ?`,
			flowID, stepID, from,
		); err != nil {
			return errors.Wrap(err, "failed to lift prompt")
		}

		// Shift one row at a time, always moving into the slot just
		// vacated, so the composite primary key never collides.
		if from < to {
			for p := from + 1; p <= to; p++ {
				if _, err := tx.Exec(
					`UPDATE prompt_queue SET position = ? WHERE flow_id = ? AND step_id = ? AND position = ?`,
					p-1, flowID, stepID, p,
				); err != nil {
					return errors.Wrap(err, "failed to shift prompts")
				}
			}
		} else {
			for p := from - 1; p >= to; p-- {
				if _, err := tx.Exec(
					`UPDATE prompt_queue SET position = ? WHERE flow_id = ? AND step_id = ? AND position = ?`,
					p+1, flowID, stepID, p,
				); err != nil {
					return errors.Wrap(err, "failed to shift prompts")
				}
			}
		}

		if _, err := tx.Exec(
			`UPDATE prompt_queue SET position = ? WHERE flow_id = ? AND step_id = ? AND position = -1`,
			to, flowID, stepID,
		); err != nil {
			return errors.Wrap(err, "failed to place prompt")
		}
		return nil
	})
}

// Clear removes every entry for the (flow, step) pair
func (q *Queue) Clear(flowID, stepID string) error {
	_, err := q.db.Exec(
		`DELETE FROM prompt_queue WHERE flow_id = ? AND step_id = ?`,
		flowID, stepID,
	)
	return errors.Wrap(err, "failed to clear prompt queue")
}

// Len returns the number of queued prompts
func (q *Queue) Len(flowID, stepID string) (int, error) {
	var n int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM prompt_queue WHERE flow_id = ? AND step_id = ?`,
		flowID, stepID,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count prompts")
	}
	return n, nil
}

func (q *Queue) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := q.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin queue transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit queue transaction")
}

// checkBounds fails with ErrOutOfRange unless 0 <= index < len(queue)
func checkBounds(tx *sql.Tx, flowID, stepID string, index int) error {
	var n int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM prompt_queue WHERE flow_id = ? AND step_id = ?`,
		flowID, stepID,
	).Scan(&n); err != nil {
		return errors.Wrap(err, "failed to count prompts")
	}
	if index < 0 || index >= n {
		return errors.Wrapf(errors.ErrOutOfRange, "index %d outside queue of length %d", index, n)
	}
	return nil
}

// shiftDown renumbers positions >= start down by one, preserving order
func shiftDown(tx *sql.Tx, flowID, stepID string, start int) error {
	rows, err := tx.Query(
		`SELECT position FROM prompt_queue WHERE flow_id = ? AND step_id = ? AND position >= ? ORDER BY position ASC`,
		flowID, stepID, start,
	)
	if err != nil {
		return errors.Wrap(err, "failed to read positions")
	}
	var positions []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return errors.Wrap(err, "failed to scan position")
		}
		positions = append(positions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to iterate positions")
	}

	// Ascending order keeps each rename moving into a freed slot, so the
	// composite primary key never collides mid-shift.
	for _, p := range positions {
		if _, err := tx.Exec(
			`UPDATE prompt_queue SET position = ? WHERE flow_id = ? AND step_id = ? AND position = ?`,
			p-1, flowID, stepID, p,
		); err != nil {
			return errors.Wrap(err, "failed to shift position")
		}
	}
	return nil
}
