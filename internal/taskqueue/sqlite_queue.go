package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/conductor/internal/clock"
)

// SQLiteQueue is a persistent task queue implementation backed by SQLite.
// Tasks are claimed in (not_before, id) order and deleted in the same
// transaction, so a task is delivered to exactly one Dequeue call. The
// unique call_key column keeps one queued task per activity call.
type SQLiteQueue struct {
	db           *sql.DB
	clock        clock.Clock
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB, opts ...Option) (*SQLiteQueue, error) {
	o := buildOptions(20*time.Millisecond, opts)
	q := &SQLiteQueue{
		db:           db,
		clock:        o.clock,
		pollInterval: o.pollInterval,
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("sqlite queue: init schema: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS activity_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_key TEXT NOT NULL,
			call_key TEXT NOT NULL UNIQUE,
			payload BLOB NOT NULL,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_activity_tasks_due ON activity_tasks(not_before, id);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	stamp(&t, q.clock.Now())
	payload, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO activity_tasks (task_key, call_key, payload, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (call_key) DO NOTHING`,
		t.ID,
		t.CallKey(),
		payload,
		t.EnqueuedAt.UnixNano(),
		t.NotBefore.UnixNano(),
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		task, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		// Nothing available: sleep a bit and retry.
		if err := sleep(ctx, q.clock, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id      int64
		payload []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload
		FROM activity_tasks
		WHERE not_before <= ?
		ORDER BY not_before, id
		LIMIT 1`, q.clock.Now().UnixNano(),
	).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Delete the row we just claimed.
	if _, err := tx.ExecContext(ctx, `DELETE FROM activity_tasks WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return DecodeTask(payload)
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM activity_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
