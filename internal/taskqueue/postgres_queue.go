package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/conductor/internal/clock"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS activity_tasks (
//	    id          BIGSERIAL PRIMARY KEY,
//	    task_key    TEXT NOT NULL,
//	    call_key    TEXT NOT NULL UNIQUE,
//	    payload     BYTEA NOT NULL,
//	    enqueued_at BIGINT NOT NULL,
//	    not_before  BIGINT NOT NULL
//	);
//
// Dequeue uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers
// never claim the same row.
type PostgresQueue struct {
	db           *sql.DB
	clock        clock.Clock
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB, opts ...Option) (*PostgresQueue, error) {
	o := buildOptions(100*time.Millisecond, opts)
	q := &PostgresQueue{db: db, clock: o.clock, pollInterval: o.pollInterval}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("postgres queue: init schema: %w", err)
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS activity_tasks (
			id          BIGSERIAL PRIMARY KEY,
			task_key    TEXT NOT NULL,
			call_key    TEXT NOT NULL UNIQUE,
			payload     BYTEA NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before  BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_activity_tasks_due ON activity_tasks(not_before, id);
	`)
	return err
}

// Enqueue inserts a task into the queue unless its call is queued already.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	stamp(&t, q.clock.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO activity_tasks (task_key, call_key, payload, enqueued_at, not_before)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_key) DO NOTHING
	`, t.ID, t.CallKey(), data, t.EnqueuedAt.UnixNano(), t.NotBefore.UnixNano())
	return err
}

// Dequeue blocks (with polling) until a task is due or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
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

		if err := sleep(ctx, q.clock, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *PostgresQueue) claim(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id      int64
		payload []byte
	)

	// Lock a single due row, if any.
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload
		FROM activity_tasks
		WHERE not_before <= $1
		ORDER BY not_before, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, q.clock.Now().UnixNano()).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM activity_tasks WHERE id = $1`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task, err := DecodeTask(payload)
	if err != nil {
		return nil, fmt.Errorf("decode task %d: %w", id, err)
	}
	return task, nil
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM activity_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
