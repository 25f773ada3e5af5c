package conductor

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLiteRunner constructs a LocalRunner whose engine keeps instances,
// history, entity state and queued activity tasks in db. Instances left
// running by a previous process resume when the runner starts.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:conductor.db?_pragma=journal_mode(WAL)")
//	runner, err := conductor.NewSQLiteRunner(db)
//	// register orchestrators on runner.Engine, then runner.Start(ctx)
func NewSQLiteRunner(db *sql.DB) (*LocalRunner, error) {
	eng, err := NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Engine: eng}, nil
}

// OpenSQLiteRunner opens the SQLite database at path and returns a runner
// that closes it on Stop.
func OpenSQLiteRunner(path string) (*LocalRunner, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("conductor: open sqlite %q: %w", path, err)
	}
	// One connection so ":memory:" databases are shared by every query.
	db.SetMaxOpenConns(1)

	r, err := NewSQLiteRunner(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	r.closer = db
	return r, nil
}
