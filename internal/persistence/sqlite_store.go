package persistence

import (
	"context"
	"database/sql"
	"strings"
)

// SQLiteStore implements InstanceStore, HistoryStore and EntityStore on SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// For ":memory:" databases call db.SetMaxOpenConns(1) so every query sees
// the same database.
type SQLiteStore struct {
	sqlStore
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ InstanceStore = (*SQLiteStore)(nil)
	_ HistoryStore  = (*SQLiteStore)(nil)
	_ EntityStore   = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given
// database and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlStore{db: db, rebind: rebindNone, isUnique: isSQLiteUnique}}
	if err := s.initSchema(); err != nil {
		return nil, wrapSchemaErr("sqlite", err)
	}
	return s, nil
}

// NewSQLitePersistence returns a Persistence backed by a single SQLiteStore.
func NewSQLitePersistence(db *sql.DB) (*Persistence, error) {
	s, err := NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return &Persistence{Instances: s, History: s, Entities: s}, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			execution INTEGER NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			output BLOB,
			custom_status BLOB,
			failure BLOB,
			buffered BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
		CREATE TABLE IF NOT EXISTS history (
			instance_id TEXT NOT NULL,
			execution INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			at INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (instance_id, execution, seq)
		);
		CREATE TABLE IF NOT EXISTS entities (
			entity_type TEXT NOT NULL,
			entity_key TEXT NOT NULL,
			state BLOB,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (entity_type, entity_key)
		);
	`)
	return err
}

func isSQLiteUnique(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}
