package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore implements InstanceStore, HistoryStore and EntityStore on PostgreSQL.
//
// It expects an *sql.DB that uses the pgx stdlib driver. The caller is
// responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open("pgx", dsn).
type PostgresStore struct {
	sqlStore
}

// Ensure PostgresStore implements the interfaces.
var (
	_ InstanceStore = (*PostgresStore)(nil)
	_ HistoryStore  = (*PostgresStore)(nil)
	_ EntityStore   = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given
// database and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{sqlStore{db: db, rebind: rebindDollar, isUnique: isPostgresUnique}}
	if err := s.initSchema(); err != nil {
		return nil, wrapSchemaErr("postgres", err)
	}
	return s, nil
}

// NewPostgresPersistence returns a Persistence backed by a single PostgresStore.
func NewPostgresPersistence(db *sql.DB) (*Persistence, error) {
	s, err := NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return &Persistence{Instances: s, History: s, Entities: s}, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			execution INTEGER NOT NULL,
			status TEXT NOT NULL,
			input BYTEA,
			output BYTEA,
			custom_status BYTEA,
			failure BYTEA,
			buffered BYTEA,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
		CREATE TABLE IF NOT EXISTS history (
			instance_id TEXT NOT NULL,
			execution INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			at BIGINT NOT NULL,
			data BYTEA NOT NULL,
			PRIMARY KEY (instance_id, execution, seq)
		);
		CREATE TABLE IF NOT EXISTS entities (
			entity_type TEXT NOT NULL,
			entity_key TEXT NOT NULL,
			state BYTEA,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (entity_type, entity_key)
		);
	`)
	return err
}

func isPostgresUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
