package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/petrijr/conductor/pkg/api"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	rebind   func(string) string
	isUnique func(error) bool
}

func encodeBlobs(rec *InstanceRecord) (failure, buffered []byte, err error) {
	if failure, err = EncodeFailure(rec.Failure); err != nil {
		return nil, nil, err
	}
	if buffered, err = EncodeBuffered(rec.Buffered); err != nil {
		return nil, nil, err
	}
	return failure, buffered, nil
}

func (s *sqlStore) CreateInstance(ctx context.Context, rec *InstanceRecord) error {
	failure, buffered, err := encodeBlobs(rec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO instances (id, name, execution, status, input, output, custom_status, failure, buffered, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.Name,
		rec.Execution,
		string(rec.Status),
		rec.Input,
		rec.Output,
		rec.CustomStatus,
		failure,
		buffered,
		unixNano(rec.CreatedAt),
		unixNano(rec.UpdatedAt),
	)
	if err != nil && s.isUnique(err) {
		return ErrInstanceExists
	}
	return err
}

func (s *sqlStore) UpdateInstance(ctx context.Context, rec *InstanceRecord) error {
	failure, buffered, err := encodeBlobs(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE instances
		SET name = ?, execution = ?, status = ?, input = ?, output = ?, custom_status = ?, failure = ?, buffered = ?, updated_at = ?
		WHERE id = ?`),
		rec.Name,
		rec.Execution,
		string(rec.Status),
		rec.Input,
		rec.Output,
		rec.CustomStatus,
		failure,
		buffered,
		unixNano(rec.UpdatedAt),
		rec.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

const instanceColumns = `id, name, execution, status, input, output, custom_status, failure, buffered, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*InstanceRecord, error) {
	var (
		rec              InstanceRecord
		status           string
		failure          []byte
		buffered         []byte
		created, updated int64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Execution, &status, &rec.Input, &rec.Output,
		&rec.CustomStatus, &failure, &buffered, &created, &updated); err != nil {
		return nil, err
	}
	rec.Status = api.Status(status)
	rec.CreatedAt = fromUnixNano(created)
	rec.UpdatedAt = fromUnixNano(updated)

	f, err := DecodeFailure(failure)
	if err != nil {
		return nil, err
	}
	rec.Failure = f

	if rec.Buffered, err = DecodeBuffered(buffered); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *sqlStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`), id)
	rec, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *sqlStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.Name != "" {
		clauses = append(clauses, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendEvents(ctx context.Context, instanceID string, execution int, events []api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM history WHERE instance_id = ? AND execution = ?`),
		instanceID, execution,
	).Scan(&current); err != nil {
		return err
	}
	if err := checkSequence(current, events); err != nil {
		return err
	}

	insert := s.rebind(`
		INSERT INTO history (instance_id, execution, seq, type, at, data)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for _, ev := range events {
		data, err := EncodeEvent(ev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert,
			instanceID, execution, ev.Seq, string(ev.Type), unixNano(ev.Timestamp), data,
		); err != nil {
			if s.isUnique(err) {
				return ErrConflict
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) LoadHistory(ctx context.Context, instanceID string, execution int) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT data FROM history
		WHERE instance_id = ? AND execution = ?
		ORDER BY seq ASC`),
		instanceID, execution,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) LoadEntity(ctx context.Context, id api.EntityID) (*EntityRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT state, updated_at FROM entities WHERE entity_type = ? AND entity_key = ?`),
		id.Type, id.Key,
	)
	var (
		state   []byte
		updated int64
	)
	if err := row.Scan(&state, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	return &EntityRecord{ID: id, State: state, UpdatedAt: fromUnixNano(updated)}, nil
}

func (s *sqlStore) SaveEntity(ctx context.Context, rec *EntityRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO entities (entity_type, entity_key, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_key)
		DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`),
		rec.ID.Type, rec.ID.Key, rec.State, unixNano(rec.UpdatedAt),
	)
	return err
}

func (s *sqlStore) DeleteEntity(ctx context.Context, id api.EntityID) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM entities WHERE entity_type = ? AND entity_key = ?`),
		id.Type, id.Key,
	)
	return err
}

func (s *sqlStore) ListEntities(ctx context.Context, entityType string) ([]*EntityRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT entity_key, state, updated_at FROM entities
		WHERE entity_type = ?
		ORDER BY entity_key`),
		entityType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EntityRecord
	for rows.Next() {
		var (
			key     string
			state   []byte
			updated int64
		)
		if err := rows.Scan(&key, &state, &updated); err != nil {
			return nil, err
		}
		out = append(out, &EntityRecord{
			ID:        api.EntityID{Type: entityType, Key: key},
			State:     state,
			UpdatedAt: fromUnixNano(updated),
		})
	}
	return out, rows.Err()
}

// rebindDollar rewrites '?' placeholders into PostgreSQL's $1..$n form.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func rebindNone(query string) string { return query }

func wrapSchemaErr(backend string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: init schema: %w", backend, err)
}
