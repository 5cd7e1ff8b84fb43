// Package pgstore is a PostgreSQL backed history.Store.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/a-essam23/livecore/pkg/history"
	"github.com/lib/pq"
)

const Schema = `
CREATE TABLE IF NOT EXISTS document_versions (
    document_id TEXT        NOT NULL,
    number      INTEGER     NOT NULL,
    parent      INTEGER,
    state       JSONB       NOT NULL,
    created_by  TEXT        NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    op          JSONB,
    inverse     JSONB,
    PRIMARY KEY (document_id, number)
);`

// unique_violation
const codeUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var _ history.Store = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the lib/pq driver and makes sure the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres db: %w", err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create document_versions: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, v history.Version) error {
	state, err := json.Marshal(v.State.Clone())
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var head int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), -1) FROM document_versions WHERE document_id = $1`,
		v.DocumentID).Scan(&head)
	if err != nil {
		return fmt.Errorf("read head of %s: %w", v.DocumentID, err)
	}
	if err := history.CheckLink(head, v); err != nil {
		return fmt.Errorf("append %s@%d: %w", v.DocumentID, v.Number, err)
	}

	query := `
  INSERT INTO document_versions
  (document_id, number, parent, state, created_by, created_at, op, inverse)
  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = tx.ExecContext(ctx, query,
		v.DocumentID,
		v.Number,
		nullableInt(v.Parent),
		state,
		v.CreatedBy,
		v.CreatedAt,
		nullableJSON(v.Op),
		nullableJSON(v.Inverse),
	)
	if err != nil {
		var pqErr *pq.Error
		// a concurrent writer took the number first
		if errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation {
			return fmt.Errorf("append %s@%d: %w", v.DocumentID, v.Number, history.ErrVersionConflict)
		}
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return tx.Commit()
}

const selectColumns = `SELECT document_id, number, parent, state, created_by, created_at, op, inverse FROM document_versions`

func (s *Store) Latest(ctx context.Context, documentID string) (history.Version, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE document_id = $1 ORDER BY number DESC LIMIT 1`, documentID)
	return scanVersion(row)
}

func (s *Store) Get(ctx context.Context, documentID string, number int) (history.Version, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE document_id = $1 AND number = $2`, documentID, number)
	return scanVersion(row)
}

func (s *Store) Range(ctx context.Context, documentID string, from, to int) ([]history.Version, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE document_id = $1 AND number > $2 AND number <= $3 ORDER BY number`,
		documentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var out []history.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (history.Version, error) {
	var (
		v       history.Version
		parent  sql.NullInt64
		state   []byte
		op      []byte
		inverse []byte
	)
	err := row.Scan(&v.DocumentID, &v.Number, &parent, &state, &v.CreatedBy, &v.CreatedAt, &op, &inverse)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Version{}, history.ErrNotFound
	}
	if err != nil {
		return history.Version{}, fmt.Errorf("scan version: %w", err)
	}
	if parent.Valid {
		p := int(parent.Int64)
		v.Parent = &p
	}
	if err := json.Unmarshal(state, &v.State); err != nil {
		return history.Version{}, fmt.Errorf("decode state: %w", err)
	}
	if len(op) > 0 {
		v.Op = op
	}
	if len(inverse) > 0 {
		v.Inverse = inverse
	}
	return v, nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
