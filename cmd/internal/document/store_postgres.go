package document

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by the "document" table.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "public").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("document: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("document: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "public",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("document: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	if s == nil || s.pool == nil {
		return Document{}, errors.New("document: nil store")
	}
	if id == uuid.Nil {
		return Document{}, ErrInvalidInput
	}

	var delta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT delta FROM `+s.table()+` WHERE id = $1`,
		id.String(),
	).Scan(&delta)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("select document: %w", err)
	}
	return Document{ID: id, Delta: delta}, nil
}

// Create inserts the row unless it already exists. Two connections retrieving
// the same new id at once both succeed; exactly one of them sees created=true.
func (s *PostgresStore) Create(ctx context.Context, doc Document) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("document: nil store")
	}
	if doc.ID == uuid.Nil || len(doc.Delta) == 0 {
		return false, ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (id, delta) VALUES ($1, $2::jsonb)
		 ON CONFLICT (id) DO NOTHING`,
		doc.ID.String(), string(doc.Delta),
	)
	if err != nil {
		return false, fmt.Errorf("insert document: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Update(ctx context.Context, doc Document) error {
	if s == nil || s.pool == nil {
		return errors.New("document: nil store")
	}
	if doc.ID == uuid.Nil || len(doc.Delta) == 0 {
		return ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET delta = $2::jsonb,
		        updated_at = now()
		  WHERE id = $1`,
		doc.ID.String(), string(doc.Delta),
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) table() string {
	return pgIdent(s.schema, "document")
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier quotes each part.
	return pgx.Identifier{schema, table}.Sanitize()
}
