// Package postgres implements the "postgres" document store backend on pgx.
// Documents live in a single jsonb table; equality filters use jsonb
// containment so the GIN index on doc serves them.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomkb/loom/internal/docstore"
)

func init() {
	docstore.Register("postgres", Open)
}

// Pool abstracts pgxpool.Pool so tests can substitute pgxmock.
type Pool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store is a docstore.Store backed by PostgreSQL.
type Store struct {
	pool Pool
}

// Open connects with opts.DSN, verifies the connection and initializes the schema.
// The "max_conns" param caps the pool size.
func Open(ctx context.Context, opts docstore.Options) (docstore.Store, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres backend requires a dsn")
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if v := opts.Param("max_conns", ""); v != "" {
		var n int32
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid max_conns %q", v)
		}
		cfg.MaxConns = n
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool and verifies the connection.
func New(ctx context.Context, pool Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

const (
	sqlCreateSchema = `
        CREATE TABLE IF NOT EXISTS loom_documents (
            collection TEXT NOT NULL,
            id TEXT NOT NULL,
            doc JSONB NOT NULL,
            PRIMARY KEY (collection, id)
        );
        CREATE INDEX IF NOT EXISTS idx_loom_documents_doc ON loom_documents USING GIN (doc jsonb_path_ops);
        CREATE TABLE IF NOT EXISTS loom_meta (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL
        );
    `
	sqlSelectVersion = `SELECT value FROM loom_meta WHERE key = 'schema_version'`
	sqlUpsertVersion = `
        INSERT INTO loom_meta (key, value) VALUES ('schema_version', $1)
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
    `
	sqlUpsertDocument = `
        INSERT INTO loom_documents (collection, id, doc) VALUES ($1, $2, $3::jsonb)
        ON CONFLICT (collection, id) DO UPDATE SET doc = EXCLUDED.doc
    `
	sqlDeleteDocument = `DELETE FROM loom_documents WHERE collection = $1 AND id = $2`
	sqlGetDocument    = `SELECT doc FROM loom_documents WHERE collection = $1 AND id = $2`
)

// InitSchema creates tables and indexes and records the layout version. It is idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var stored string
	err := s.pool.QueryRow(ctx, sqlSelectVersion).Scan(&stored)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if err := docstore.CheckSchemaVersion(stored); err != nil {
		return err
	}
	if docstore.NeedsVersionBump(stored) {
		if _, err := s.pool.Exec(ctx, sqlUpsertVersion, docstore.SchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return nil
}

// Upsert implements docstore.Store.
func (s *Store) Upsert(ctx context.Context, coll docstore.Collection, id string, doc docstore.Document) error {
	prepared, err := docstore.Prepare(coll, id, doc)
	if err != nil {
		return err
	}
	body, err := prepared.Encode()
	if err != nil {
		return docstore.WriteError("upsert", coll, id, err)
	}
	_, err = s.pool.Exec(ctx, sqlUpsertDocument, string(coll), id, string(body))
	return docstore.WriteError("upsert", coll, id, err)
}

// Delete implements docstore.Store.
func (s *Store) Delete(ctx context.Context, coll docstore.Collection, id string) error {
	if err := docstore.CheckCollection(coll); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, sqlDeleteDocument, string(coll), id)
	return docstore.WriteError("delete", coll, id, err)
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, coll docstore.Collection, id string) (docstore.Document, error) {
	if err := docstore.CheckCollection(coll); err != nil {
		return nil, err
	}
	var body []byte
	err := s.pool.QueryRow(ctx, sqlGetDocument, string(coll), id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", coll, id, err)
	}
	return docstore.DecodeDocument(body)
}

// Find implements docstore.Store.
func (s *Store) Find(ctx context.Context, coll docstore.Collection, filter docstore.Filter) ([]docstore.Document, error) {
	where, args, err := buildWhere(coll, filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "SELECT doc FROM loom_documents WHERE "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", coll, err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", coll, err)
		}
		doc, err := docstore.DecodeDocument(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return docs, nil
}

// Count implements docstore.Store.
func (s *Store) Count(ctx context.Context, coll docstore.Collection, filter docstore.Filter) (int, error) {
	where, args, err := buildWhere(coll, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM loom_documents WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", coll, err)
	}
	return int(n), nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// buildWhere renders a filter with numbered placeholders. Field names are
// validated before being embedded in the ->> operators.
func buildWhere(coll docstore.Collection, filter docstore.Filter) (string, []any, error) {
	if err := docstore.CheckCollection(coll); err != nil {
		return "", nil, err
	}
	if err := filter.Validate(); err != nil {
		return "", nil, err
	}

	conditions := []string{"collection = $1"}
	args := []any{string(coll)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, field := range filter.SortedEquals() {
		value := filter.Equals[field]
		if field == docstore.IDField {
			conditions = append(conditions, "id = "+next(value))
			continue
		}
		probe, err := json.Marshal(map[string]any{field: value})
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s: %v", docstore.ErrInvalidFilter, field, err)
		}
		conditions = append(conditions, "doc @> "+next(string(probe))+"::jsonb")
	}
	for _, field := range filter.SortedPrefixes() {
		p := next(docstore.EscapeLike(filter.Prefixes[field]))
		conditions = append(conditions, fmt.Sprintf(`doc->>'%s' LIKE %s ESCAPE '\'`, field, p))
	}
	for _, field := range filter.NonEmpty {
		conditions = append(conditions, fmt.Sprintf(`COALESCE(doc->>'%s', '') <> ''`, field))
	}
	return strings.Join(conditions, " AND "), args, nil
}
