// Package sqlite provides embedded SQL document store backends.
//
// Two backends are registered:
//
//   - "sqlite": pure-Go SQLite (ncruces/go-sqlite3, wasm build) for local files
//   - "libsql": libSQL/Turso via tursodatabase/go-libsql (cgo builds only),
//     which accepts both local files and libsql:// server URLs
//
// Both share one schema: a single documents table keyed by (collection, id)
// with the JSON body in a TEXT column. Filters are pushed down with
// json_extract, and WAL mode keeps readers unblocked during sync writes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/loomkb/loom/internal/docstore"
)

func init() {
	docstore.Register("sqlite", Open)
}

// DB is a docstore.Store backed by a SQL database speaking the SQLite dialect.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the SQLite database at opts.DSN (a file path or a
// file: URI). The schema is created on first use.
func Open(ctx context.Context, opts docstore.Options) (docstore.Store, error) {
	path := opts.DSN
	if path == "" {
		return nil, fmt.Errorf("sqlite backend requires a dsn (database file path)")
	}

	connStr := path
	if !strings.HasPrefix(path, "file:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db, err := newDB(ctx, conn, path, true)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// newDB verifies the connection, applies pragmas and initializes the schema.
func newDB(ctx context.Context, conn *sql.DB, path string, pragmas bool) (*DB, error) {
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if pragmas {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.conn.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// InitSchema creates the tables and indexes if they don't exist and records
// the layout version. It is idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		doc TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Lookups used by sync and prune
	CREATE INDEX IF NOT EXISTS idx_documents_local_id
	    ON documents(collection, json_extract(doc, '$.local_id'));
	CREATE INDEX IF NOT EXISTS idx_documents_source
	    ON documents(collection, json_extract(doc, '$.source'));
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var stored string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if err := docstore.CheckSchemaVersion(stored); err != nil {
		return err
	}
	if docstore.NeedsVersionBump(stored) {
		_, err := db.conn.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			docstore.SchemaVersion)
		if err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return nil
}

// Upsert implements docstore.Store.
func (db *DB) Upsert(ctx context.Context, coll docstore.Collection, id string, doc docstore.Document) error {
	prepared, err := docstore.Prepare(coll, id, doc)
	if err != nil {
		return err
	}
	body, err := prepared.Encode()
	if err != nil {
		return docstore.WriteError("upsert", coll, id, err)
	}

	_, err = db.conn.ExecContext(ctx, `
	INSERT INTO documents (collection, id, doc) VALUES (?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET doc = excluded.doc
	`, string(coll), id, string(body))
	return docstore.WriteError("upsert", coll, id, err)
}

// Delete implements docstore.Store.
func (db *DB) Delete(ctx context.Context, coll docstore.Collection, id string) error {
	if err := docstore.CheckCollection(coll); err != nil {
		return err
	}
	_, err := db.conn.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, string(coll), id)
	return docstore.WriteError("delete", coll, id, err)
}

// Get implements docstore.Store.
func (db *DB) Get(ctx context.Context, coll docstore.Collection, id string) (docstore.Document, error) {
	if err := docstore.CheckCollection(coll); err != nil {
		return nil, err
	}
	var body string
	err := db.conn.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = ? AND id = ?`, string(coll), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", coll, id, err)
	}
	return docstore.DecodeDocument([]byte(body))
}

// Find implements docstore.Store.
func (db *DB) Find(ctx context.Context, coll docstore.Collection, filter docstore.Filter) ([]docstore.Document, error) {
	where, args, err := buildWhere(coll, filter)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT doc FROM documents WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", coll, err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", coll, err)
		}
		doc, err := docstore.DecodeDocument([]byte(body))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Count implements docstore.Store.
func (db *DB) Count(ctx context.Context, coll docstore.Collection, filter docstore.Filter) (int, error) {
	where, args, err := buildWhere(coll, filter)
	if err != nil {
		return 0, err
	}
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", coll, err)
	}
	return count, nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// Path returns the database location this store was opened with.
func (db *DB) Path() string {
	return db.path
}

// buildWhere translates a filter into a WHERE clause over json_extract.
// Field names are validated by Filter.Validate before being embedded.
func buildWhere(coll docstore.Collection, filter docstore.Filter) (string, []any, error) {
	if err := docstore.CheckCollection(coll); err != nil {
		return "", nil, err
	}
	if err := filter.Validate(); err != nil {
		return "", nil, err
	}

	conditions := []string{"collection = ?"}
	args := []any{string(coll)}

	for _, field := range filter.SortedEquals() {
		if field == docstore.IDField {
			conditions = append(conditions, "id = ?")
			args = append(args, filter.Equals[field])
			continue
		}
		conditions = append(conditions, fmt.Sprintf("json_extract(doc, '$.%s') = ?", field))
		args = append(args, sqlValue(filter.Equals[field]))
	}
	for _, field := range filter.SortedPrefixes() {
		// LIKE folds ASCII case in SQLite, so compare the leading substring.
		conditions = append(conditions, fmt.Sprintf(`substr(json_extract(doc, '$.%s'), 1, length(?)) = ?`, field))
		args = append(args, filter.Prefixes[field], filter.Prefixes[field])
	}
	for _, field := range filter.NonEmpty {
		conditions = append(conditions, fmt.Sprintf(`COALESCE(json_extract(doc, '$.%s'), '') <> ''`, field))
	}

	return strings.Join(conditions, " AND "), args, nil
}

// sqlValue maps JSON booleans onto the integers json_extract returns for them.
func sqlValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
