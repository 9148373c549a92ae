package postgres

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomkb/loom/internal/docstore"
	"github.com/loomkb/loom/internal/docstore/storetest"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool)
	require.NoError(t, err)
	return s, mockPool
}

func TestNew(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool)
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestInitSchema(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh database records the version", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(flexibleSQLMatcher(sqlCreateSchema)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectQuery(flexibleSQLMatcher(sqlSelectVersion)).WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec(flexibleSQLMatcher(sqlUpsertVersion)).
			WithArgs(docstore.SchemaVersion).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.InitSchema(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("newer major version is rejected", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(flexibleSQLMatcher(sqlCreateSchema)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectQuery(flexibleSQLMatcher(sqlSelectVersion)).
			WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("v9.0.0"))

		err := s.InitSchema(ctx)
		assert.ErrorIs(t, err, docstore.ErrIncompatibleSchema)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()

	t.Run("writes the canonical document", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(flexibleSQLMatcher(sqlUpsertDocument)).
			WithArgs("nodes", "n1", `{"_id":"n1","priority":2}`).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.Upsert(ctx, docstore.Nodes, "n1", docstore.Document{"priority": 2}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure is a store write error", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(flexibleSQLMatcher(sqlUpsertDocument)).
			WithArgs("nodes", "n1", `{"_id":"n1"}`).
			WillReturnError(errors.New("connection reset"))

		err := s.Upsert(ctx, docstore.Nodes, "n1", docstore.Document{})
		require.Error(t, err)
		assert.True(t, docstore.IsWriteError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown collection never reaches the database", func(t *testing.T) {
		s, mock := newMockStore(t)
		err := s.Upsert(ctx, docstore.Collection("users"), "u1", docstore.Document{})
		assert.ErrorIs(t, err, docstore.ErrUnknownCollection)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGet(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(flexibleSQLMatcher(sqlGetDocument)).
			WithArgs("edges", "e1").
			WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow([]byte(`{"_id":"e1","source":"n1"}`)))

		doc, err := s.Get(ctx, docstore.Edges, "e1")
		require.NoError(t, err)
		assert.Equal(t, "n1", doc.String("source"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing maps to ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(flexibleSQLMatcher(sqlGetDocument)).
			WithArgs("edges", "nope").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.Get(ctx, docstore.Edges, "nope")
		assert.ErrorIs(t, err, docstore.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDelete(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(flexibleSQLMatcher(sqlDeleteDocument)).
		WithArgs("nodes", "n1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, s.Delete(context.Background(), docstore.Nodes, "n1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFind(t *testing.T) {
	s, mock := newMockStore(t)
	query := `SELECT doc FROM loom_documents WHERE collection = $1 AND doc @> $2::jsonb AND doc->>'source' LIKE $3 ESCAPE '\' ORDER BY id`
	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs("edges", `{"status":"active"}`, `file:///notes/%`).
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).
			AddRow([]byte(`{"_id":"e1"}`)).
			AddRow([]byte(`{"_id":"e2"}`)))

	docs, err := s.Find(context.Background(), docstore.Edges, docstore.Filter{
		Equals:   map[string]any{"status": "active"},
		Prefixes: map[string]string{"source": "file:///notes/"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "e2", docs[1].ID())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	s, mock := newMockStore(t)
	query := `SELECT COUNT(*) FROM loom_documents WHERE collection = $1 AND id = $2 AND COALESCE(doc->>'target_remote', '') <> ''`
	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs("edges", "e1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))

	n, err := s.Count(context.Background(), docstore.Edges, docstore.Filter{
		Equals:   map[string]any{"_id": "e1"},
		NonEmpty: []string{"target_remote"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildWhere_RejectsUnsafeField(t *testing.T) {
	_, _, err := buildWhere(docstore.Nodes, docstore.Filter{NonEmpty: []string{"x'); DROP TABLE y; --"}})
	assert.ErrorIs(t, err, docstore.ErrInvalidFilter)
}

// TestPostgresContract runs the shared contract against a real server when
// LOOM_TEST_POSTGRES_DSN is set.
func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("LOOM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOOM_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) docstore.Store {
		ctx := context.Background()
		s, err := Open(ctx, docstore.Options{DSN: dsn})
		require.NoError(t, err)
		pg := s.(*Store)
		_, err = pg.pool.Exec(ctx, `TRUNCATE loom_documents`)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
