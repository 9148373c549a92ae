// Package storetest holds the behavioural contract every docstore backend must
// satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomkb/loom/internal/docstore"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) docstore.Store

// Run exercises the Store contract against stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()

	t.Run("upsert then get", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Upsert(ctx, docstore.Nodes, "n1", docstore.Document{"local_id": "file:///a.md", "priority": 10.0}))

		doc, err := s.Get(ctx, docstore.Nodes, "n1")
		require.NoError(t, err)
		assert.Equal(t, "n1", doc.ID())
		assert.Equal(t, "file:///a.md", doc.String("local_id"))
		assert.EqualValues(t, 10, doc["priority"])
	})

	t.Run("upsert replaces", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Upsert(ctx, docstore.Nodes, "n1", docstore.Document{"status": "active"}))
		require.NoError(t, s.Upsert(ctx, docstore.Nodes, "n1", docstore.Document{"status": "stale"}))

		n, err := s.Count(ctx, docstore.Nodes, docstore.Filter{})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		doc, err := s.Get(ctx, docstore.Nodes, "n1")
		require.NoError(t, err)
		assert.Equal(t, "stale", doc.String("status"))
	})

	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(context.Background(), docstore.Edges, "nope")
		assert.True(t, errors.Is(err, docstore.ErrNotFound), "got %v", err)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Upsert(ctx, docstore.Edges, "e1", docstore.Document{"source": "a"}))
		require.NoError(t, s.Delete(ctx, docstore.Edges, "e1"))
		require.NoError(t, s.Delete(ctx, docstore.Edges, "e1"))

		n, err := s.Count(ctx, docstore.Edges, docstore.Filter{})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("collections are separate", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Upsert(ctx, docstore.Nodes, "same", docstore.Document{"kind": "node"}))
		require.NoError(t, s.Upsert(ctx, docstore.Edges, "same", docstore.Document{"kind": "edge"}))

		doc, err := s.Get(ctx, docstore.Edges, "same")
		require.NoError(t, err)
		assert.Equal(t, "edge", doc.String("kind"))
	})

	t.Run("find with filters", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		docs := map[string]docstore.Document{
			"e1": {"source": "file:///notes/a.md", "target_remote": "https://example.com", "position": 0.0},
			"e2": {"source": "file:///notes/a.md", "target_remote": "", "position": 1.0},
			"e3": {"source": "file:///notes-old/b.md", "target_remote": "https://example.org", "position": 0.0},
			"e4": {"source": "file:///other/c.md", "position": 0.0},
		}
		for id, d := range docs {
			require.NoError(t, s.Upsert(ctx, docstore.Edges, id, d))
		}

		got, err := s.Find(ctx, docstore.Edges, docstore.Eq("source", "file:///notes/a.md"))
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e2"}, ids(got))

		got, err = s.Find(ctx, docstore.Edges, docstore.HasPrefix("source", "file:///notes/"))
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e2"}, ids(got))

		got, err = s.Find(ctx, docstore.Edges, docstore.Filter{NonEmpty: []string{"target_remote"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e3"}, ids(got))

		got, err = s.Find(ctx, docstore.Edges, docstore.Filter{
			Equals:   map[string]any{"position": 0},
			Prefixes: map[string]string{"source": "file:///notes"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e3"}, ids(got))

		n, err := s.Count(ctx, docstore.Edges, docstore.Eq("position", 0))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("prefix treats like wildcards literally", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Upsert(ctx, docstore.Nodes, "a", docstore.Document{"local_id": "file:///x_y/a"}))
		require.NoError(t, s.Upsert(ctx, docstore.Nodes, "b", docstore.Document{"local_id": "file:///xzy/b"}))

		got, err := s.Find(ctx, docstore.Nodes, docstore.HasPrefix("local_id", "file:///x_y/"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(got))
	})

	t.Run("prefix is case sensitive", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Upsert(ctx, docstore.Nodes, "upper", docstore.Document{"local_id": "file:///r/Archive/x.md"}))
		require.NoError(t, s.Upsert(ctx, docstore.Nodes, "lower", docstore.Document{"local_id": "file:///r/archive/y.md"}))

		got, err := s.Find(ctx, docstore.Nodes, docstore.HasPrefix("local_id", "file:///r/Archive/"))
		require.NoError(t, err)
		assert.Equal(t, []string{"upper"}, ids(got))

		n, err := s.Count(ctx, docstore.Nodes, docstore.HasPrefix("local_id", "file:///r/archive/"))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("rejects unknown collection", func(t *testing.T) {
		s := open(t)
		err := s.Upsert(context.Background(), docstore.Collection("bogus"), "x", docstore.Document{})
		assert.True(t, errors.Is(err, docstore.ErrUnknownCollection), "got %v", err)
	})

	t.Run("rejects unsafe filter field", func(t *testing.T) {
		s := open(t)
		_, err := s.Find(context.Background(), docstore.Nodes, docstore.Eq("x') OR 1=1 --", "y"))
		assert.True(t, errors.Is(err, docstore.ErrInvalidFilter), "got %v", err)
	})
}

func ids(docs []docstore.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID())
	}
	return out
}
