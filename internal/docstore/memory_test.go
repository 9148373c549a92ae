package docstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/loomkb/loom/internal/docstore"
	"github.com/loomkb/loom/internal/docstore/storetest"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) docstore.Store {
		return docstore.NewMemory()
	})
}

func TestOpen_Registry(t *testing.T) {
	s, err := docstore.Open(context.Background(), "memory", docstore.Options{})
	if err != nil {
		t.Fatalf("Open(memory) failed: %v", err)
	}
	defer s.Close()

	if !docstore.IsRegistered("memory") {
		t.Error("memory backend should be registered")
	}

	_, err = docstore.Open(context.Background(), "does-not-exist", docstore.Options{})
	if !errors.Is(err, docstore.ErrUnknownBackend) {
		t.Errorf("Open(unknown) error = %v, want ErrUnknownBackend", err)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Register() twice should panic")
		}
	}()
	docstore.Register("memory", func(context.Context, docstore.Options) (docstore.Store, error) {
		return docstore.NewMemory(), nil
	})
}

func TestMemory_SnapshotIsCanonical(t *testing.T) {
	ctx := context.Background()
	m := docstore.NewMemory()

	doc := docstore.Document{"b": 1, "a": "x"}
	if err := m.Upsert(ctx, docstore.Nodes, "n", doc); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	before := m.Snapshot(docstore.Nodes)["n"]

	if err := m.Upsert(ctx, docstore.Nodes, "n", docstore.Document{"a": "x", "b": 1}); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	after := m.Snapshot(docstore.Nodes)["n"]

	if before != after {
		t.Errorf("encoding not canonical: %s vs %s", before, after)
	}
	if want := `{"_id":"n","a":"x","b":1}`; after != want {
		t.Errorf("encoded = %s, want %s", after, want)
	}
}

func TestCheckSchemaVersion(t *testing.T) {
	tests := []struct {
		stored  string
		wantErr bool
	}{
		{"", false},
		{"v1.0.0", false},
		{docstore.SchemaVersion, false},
		{"v2.0.0", true},
		{"garbage", true},
	}
	for _, tt := range tests {
		err := docstore.CheckSchemaVersion(tt.stored)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckSchemaVersion(%q) error = %v, wantErr %v", tt.stored, err, tt.wantErr)
		}
	}
	if !docstore.NeedsVersionBump("v1.0.0") {
		t.Error("v1.0.0 should need a bump")
	}
}

func TestFilterMatch(t *testing.T) {
	doc := docstore.Document{"source": "file:///a", "n": 3.0, "empty": "", "null": nil}
	tests := []struct {
		name   string
		filter docstore.Filter
		want   bool
	}{
		{"zero", docstore.Filter{}, true},
		{"eq string", docstore.Eq("source", "file:///a"), true},
		{"eq int vs float", docstore.Eq("n", 3), true},
		{"eq missing", docstore.Eq("missing", "x"), false},
		{"prefix", docstore.HasPrefix("source", "file://"), true},
		{"prefix non-string", docstore.HasPrefix("n", "3"), false},
		{"non-empty ok", docstore.Filter{NonEmpty: []string{"source"}}, true},
		{"non-empty empty", docstore.Filter{NonEmpty: []string{"empty"}}, false},
		{"non-empty null", docstore.Filter{NonEmpty: []string{"null"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(doc); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEscapeLike(t *testing.T) {
	if got, want := docstore.EscapeLike(`a_b%c\`), `a\_b\%c\\%`; got != want {
		t.Errorf("EscapeLike() = %q, want %q", got, want)
	}
}
