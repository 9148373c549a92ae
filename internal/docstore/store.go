// Package docstore provides a backend-agnostic document store for loom.
//
// Documents live in two logical collections: nodes (tracked filesystem
// resources) and edges (directed links between resources). Every document is
// addressed by a deterministic string id, so writes are upserts and
// re-delivering the same change twice is harmless.
//
// Backends register a constructor under a name (see Register) and are resolved
// once at startup with Open. The in-memory backend is registered by this
// package; persistent backends live in sub-packages and register themselves
// from init():
//
//	import _ "github.com/loomkb/loom/internal/docstore/sqlite"
//
//	store, err := docstore.Open(ctx, "sqlite", docstore.Options{DSN: ".loom/loom.db"})
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection names a logical collection inside a store.
type Collection string

const (
	// Nodes holds one document per tracked filesystem resource.
	Nodes Collection = "nodes"
	// Edges holds one document per directed link.
	Edges Collection = "edges"
)

// Collections lists every collection a backend must support.
var Collections = []Collection{Nodes, Edges}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	return c == Nodes || c == Edges
}

// IDField is the reserved document field carrying the record key.
const IDField = "_id"

// Document is a JSON-compatible record. Values are the types produced by
// encoding/json when decoding into interface{}.
type Document map[string]any

// ID returns the document's record key, or "" if unset.
func (d Document) ID() string {
	s, _ := d[IDField].(string)
	return s
}

// String returns the field value as a string, or "" if missing or not a string.
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Encode returns the canonical JSON encoding of d. encoding/json sorts map
// keys, so equal documents always encode to equal bytes.
func (d Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDocument parses a JSON object into a Document.
func DecodeDocument(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return d, nil
}

// Store is the contract every backend implements.
//
// Implementations must be safe for concurrent use. Upsert and Delete are
// idempotent: deleting a missing id is not an error.
type Store interface {
	// Upsert inserts or replaces the document with the given id.
	Upsert(ctx context.Context, coll Collection, id string, doc Document) error

	// Delete removes the document with the given id.
	Delete(ctx context.Context, coll Collection, id string) error

	// Get returns the document with the given id or ErrNotFound.
	Get(ctx context.Context, coll Collection, id string) (Document, error)

	// Find returns every document matching filter, ordered by id.
	Find(ctx context.Context, coll Collection, filter Filter) ([]Document, error)

	// Count returns the number of documents matching filter.
	Count(ctx context.Context, coll Collection, filter Filter) (int, error)

	// Close releases backend resources.
	Close() error
}

// Options configures a backend at construction time.
type Options struct {
	// DSN is the backend-specific connection string or file path.
	DSN string

	// Params carries backend-specific extras (key prefix, pool size, ...).
	Params map[string]string
}

// Param returns Params[key] or def when unset.
func (o Options) Param(key, def string) string {
	if v, ok := o.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Prepare validates the collection and id and returns a copy of doc with the
// id field set. Backends call it at the top of Upsert.
func Prepare(coll Collection, id string, doc Document) (Document, error) {
	if err := CheckCollection(coll); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrEmptyID
	}
	out := make(Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out[IDField] = id
	return out, nil
}

// CheckCollection returns ErrUnknownCollection for unknown collections.
func CheckCollection(coll Collection) error {
	if !coll.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, coll)
	}
	return nil
}
