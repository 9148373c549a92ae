package docstore

import (
	"context"
	"sort"
	"sync"
)

func init() {
	Register("memory", func(_ context.Context, _ Options) (Store, error) {
		return NewMemory(), nil
	})
}

// Memory is an in-process Store. Documents are kept in their encoded form so
// callers never share maps with the store.
type Memory struct {
	mu   sync.RWMutex
	data map[Collection]map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{data: make(map[Collection]map[string][]byte)}
	for _, c := range Collections {
		m.data[c] = make(map[string][]byte)
	}
	return m
}

// Upsert implements Store.
func (m *Memory) Upsert(_ context.Context, coll Collection, id string, doc Document) error {
	prepared, err := Prepare(coll, id, doc)
	if err != nil {
		return err
	}
	encoded, err := prepared.Encode()
	if err != nil {
		return WriteError("upsert", coll, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[coll][id] = encoded
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, coll Collection, id string) error {
	if err := CheckCollection(coll); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[coll], id)
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, coll Collection, id string) (Document, error) {
	if err := CheckCollection(coll); err != nil {
		return nil, err
	}
	m.mu.RLock()
	encoded, ok := m.data[coll][id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return DecodeDocument(encoded)
}

// Find implements Store.
func (m *Memory) Find(_ context.Context, coll Collection, filter Filter) ([]Document, error) {
	if err := CheckCollection(coll); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.data[coll]))
	for id := range m.data[coll] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	encoded := make([][]byte, len(ids))
	for i, id := range ids {
		encoded[i] = m.data[coll][id]
	}
	m.mu.RUnlock()

	var out []Document
	for _, raw := range encoded {
		doc, err := DecodeDocument(raw)
		if err != nil {
			return nil, err
		}
		if filter.Match(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Count implements Store.
func (m *Memory) Count(ctx context.Context, coll Collection, filter Filter) (int, error) {
	if filter.IsZero() {
		if err := CheckCollection(coll); err != nil {
			return 0, err
		}
		m.mu.RLock()
		defer m.mu.RUnlock()
		return len(m.data[coll]), nil
	}
	docs, err := m.Find(ctx, coll, filter)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Snapshot returns the raw encoded documents of a collection keyed by id.
// Tests use it to assert byte-for-byte stability.
func (m *Memory) Snapshot(coll Collection) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.data[coll]))
	for id, raw := range m.data[coll] {
		out[id] = string(raw)
	}
	return out
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
