package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Constructor opens a backend. Implementations register themselves with
// Register from an init() function.
type Constructor func(ctx context.Context, opts Options) (Store, error)

var (
	registry      = make(map[string]Constructor)
	registryMutex sync.RWMutex
)

// Register makes a backend available under name.
//
// Example:
//
//	func init() {
//	    docstore.Register("sqlite", Open)
//	}
func Register(name string, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("docstore: Register constructor is nil for backend %s", name))
	}
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("docstore: Register called twice for backend %s", name))
	}
	registry[name] = constructor
}

// Open resolves name in the registry and constructs the backend.
func Open(ctx context.Context, name string, opts Options) (Store, error) {
	registryMutex.RLock()
	constructor := registry[name]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownBackend, name, Backends())
	}

	store, err := constructor(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", name, err)
	}
	return store, nil
}

// IsRegistered returns true if a constructor is registered for name.
func IsRegistered(name string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[name]
	return exists
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
