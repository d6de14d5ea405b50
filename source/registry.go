package source

import (
	"sort"
	"sync"

	"github.com/teranos/erpsync/errors"
)

// Registry maps source types to adapters.
// Safe for concurrent registration and lookup.
type Registry struct {
	adapters map[Type]Adapter
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Type]Adapter)}
}

// Register adds adapter under t. Registering a type twice is an error.
func (r *Registry) Register(t Type, adapter Adapter) error {
	if t == "" {
		return errors.NewInvalidRequestError("source type is required")
	}
	if adapter == nil {
		return errors.NewInvalidRequestError("adapter for %s is nil", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[t]; exists {
		return errors.NewConflictError("adapter already registered for source type %s", t)
	}
	r.adapters[t] = adapter
	return nil
}

// Get returns the adapter registered under t.
func (r *Registry) Get(t Type) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[t]
	if !ok {
		return nil, errors.NewNotFoundError("no adapter registered for source type %s", t)
	}
	return adapter, nil
}

// Has reports whether an adapter is registered under t.
func (r *Registry) Has(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[t]
	return ok
}

// Types returns the registered source types in lexical order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]Type, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
