package agent

import (
	"sort"
	"sync"

	"github.com/maretto/aegis/pkg/schema"
)

// Registry is a thread-safe name-keyed lookup of backend adapters.
// Populated at daemon startup or by embedding code; the engine only
// reads from it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter to the registry. Returns an error on a nil
// adapter, empty name, invalid kind, or duplicate name.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return schema.NewError(schema.ErrCodeValidation, "adapter is nil")
	}
	name := a.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "adapter name is empty")
	}
	if err := ValidateKind(a.Kind()); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "backend %q already registered", name)
	}

	r.adapters[name] = a
	return nil
}

// Get retrieves an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeBackendUnavailable, "backend %q not registered", name)
	}
	return a, nil
}

// Has checks if a backend is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// Names returns all registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered backends.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
