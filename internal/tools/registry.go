// Package tools provides the lookup interface the engine consults
// during pre-execution validation. Tool implementations and their
// semantics live outside this repository; the engine never invokes
// tools directly, only checks availability.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/maretto/aegis/pkg/schema"
)

// Tool is an executable unit a backend may require for a step.
type Tool interface {
	Name() string
	Execute(ctx context.Context, operation string, params map[string]any) (any, error)
}

// Lookup is the read side the engine consumes.
type Lookup interface {
	Has(name, backend string) bool
	Get(name, backend string) (Tool, error)
}

// Registry is a thread-safe tool registry with per-backend scoping. A
// tool registered with no backend list is available to all backends.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	tool     Tool
	backends map[string]bool // nil means all backends
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Register adds a tool, optionally scoped to the named backends.
// Returns an error on a nil tool, empty name, or duplicate.
func (r *Registry) Register(tool Tool, backends ...string) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}

	e := &entry{tool: tool}
	if len(backends) > 0 {
		e.backends = make(map[string]bool, len(backends))
		for _, b := range backends {
			e.backends[b] = true
		}
	}
	r.entries[name] = e
	return nil
}

// Has reports whether the tool is available for the backend.
func (r *Registry) Has(name, backend string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return false
	}
	return e.backends == nil || e.backends[backend]
}

// Get retrieves a tool if it is available for the backend.
func (r *Registry) Get(name, backend string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}
	if e.backends != nil && !e.backends[backend] {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not available for backend %q", name, backend)
	}
	return e.tool, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
