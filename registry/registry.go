// Package registry holds named tool-server handles. A Registry is an ordinary
// value with its own lifecycle; Default returns one process-wide instance for
// callers that want it.
package registry

import (
	"fmt"
	"sync"

	"github.com/hupe1980/agentflow/core"
)

// Registry maps server names to handles. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]core.ServerHandle
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{servers: map[string]core.ServerHandle{}}
}

var defaultRegistry = New()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register adds a named handle. Names must be unique.
func (r *Registry) Register(h core.ServerHandle) error {
	if h.Name == "" {
		return &core.ConfigError{Field: "server.name", Message: "registered servers need a name"}
	}
	if err := h.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[h.Name]; exists {
		return &core.ConfigError{Field: "server.name", Message: fmt.Sprintf("server %q already registered", h.Name)}
	}
	r.servers[h.Name] = h
	r.order = append(r.order, h.Name)
	return nil
}

// Lookup returns the handle registered under name.
func (r *Registry) Lookup(name string) (core.ServerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.servers[name]
	return h, ok
}

// Resolve looks up several names, failing on the first unknown one.
func (r *Registry) Resolve(names ...string) ([]core.ServerHandle, error) {
	out := make([]core.ServerHandle, 0, len(names))
	for _, n := range names {
		h, ok := r.Lookup(n)
		if !ok {
			return nil, &core.ConfigError{Field: "server", Message: fmt.Sprintf("unknown server %q", n)}
		}
		out = append(out, h)
	}
	return out, nil
}

// List returns the handles in registration order.
func (r *Registry) List() []core.ServerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.ServerHandle, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.servers[n])
	}
	return out
}

// Unregister removes one handle and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[name]; !ok {
		return false
	}
	delete(r.servers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// UnregisterAll empties the registry.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = map[string]core.ServerHandle{}
	r.order = nil
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}
