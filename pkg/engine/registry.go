package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the registered plugins keyed by name.
// Registration takes the write lock; a reconciliation cycle holds the read
// lock for its whole duration so plugins cannot change underneath it.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]StatePlugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]StatePlugin),
	}
}

// Register adds a plugin under its Name. Registering a name twice replaces
// the earlier plugin.
func (r *Registry) Register(p StatePlugin) error {
	if p == nil {
		return fmt.Errorf("plugin is nil")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[name] = p
	return nil
}

// Get returns the named plugin.
func (r *Registry) Get(name string) (StatePlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNamesLocked()
}

// view takes the read lock and returns a lookup that stays valid until release is called.
func (r *Registry) view() (lookup func(string) (StatePlugin, bool), names []string, release func()) {
	r.mu.RLock()
	lookup = func(name string) (StatePlugin, bool) {
		p, ok := r.plugins[name]
		return p, ok
	}
	return lookup, r.sortedNamesLocked(), r.mu.RUnlock
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
