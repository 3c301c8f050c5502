package detect

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a named collection of strategies, safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy under its own name, replacing any previous entry.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", name)
	}
	return s, nil
}

// List returns all registered strategy names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
