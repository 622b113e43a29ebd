package breaker

import "sync"

// Registry is the process-wide set of named circuit breakers. One breaker
// exists per external dependency (document store, workflow engine, notifier).
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the breaker registered under name, creating it with
// the given config on first use. Subsequent calls ignore config; the first
// registration wins.
func (r *Registry) GetOrCreate(name string, config Config, opts ...Option) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()

	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	b = New(name, config, opts...)
	r.breakers[name] = b

	return b
}

// Get returns the named breaker, or nil when absent.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.breakers[name]
}

// Snapshots returns the current state of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snapshots = append(snapshots, b.Snapshot())
	}

	return snapshots
}
