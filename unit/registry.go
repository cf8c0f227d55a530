package unit

import "sync"

// Registry maps payload kinds to the Worker responsible for them. Pure
// lookup, no execution logic. Registration happens once at startup and the
// registry is injected into the dispatcher — it is not ambient global
// state. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
	opts    map[string]Options
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]Worker),
		opts:    make(map[string]Options),
	}
}

// Register binds a worker to a payload kind, replacing any previous
// binding for the kind.
func (r *Registry) Register(kind string, w Worker, opts ...Option) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[kind] = w
	r.opts[kind] = o
}

// Get returns the worker for the given kind.
// Returns false if no worker is registered.
func (r *Registry) Get(kind string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[kind]
	return w, ok
}

// OptionsFor returns the registered options for the kind, or defaults
// when the kind is unknown.
func (r *Registry) OptionsFor(kind string) Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if o, ok := r.opts[kind]; ok {
		return o
	}
	return DefaultOptions()
}

// Kinds returns all registered payload kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.workers))
	for k := range r.workers {
		kinds = append(kinds, k)
	}
	return kinds
}
