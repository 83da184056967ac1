package breaker

import (
	"context"
	"sort"
	"sync"
)

// Registry keys breakers by dependency name. Breakers are created on first use.
type Registry struct {
	opts Options

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns a registry whose breakers share opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.opts)
		r.breakers[name] = b
	}
	return b
}

// Execute runs fn through the breaker for name.
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Reset drops every breaker so the next call starts closed.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*Breaker)
}

// Status describes one breaker for status output.
type Status struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Snapshot reports every known breaker, sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(list))
	for _, b := range list {
		b.mu.Lock()
		st := b.currentLocked()
		out = append(out, Status{Name: b.name, State: st.String(), Failures: b.failures})
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
