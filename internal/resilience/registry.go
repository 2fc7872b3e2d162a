package resilience

import (
	"slices"
	"strings"
	"sync"
)

// Registry hands out one breaker per name, created on first use from a template.
type Registry struct {
	mu        sync.RWMutex
	template  BreakerConfig
	breakers  map[string]*Breaker
	listeners []func(name string, from, to State)
}

// NewRegistry creates a registry whose breakers share template's settings.
func NewRegistry(template BreakerConfig) *Registry {
	return &Registry{
		template: template,
		breakers: make(map[string]*Breaker),
	}
}

// OnStateChange registers fn for every transition of every breaker.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
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
	cfg := r.template
	cfg.Name = name
	b = NewBreaker(cfg)
	b.onTransition = r.dispatch
	r.breakers[name] = b
	return b
}

// Lookup returns the breaker for name without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots returns every breaker's state, sorted by name.
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	snaps := make([]BreakerSnapshot, 0, len(list))
	for _, b := range list {
		snaps = append(snaps, b.Snapshot())
	}
	slices.SortFunc(snaps, func(a, b BreakerSnapshot) int {
		return strings.Compare(a.Name, b.Name)
	})
	return snaps
}

// Trip forces the named breaker open. It reports false for unknown names.
func (r *Registry) Trip(name string) bool {
	b, ok := r.Lookup(name)
	if ok {
		b.Trip()
	}
	return ok
}

// Reset forces the named breaker closed. It reports false for unknown names.
func (r *Registry) Reset(name string) bool {
	b, ok := r.Lookup(name)
	if ok {
		b.Reset()
	}
	return ok
}

func (r *Registry) dispatch(name string, from, to State) {
	r.mu.RLock()
	listeners := slices.Clone(r.listeners)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(name, from, to)
	}
}
