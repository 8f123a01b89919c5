package circuit

import (
	"sort"
	"sync"
)

// Recorder receives breaker state gauges. *metric.Metrics satisfies it;
// states map to 0 closed, 1 open, 2 half-open.
type Recorder interface {
	RecordCircuitState(name string, state int)
}

// Registry manages named breakers, creating them lazily with shared
// defaults so callers can guard any collaborator by name.
type Registry struct {
	defaults []BreakerOption
	recorder Recorder

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDefaults sets the options applied to every lazily created breaker.
func WithDefaults(opts ...BreakerOption) RegistryOption {
	return func(r *Registry) {
		r.defaults = opts
	}
}

// WithRecorder wires breaker state metrics.
func WithRecorder(rec Recorder) RegistryOption {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// NewRegistry creates a breaker registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{breakers: make(map[string]*Breaker)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	opts := append([]BreakerOption{}, r.defaults...)
	opts = append(opts, WithStateChange(r.observe))
	b := NewBreaker(name, opts...)
	r.breakers[name] = b

	if r.recorder != nil {
		r.recorder.RecordCircuitState(name, int(StateClosed))
	}
	return b
}

// observe forwards transitions to the recorder.
func (r *Registry) observe(name string, _, to State) {
	if r.recorder != nil {
		r.recorder.RecordCircuitState(name, int(to))
	}
}

// Names returns the names of all known breakers, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}
