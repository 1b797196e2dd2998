package resilience

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry lazily creates one Breaker per operation identifier. It is the
// only mutable state shared between concurrent pipeline callers.
type Registry struct {
	mu        sync.Mutex
	cfg       BreakerConfig
	overrides map[string]BreakerConfig
	breakers  map[string]*Breaker
	clock     Clock
	logger    *zap.Logger
	listeners []StateListener
}

// RegistryOption configures the registry
type RegistryOption func(*Registry)

// WithClock overrides the time source
func WithClock(c Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithRegistryLogger adds logging
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithOverride uses cfg for a single operation identifier
func WithOverride(id string, cfg BreakerConfig) RegistryOption {
	return func(r *Registry) {
		r.overrides[id] = cfg
	}
}

// WithStateListener subscribes to every breaker transition
func WithStateListener(l StateListener) RegistryOption {
	return func(r *Registry) {
		r.listeners = append(r.listeners, l)
	}
}

// NewRegistry validates cfg and creates an empty registry
func NewRegistry(cfg BreakerConfig, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		cfg:       cfg,
		overrides: make(map[string]BreakerConfig),
		breakers:  make(map[string]*Breaker),
		clock:     realClock{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, o := range r.overrides {
		if err := o.Validate(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Subscribe adds a transition listener
func (r *Registry) Subscribe(l StateListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Breaker returns the breaker for id, creating it on first use
func (r *Registry) Breaker(id string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[id]; ok {
		return b
	}

	cfg := r.cfg
	if o, ok := r.overrides[id]; ok {
		cfg = o
	}
	b := newBreaker(id, cfg, r.clock, r.logger, r.notify)
	r.breakers[id] = b
	return b
}

func (r *Registry) notify(id string, from, to State) {
	r.mu.Lock()
	listeners := make([]StateListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l(id, from, to)
	}
}

// Snapshot returns every known breaker, sorted by identifier
func (r *Registry) Snapshot() []CircuitState {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]CircuitState, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset closes the breaker for id. It reports false for unknown ids.
func (r *Registry) Reset(id string) bool {
	r.mu.Lock()
	b, ok := r.breakers[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}
