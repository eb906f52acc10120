package circuitbreaker

import "sync"

// Registry holds one breaker per provider kind. Provider health is global,
// not per tenant: a provider outage affects every tenant the same way, and
// the key space is the fixed set of supported kinds.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry returns a registry creating breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// For returns the breaker for the provider kind, creating it on first use.
func (r *Registry) For(kind string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[kind]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[kind]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[kind] = b
	return b
}

// States returns a snapshot of every tracked provider's state.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.State()
	}
	return out
}
