// Copyright 2025 James Ross
package breaker

import (
	"sync"

	"github.com/nimbuschain/fetch-engine/internal/config"
)

// Registry hands out one CircuitBreaker per provider, all built from the
// same configured thresholds. A tripped breaker for "copernicus" never
// affects claims for "usgs" — each provider's reliability is tracked
// independently.
type Registry struct {
	mu       sync.Mutex
	cfg      config.CircuitBreaker
	breakers map[string]*CircuitBreaker
}

func NewRegistry(cfg config.CircuitBreaker) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// For returns the breaker for provider, creating it on first use.
func (r *Registry) For(provider string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[provider]
	if !ok {
		cb = New(r.cfg.Window, r.cfg.CooldownPeriod, r.cfg.FailureThreshold, r.cfg.MinSamples)
		r.breakers[provider] = cb
	}
	return cb
}

// States returns a snapshot of every known provider's breaker state,
// keyed by provider name, for the state-gauge sampler to export.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for provider, cb := range r.breakers {
		out[provider] = cb.State()
	}
	return out
}
