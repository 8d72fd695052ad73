package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds one circuit breaker per backend name.
type Registry struct {
	config *Config
	opts   []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. The config and options are applied to every
// breaker the registry creates.
func NewRegistry(config *Config, opts ...Option) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	return &Registry{
		config:   config,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the backend, creating it on first use.
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
	b = NewBreaker(name, r.config, r.opts...)
	r.breakers[name] = b
	return b
}

// Lookup returns the breaker for the backend if one exists.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Stats returns snapshots of all breakers, sorted by backend name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Name < stats[j].Name
	})
	return stats
}

// ResetAll forces every breaker back to the closed state.
func (r *Registry) ResetAll(logger *zap.Logger) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
	if logger != nil {
		logger.Info("all circuit breakers reset", zap.Int("count", len(r.breakers)))
	}
}
