package resilience

import "sync"

// Registry hands out one Breaker per dependency ID so a flaky dependency
// never blocks calls to healthy ones. All breakers share the same config
// and transition callback.
type Registry struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	onTransition TransitionFunc
	breakers     map[string]*Breaker
}

// NewRegistry creates a breaker registry with the given shared config.
func NewRegistry(cfg BreakerConfig, onTransition TransitionFunc) *Registry {
	return &Registry{
		cfg:          cfg,
		onTransition: onTransition,
		breakers:     make(map[string]*Breaker),
	}
}

// Get returns the breaker for the dependency, creating it on first use.
func (r *Registry) Get(dependencyID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[dependencyID]
	if !ok {
		b = NewBreaker(dependencyID, r.cfg)
		if r.onTransition != nil {
			b.OnTransition(r.onTransition)
		}
		r.breakers[dependencyID] = b
	}
	return b
}

// States returns a snapshot of every known breaker's state, keyed by
// dependency ID. Used by the dashboard view.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	deps := make([]*Breaker, 0, len(r.breakers))
	ids := make([]string, 0, len(r.breakers))
	for id, b := range r.breakers {
		ids = append(ids, id)
		deps = append(deps, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(deps))
	for i, b := range deps {
		out[ids[i]] = b.State()
	}
	return out
}
