package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/modelplane/internal/events"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// Registry holds one breaker per provider and publishes state transitions on
// the event bus.
type Registry struct {
	mu       sync.RWMutex
	breakers map[route.Provider]*Breaker

	threshold int
	cooldown  time.Duration
	nowFunc   func() time.Time
	bus       *events.Bus
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryThreshold sets the failure threshold applied to every breaker.
func WithRegistryThreshold(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// WithRegistryCooldown sets the cooldown applied to every breaker.
func WithRegistryCooldown(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithRegistryNowFunc overrides the time source for every breaker.
func WithRegistryNowFunc(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.nowFunc = now
		}
	}
}

// WithRegistryEventBus publishes breaker_change events on transitions.
func WithRegistryEventBus(bus *events.Bus) RegistryOption {
	return func(r *Registry) { r.bus = bus }
}

// NewRegistry creates breakers for the given providers.
func NewRegistry(providers []route.Provider, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:  make(map[route.Provider]*Breaker, len(providers)),
		threshold: defaultThreshold,
		cooldown:  defaultCooldown,
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	for _, p := range providers {
		r.breakers[p] = r.newBreaker(p)
	}
	return r
}

func (r *Registry) newBreaker(p route.Provider) *Breaker {
	opts := []Option{
		WithThreshold(r.threshold),
		WithCooldown(r.cooldown),
		WithNowFunc(r.nowFunc),
	}
	if r.bus != nil {
		bus := r.bus
		provider := string(p)
		opts = append(opts, WithOnStateChange(func(from, to State) {
			bus.Publish(events.Event{
				Type:     events.EventBreakerChange,
				Provider: provider,
				OldState: from.String(),
				NewState: to.String(),
			})
		}))
	}
	return New(opts...)
}

// For returns the breaker for a provider, creating one on first use so
// late-registered providers are still protected.
func (r *Registry) For(p route.Provider) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[p]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[p]; ok {
		return b
	}
	b = r.newBreaker(p)
	r.breakers[p] = b
	return b
}

// Allow reports whether a provider may receive a request.
func (r *Registry) Allow(p route.Provider) bool {
	return r.For(p).Allow()
}

// AllOpen reports whether every registered provider's breaker is open.
func (r *Registry) AllOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.breakers) == 0 {
		return false
	}
	for _, b := range r.breakers {
		if b.CurrentState() != Open {
			return false
		}
	}
	return true
}

// ForceOpenAll trips every breaker. The emergency rollback path calls this to
// stop all outbound traffic at once.
func (r *Registry) ForceOpenAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.ForceOpen()
	}
}

// ResetAll returns every breaker to Closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// Snapshots returns the per-provider breaker states, keyed by provider.
func (r *Registry) Snapshots() map[route.Provider]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[route.Provider]Snapshot, len(r.breakers))
	for p, b := range r.breakers {
		out[p] = b.Snapshot()
	}
	return out
}

// Providers returns the registered providers in deterministic order.
func (r *Registry) Providers() []route.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]route.Provider, 0, len(r.breakers))
	for p := range r.breakers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
