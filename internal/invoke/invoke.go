// Package invoke defines the single capability the orchestrator consumes from
// provider transports. Adapters live outside the core; the core sees one
// method and a closed provider enumeration.
package invoke

import (
	"context"
	"sync"

	"github.com/jordanhubbard/modelplane/internal/route"
)

// Invoker performs one model invocation. Implementations must honor ctx
// cancellation and the deadline it carries; the orchestrator sets the
// deadline to min(slaMs, provider default).
type Invoker interface {
	Invoke(ctx context.Context, provider route.Provider, modelID, prompt string, tools []route.Tool) (route.Response, error)
}

// Func adapts a plain function to the Invoker interface.
type Func func(ctx context.Context, provider route.Provider, modelID, prompt string, tools []route.Tool) (route.Response, error)

func (f Func) Invoke(ctx context.Context, provider route.Provider, modelID, prompt string, tools []route.Tool) (route.Response, error) {
	return f(ctx, provider, modelID, prompt, tools)
}

// Mux dispatches to a per-provider Invoker. Providers without a registered
// adapter fail with provider_service_unavailable.
type Mux struct {
	mu       sync.RWMutex
	adapters map[route.Provider]Invoker
}

// NewMux returns an empty dispatcher.
func NewMux() *Mux {
	return &Mux{adapters: make(map[route.Provider]Invoker)}
}

// Register installs the adapter for one provider, replacing any previous one.
func (m *Mux) Register(p route.Provider, inv Invoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[p] = inv
}

// Invoke dispatches to the provider's adapter.
func (m *Mux) Invoke(ctx context.Context, provider route.Provider, modelID, prompt string, tools []route.Tool) (route.Response, error) {
	m.mu.RLock()
	inv, ok := m.adapters[provider]
	m.mu.RUnlock()
	if !ok {
		return route.Response{}, route.NewError(route.ErrProviderUnavailable, "no adapter registered for provider %s", provider)
	}
	return inv.Invoke(ctx, provider, modelID, prompt, tools)
}
