package breaker

import (
	"testing"
	"time"

	"github.com/jordanhubbard/modelplane/internal/events"
	"github.com/jordanhubbard/modelplane/internal/route"
)

func TestRegistryIsolatesProviders(t *testing.T) {
	r := NewRegistry(route.Providers(), WithRegistryThreshold(2))

	r.For(route.ProviderAWS).RecordFailure()
	r.For(route.ProviderAWS).RecordFailure()

	if r.Allow(route.ProviderAWS) {
		t.Fatal("aws breaker should be open")
	}
	if !r.Allow(route.ProviderGoogle) {
		t.Fatal("google breaker must be unaffected by aws failures")
	}
	if !r.Allow(route.ProviderMeta) {
		t.Fatal("meta breaker must be unaffected by aws failures")
	}
	if r.AllOpen() {
		t.Fatal("AllOpen should be false while two providers are healthy")
	}
}

func TestRegistryForceOpenAll(t *testing.T) {
	r := NewRegistry(route.Providers())
	r.ForceOpenAll()

	if !r.AllOpen() {
		t.Fatal("expected every breaker open after ForceOpenAll")
	}
	for _, p := range route.Providers() {
		if r.Allow(p) {
			t.Fatalf("provider %s should be rejected", p)
		}
	}

	r.ResetAll()
	if r.AllOpen() {
		t.Fatal("expected breakers closed after ResetAll")
	}
	for _, p := range route.Providers() {
		if !r.Allow(p) {
			t.Fatalf("provider %s should be allowed after reset", p)
		}
	}
}

func TestRegistryLazyProvider(t *testing.T) {
	r := NewRegistry(nil, WithRegistryThreshold(1))
	b := r.For(route.ProviderMeta)
	if b == nil {
		t.Fatal("expected a breaker for an unregistered provider")
	}
	b.RecordFailure()
	if r.Allow(route.ProviderMeta) {
		t.Fatal("lazily created breaker should carry registry options")
	}
}

func TestRegistryPublishesTransitions(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(10)
	defer bus.Unsubscribe(sub)

	r := NewRegistry([]route.Provider{route.ProviderAWS}, WithRegistryThreshold(1), WithRegistryEventBus(bus))
	r.For(route.ProviderAWS).RecordFailure()

	select {
	case e := <-sub.C:
		if e.Type != events.EventBreakerChange {
			t.Fatalf("expected breaker_change, got %s", e.Type)
		}
		if e.Provider != "aws" || e.OldState != "closed" || e.NewState != "open" {
			t.Fatalf("unexpected payload: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for breaker_change event")
	}
}

func TestRegistrySnapshots(t *testing.T) {
	r := NewRegistry(route.Providers(), WithRegistryThreshold(1))
	r.For(route.ProviderGoogle).RecordFailure()

	snaps := r.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}
	if snaps[route.ProviderGoogle].State != "open" {
		t.Fatalf("expected google open, got %s", snaps[route.ProviderGoogle].State)
	}
	if snaps[route.ProviderAWS].State != "closed" {
		t.Fatalf("expected aws closed, got %s", snaps[route.ProviderAWS].State)
	}

	ps := r.Providers()
	if len(ps) != 3 || ps[0] != route.ProviderAWS {
		t.Fatalf("expected sorted providers, got %v", ps)
	}
}
