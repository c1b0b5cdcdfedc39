package rollback

import (
	"context"
	"testing"
	"time"

	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/events"
	"github.com/jordanhubbard/modelplane/internal/flags"
	"github.com/jordanhubbard/modelplane/internal/monitor"
	"github.com/jordanhubbard/modelplane/internal/snapshot"
)

type fakeBreakers struct{ forced int }

func (f *fakeBreakers) ForceOpenAll() { f.forced++ }

type fakeRouting struct {
	weights   map[string]float64
	overrides map[string]string

	appliedWeights   []map[string]float64
	appliedOverrides []map[string]string
}

func newFakeRouting() *fakeRouting {
	return &fakeRouting{
		weights:   map[string]float64{"aws": 0.5, "google": 0.3, "meta": 0.2},
		overrides: map[string]string{"culinary": "titan-text-express"},
	}
}

func (f *fakeRouting) CurrentWeights() map[string]float64  { return f.weights }
func (f *fakeRouting) CurrentOverrides() map[string]string { return f.overrides }
func (f *fakeRouting) RoutingRules() map[string]string {
	return map[string]string{"default": "affinity"}
}
func (f *fakeRouting) ApplyWeights(w map[string]float64) {
	f.appliedWeights = append(f.appliedWeights, w)
}
func (f *fakeRouting) ApplyOverrides(o map[string]string) {
	f.appliedOverrides = append(f.appliedOverrides, o)
}

func healthyWindow() monitor.Metrics {
	return monitor.Metrics{
		RequestCount:   100,
		P95Latency:     500,
		ErrorRate:      0.01,
		CostPerRequest: 0.001,
	}
}

func degradedWindow() monitor.Metrics {
	return monitor.Metrics{
		RequestCount:   100,
		P95Latency:     3000,
		ErrorRate:      0.2,
		CostPerRequest: 0.01,
	}
}

func emergencyWindow() monitor.Metrics {
	return monitor.Metrics{
		RequestCount:   100,
		P95Latency:     3000,
		ErrorRate:      0.6,
		CostPerRequest: 0.01,
	}
}

func criticalAlert() events.Event {
	return events.Event{Type: events.EventSLOAlert, SLOName: "error-rate", Severity: "critical"}
}

func TestHealthyWindowsSnapshotBoundedAndMirrored(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	store := snapshot.NewMemory()
	cfg := DefaultConfig()
	cfg.MaxSnapshots = 3
	m := New(cfg, &fakeBreakers{}, flags.New(nil), newFakeRouting(),
		WithClock(clk), WithStore(store))

	for i := 0; i < 5; i++ {
		m.EvaluateWindow(context.Background(), healthyWindow())
		clk.Advance(time.Minute)
	}

	snaps := m.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("retained snapshots = %d, want 3", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if !snaps[i].Timestamp.After(snaps[i-1].Timestamp) {
			t.Error("snapshots out of order")
		}
	}
	if !snaps[0].Verify() {
		t.Error("snapshot checksum does not verify")
	}
	tampered := snaps[0]
	tampered.ProviderWeights = map[string]float64{"aws": 1}
	if tampered.Verify() {
		t.Error("tampered snapshot still verifies")
	}

	keys, err := store.Keys(context.Background(), "rollback/snap/")
	if err != nil {
		t.Fatalf("store keys: %v", err)
	}
	if len(keys) != 5 {
		t.Errorf("mirrored snapshots = %d, want 5", len(keys))
	}
}

func TestUnhealthyWindowDoesNotSnapshot(t *testing.T) {
	m := New(DefaultConfig(), &fakeBreakers{}, flags.New(nil), newFakeRouting())
	m.EvaluateWindow(context.Background(), degradedWindow())
	m.EvaluateWindow(context.Background(), monitor.Metrics{}) // empty window
	if n := len(m.Snapshots()); n != 0 {
		t.Errorf("snapshots = %d, want 0", n)
	}
}

func TestEmergencyRollback(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	bus := events.NewBus()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	breakers := &fakeBreakers{}
	flagStore := flags.New(map[string]any{
		"experimental_reranker": true,
		"cache_enabled":         true,
	})
	m := New(DefaultConfig(), breakers, flagStore, newFakeRouting(),
		WithClock(clk), WithEventBus(bus))

	m.EvaluateWindow(context.Background(), emergencyWindow())

	if breakers.forced != 1 {
		t.Fatalf("breakers forced open %d times, want 1", breakers.forced)
	}
	if flagStore.Bool("experimental_reranker") {
		t.Error("experimental flag still enabled")
	}
	if !flagStore.Bool("cache_enabled") {
		t.Error("non-experimental flag was touched")
	}

	history := m.History()
	if len(history) != 1 {
		t.Fatalf("states = %d, want 1", len(history))
	}
	st := history[0]
	if st.Severity != "emergency" || st.Status != StatusCompleted {
		t.Errorf("state = %s/%s", st.Severity, st.Status)
	}
	if len(st.Steps) != 2 || st.Steps[0].Name != StepForceBreakersOpen || st.Steps[1].Name != StepDisableFlags {
		t.Errorf("steps = %+v", st.Steps)
	}

	// A second breach inside the cooldown does not create another state.
	clk.Advance(time.Minute)
	m.EvaluateWindow(context.Background(), emergencyWindow())
	if len(m.History()) != 1 {
		t.Error("cooldown gate did not hold")
	}
	if breakers.forced != 1 {
		t.Error("breakers re-forced during cooldown")
	}

	// Past cooldown it may fire again.
	clk.Advance(DefaultConfig().Cooldown)
	m.EvaluateWindow(context.Background(), emergencyWindow())
	if len(m.History()) != 2 {
		t.Error("rollback did not re-fire after cooldown")
	}
}

func TestGradualRollbackWalksLadder(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	cfg := DefaultConfig()
	cfg.ValidationWindow = time.Minute
	routing := newFakeRouting()
	flagStore := flags.New(map[string]any{"experimental_reranker": true})
	m := New(cfg, &fakeBreakers{}, flagStore, routing, WithClock(clk))

	// A healthy window first, so the ladder has a snapshot to restore.
	m.EvaluateWindow(context.Background(), healthyWindow())

	// Three consecutive critical windows trigger the gradual path.
	for i := 0; i < 3; i++ {
		m.ObserveAlert(criticalAlert())
		m.EvaluateWindow(context.Background(), degradedWindow())
		if i < 2 && m.InProgress() {
			t.Fatalf("rollback started after %d critical windows", i+1)
		}
	}
	if !m.InProgress() {
		t.Fatal("rollback not started after three critical windows")
	}
	if flagStore.Bool("experimental_reranker") {
		t.Error("first ladder step did not disable experimental flags")
	}

	// Validation window expires, still degraded: advance to model swap.
	clk.Advance(61 * time.Second)
	m.ObserveAlert(criticalAlert())
	m.EvaluateWindow(context.Background(), degradedWindow())
	if len(routing.appliedOverrides) != 1 {
		t.Fatalf("overrides applied %d times, want 1", len(routing.appliedOverrides))
	}
	if routing.appliedOverrides[0]["culinary"] != "titan-text-express" {
		t.Errorf("restored overrides = %v", routing.appliedOverrides[0])
	}

	// The next window improves: rollback completes without the weight shift.
	clk.Advance(61 * time.Second)
	m.EvaluateWindow(context.Background(), healthyWindow())
	if m.InProgress() {
		t.Fatal("rollback still in progress after recovery")
	}
	history := m.History()
	last := history[len(history)-1]
	if last.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", last.Status)
	}
	if len(last.Steps) != 2 {
		t.Errorf("steps = %+v, want flag-disable and model-swap only", last.Steps)
	}
	if len(routing.appliedWeights) != 0 {
		t.Error("weight shift ran despite recovery")
	}
}

func TestGradualRollbackFailsAfterLadderExhausted(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	cfg := DefaultConfig()
	cfg.ValidationWindow = time.Minute
	routing := newFakeRouting()
	m := New(cfg, &fakeBreakers{}, flags.New(nil), routing, WithClock(clk))

	m.EvaluateWindow(context.Background(), healthyWindow())
	for i := 0; i < 3; i++ {
		m.ObserveAlert(criticalAlert())
		m.EvaluateWindow(context.Background(), degradedWindow())
	}
	// Every validation window stays degraded until the ladder runs out.
	for i := 0; i < 3; i++ {
		clk.Advance(61 * time.Second)
		m.ObserveAlert(criticalAlert())
		m.EvaluateWindow(context.Background(), degradedWindow())
	}

	if m.InProgress() {
		t.Fatal("rollback never terminated")
	}
	history := m.History()
	last := history[len(history)-1]
	if last.Status != StatusFailed {
		t.Errorf("status = %s, want failed", last.Status)
	}
	if len(last.Steps) != 3 {
		t.Errorf("steps executed = %d, want the full ladder", len(last.Steps))
	}
	if len(routing.appliedWeights) != 1 {
		t.Error("weight shift step never ran")
	}
}

func TestManualTriggerRespectsCooldownAndOverlap(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	m := New(DefaultConfig(), &fakeBreakers{}, flags.New(nil), newFakeRouting(), WithClock(clk))

	st := m.TriggerManual("operator suspects drift")
	if st == nil {
		t.Fatal("manual trigger refused")
	}
	if st.Status != StatusInProgress || st.Reason != "manual:operator suspects drift" {
		t.Errorf("state = %+v", st)
	}
	// Overlap: a second trigger while one is running is refused.
	if m.TriggerManual("operator suspects drift") != nil {
		t.Error("overlapping manual rollback accepted")
	}

	if !m.Cancel() {
		t.Fatal("cancel failed")
	}
	// Same reason inside the cooldown is still refused.
	if m.TriggerManual("operator suspects drift") != nil {
		t.Error("cooldown gate did not hold for manual trigger")
	}
	// A different reason is independent.
	if m.TriggerManual("different incident") == nil {
		t.Error("unrelated manual trigger refused")
	}
}
