package monitor

import (
	"testing"
	"time"

	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/events"
	"github.com/jordanhubbard/modelplane/internal/route"
)

func sample(provider route.Provider, latencyMs int64, success bool) Sample {
	return Sample{
		Provider:  provider,
		ModelID:   "m-" + string(provider),
		LatencyMs: latencyMs,
		CostEuro:  0.002,
		Success:   success,
	}
}

func TestSnapshotAggregates(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	m := New(DefaultConfig(), WithClock(clk))

	// 100 samples at 100ms..10000ms, every 10th one a failure.
	for i := 1; i <= 100; i++ {
		s := sample(route.ProviderAWS, int64(i*100), i%10 != 0)
		m.Record(s)
		clk.Advance(time.Second)
	}

	got := m.Snapshot()
	if got.RequestCount != 100 {
		t.Fatalf("request count = %d, want 100", got.RequestCount)
	}
	if got.ErrorCount != 10 || got.SuccessCount != 90 {
		t.Errorf("errors/successes = %d/%d, want 10/90", got.ErrorCount, got.SuccessCount)
	}
	if got.ErrorRate != 0.1 {
		t.Errorf("error rate = %v, want 0.1", got.ErrorRate)
	}
	if got.Availability != 0.9 {
		t.Errorf("availability = %v, want 0.9", got.Availability)
	}
	if got.AverageLatency != 5050 {
		t.Errorf("avg latency = %v, want 5050", got.AverageLatency)
	}
	// Sorted latencies are 100..10000; index 95 holds 9600.
	if got.P95Latency != 9600 {
		t.Errorf("p95 = %v, want 9600", got.P95Latency)
	}
	if got.P99Latency != 10000 {
		t.Errorf("p99 = %v, want 10000", got.P99Latency)
	}
	if got.TotalCost < 0.199 || got.TotalCost > 0.201 {
		t.Errorf("total cost = %v, want ~0.2", got.TotalCost)
	}
	// 100 samples spread over 99 seconds.
	if got.ThroughputRPS < 1.0 || got.ThroughputRPS > 1.02 {
		t.Errorf("throughput = %v", got.ThroughputRPS)
	}
}

func TestRingDropsOldestPastWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 10
	m := New(cfg)

	for i := 0; i < 15; i++ {
		ok := i >= 5 // first five are failures, all pushed out of the window
		m.Record(sample(route.ProviderGoogle, 100, ok))
	}
	got := m.Snapshot()
	if got.RequestCount != 10 {
		t.Fatalf("window size = %d, want 10", got.RequestCount)
	}
	if got.ErrorCount != 0 {
		t.Errorf("stale failures still visible, errors = %d", got.ErrorCount)
	}
}

func TestProviderSnapshotPartitions(t *testing.T) {
	m := New(DefaultConfig())
	m.Record(sample(route.ProviderAWS, 100, true))
	m.Record(sample(route.ProviderAWS, 300, true))
	m.Record(sample(route.ProviderGoogle, 1000, false))

	byProvider := m.ProviderSnapshot()
	aws, ok := byProvider[route.ProviderAWS]
	if !ok {
		t.Fatal("missing aws partition")
	}
	if aws.RequestCount != 2 || aws.AverageLatency != 200 || aws.ErrorRate != 0 {
		t.Errorf("aws metrics = %+v", aws)
	}
	google := byProvider[route.ProviderGoogle]
	if google.RequestCount != 1 || google.ErrorRate != 1 {
		t.Errorf("google metrics = %+v", google)
	}
}

func TestSLOAlertFiresOnceWhileViolated(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	cfg := Config{
		WindowSize: 20,
		SLOs:       []SLO{{Name: "error-rate", Metric: MetricErrorRate, Threshold: 0.05, Operator: OpAtMost}},
	}
	m := New(cfg, WithEventBus(bus))

	// Sustained failures: the threshold is crossed on the first record and
	// stays crossed, yet only one alert may fire.
	for i := 0; i < 10; i++ {
		m.Record(sample(route.ProviderAWS, 100, false))
	}

	var fired int
	for {
		select {
		case e := <-sub.C:
			if e.Type == events.EventSLOAlert {
				fired++
			}
		default:
			goto done
		}
	}
done:
	if fired != 1 {
		t.Fatalf("alert fired %d times, want 1", fired)
	}
	if m.Healthy() {
		t.Error("monitor healthy while SLO violated")
	}
	alerts := m.ActiveAlerts()
	if len(alerts) != 1 || alerts[0].SLO.Name != "error-rate" {
		t.Fatalf("active alerts = %+v", alerts)
	}
	if alerts[0].Measured != 1.0 {
		t.Errorf("measured = %v, want 1.0 after refresh", alerts[0].Measured)
	}
}

func TestSLOResolvesWhenWindowRecovers(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	cfg := Config{
		WindowSize: 5,
		SLOs:       []SLO{{Name: "error-rate", Metric: MetricErrorRate, Threshold: 0.3, Operator: OpAtMost}},
	}
	m := New(cfg, WithEventBus(bus))

	for i := 0; i < 5; i++ {
		m.Record(sample(route.ProviderMeta, 100, false))
	}
	// Five successes push every failure out of the window.
	for i := 0; i < 5; i++ {
		m.Record(sample(route.ProviderMeta, 100, true))
	}

	if !m.Healthy() {
		t.Fatal("monitor still unhealthy after recovery")
	}
	var fired, resolved int
	for {
		select {
		case e := <-sub.C:
			switch e.Type {
			case events.EventSLOAlert:
				fired++
			case events.EventSLOResolved:
				resolved++
			}
		default:
			if fired != 1 || resolved != 1 {
				t.Fatalf("fired=%d resolved=%d, want 1/1", fired, resolved)
			}
			return
		}
	}
}

func TestSeverityEscalatesFarPastThreshold(t *testing.T) {
	cases := []struct {
		name     string
		slo      SLO
		measured float64
		want     string
	}{
		{"latency just over", SLO{Metric: MetricP95Latency, Threshold: 2000}, 2100, "warning"},
		{"latency 2x", SLO{Metric: MetricP95Latency, Threshold: 2000}, 4100, "critical"},
		{"errors just over", SLO{Metric: MetricErrorRate, Threshold: 0.05}, 0.06, "warning"},
		{"errors 10x", SLO{Metric: MetricErrorRate, Threshold: 0.05}, 0.51, "critical"},
		{"availability collapse", SLO{Metric: MetricAvailability, Threshold: 0.99, Operator: OpAtLeast}, 0.4, "critical"},
		{"pinned severity wins", SLO{Metric: MetricErrorRate, Threshold: 0.05, Severity: "page"}, 0.51, "page"},
	}
	for _, tc := range cases {
		if got := severityFor(tc.slo, tc.measured); got != tc.want {
			t.Errorf("%s: severity = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestAvailabilitySLOUsesAtLeast(t *testing.T) {
	cfg := Config{
		WindowSize: 10,
		SLOs:       []SLO{{Name: "availability", Metric: MetricAvailability, Threshold: 0.99, Operator: OpAtLeast}},
	}
	m := New(cfg)

	m.Record(sample(route.ProviderAWS, 100, true))
	if !m.Healthy() {
		t.Fatal("single success flagged unhealthy")
	}
	m.Record(sample(route.ProviderAWS, 100, false))
	if m.Healthy() {
		t.Fatal("50% availability passed a 99% floor")
	}
}

func TestEmptyWindowEvaluatesNothing(t *testing.T) {
	m := New(DefaultConfig())
	if !m.Healthy() {
		t.Error("fresh monitor reports violations")
	}
	got := m.Snapshot()
	if got.RequestCount != 0 || got.ErrorRate != 0 {
		t.Errorf("empty snapshot = %+v", got)
	}
}
