// Package monitor tracks the performance of completed requests in a bounded
// ring buffer and evaluates SLOs over it. Alerts are published on the event
// bus; the rollback manager subscribes there, so neither side holds a
// reference to the other's internals.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/events"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// Sample is one completed request.
type Sample struct {
	Timestamp time.Time      `json:"timestamp"`
	Provider  route.Provider `json:"provider"`
	ModelID   string         `json:"model_id"`
	LatencyMs int64          `json:"latency_ms"`
	CostEuro  float64        `json:"cost_euro"`
	Success   bool           `json:"success"`
	Cached    bool           `json:"cached"`
}

// Metrics are the on-demand aggregates over the current window.
type Metrics struct {
	RequestCount   int     `json:"request_count"`
	SuccessCount   int     `json:"success_count"`
	ErrorCount     int     `json:"error_count"`
	ErrorRate      float64 `json:"error_rate"`
	AverageLatency float64 `json:"average_latency_ms"`
	P95Latency     float64 `json:"p95_latency_ms"`
	P99Latency     float64 `json:"p99_latency_ms"`
	TotalCost      float64 `json:"total_cost_euro"`
	CostPerRequest float64 `json:"cost_per_request_euro"`
	ThroughputRPS  float64 `json:"throughput_rps"`
	Availability   float64 `json:"availability"`
}

// Metric names an SLO's measured quantity.
type Metric string

const (
	MetricErrorRate      Metric = "errorRate"
	MetricP95Latency     Metric = "p95Latency"
	MetricAvailability   Metric = "availability"
	MetricCostPerRequest Metric = "costPerRequest"
)

// Operator says which side of the threshold is healthy.
type Operator string

const (
	// OpAtMost is healthy while measured <= threshold.
	OpAtMost Operator = "<="
	// OpAtLeast is healthy while measured >= threshold.
	OpAtLeast Operator = ">="
)

// SLO is one service-level objective.
type SLO struct {
	Name      string   `json:"name"`
	Metric    Metric   `json:"metric"`
	Threshold float64  `json:"threshold"`
	Operator  Operator `json:"operator"`
	Severity  string   `json:"severity,omitempty"`
}

// DefaultSLOs returns the three always-on objectives.
func DefaultSLOs() []SLO {
	return []SLO{
		{Name: "p95-latency", Metric: MetricP95Latency, Threshold: 2000, Operator: OpAtMost},
		{Name: "error-rate", Metric: MetricErrorRate, Threshold: 0.05, Operator: OpAtMost},
		{Name: "availability", Metric: MetricAvailability, Threshold: 0.99, Operator: OpAtLeast},
	}
}

// Alert is one live SLO violation.
type Alert struct {
	SLO        SLO       `json:"slo"`
	Measured   float64   `json:"measured"`
	Severity   string    `json:"severity"`
	FiredAt    time.Time `json:"fired_at"`
	Resolved   bool      `json:"resolved"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Config tunes the monitor.
type Config struct {
	WindowSize int
	SLOs       []SLO
}

// DefaultConfig returns a 1000-sample window with the default SLOs.
func DefaultConfig() Config {
	return Config{WindowSize: 1000, SLOs: DefaultSLOs()}
}

// Monitor is the ring-buffered performance monitor.
type Monitor struct {
	cfg Config
	clk clock.Clock
	bus *events.Bus

	mu      sync.Mutex
	samples []Sample
	next    int
	filled  bool
	active  map[string]*Alert
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the monitor's time source.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clk = c
		}
	}
}

// WithEventBus publishes slo_alert and slo_resolved events.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// New creates a Monitor.
func New(cfg Config, opts ...Option) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if len(cfg.SLOs) == 0 {
		cfg.SLOs = DefaultSLOs()
	}
	m := &Monitor{
		cfg:     cfg,
		clk:     clock.Real(),
		samples: make([]Sample, cfg.WindowSize),
		active:  make(map[string]*Alert),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Record appends one sample to the ring and re-evaluates the SLOs.
func (m *Monitor) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = m.clk.Now()
	}
	m.mu.Lock()
	m.samples[m.next] = s
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.filled = true
	}
	m.evaluateLocked()
	m.mu.Unlock()
}

// windowLocked returns the live samples, oldest first.
func (m *Monitor) windowLocked() []Sample {
	if m.filled {
		out := make([]Sample, 0, len(m.samples))
		out = append(out, m.samples[m.next:]...)
		out = append(out, m.samples[:m.next]...)
		return out
	}
	out := make([]Sample, m.next)
	copy(out, m.samples[:m.next])
	return out
}

// Snapshot returns the global aggregates over the current window.
func (m *Monitor) Snapshot() Metrics {
	m.mu.Lock()
	window := m.windowLocked()
	m.mu.Unlock()
	return compute(window)
}

// ProviderSnapshot returns per-provider aggregates over the current window.
func (m *Monitor) ProviderSnapshot() map[route.Provider]Metrics {
	m.mu.Lock()
	window := m.windowLocked()
	m.mu.Unlock()

	byProvider := make(map[route.Provider][]Sample)
	for _, s := range window {
		byProvider[s.Provider] = append(byProvider[s.Provider], s)
	}
	out := make(map[route.Provider]Metrics, len(byProvider))
	for p, samples := range byProvider {
		out[p] = compute(samples)
	}
	return out
}

// ActiveAlerts returns the unresolved alerts ordered by SLO name.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLO.Name < out[j].SLO.Name })
	return out
}

// Healthy reports whether no SLO is currently violated.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active) == 0
}

// evaluateLocked checks every SLO against the current window, firing new
// alerts and resolving cleared ones. A second violation while the first is
// unresolved does not fire again. Caller holds m.mu.
func (m *Monitor) evaluateLocked() {
	metrics := compute(m.windowLocked())
	if metrics.RequestCount == 0 {
		return
	}
	for _, slo := range m.cfg.SLOs {
		measured := measuredValue(metrics, slo.Metric)
		violated := isViolated(measured, slo)
		existing, alerting := m.active[slo.Name]

		switch {
		case violated && !alerting:
			a := &Alert{
				SLO:      slo,
				Measured: measured,
				Severity: severityFor(slo, measured),
				FiredAt:  m.clk.Now(),
			}
			m.active[slo.Name] = a
			m.publish(events.EventSLOAlert, slo, measured, a.Severity)
		case violated && alerting:
			// Keep the measured value fresh; do not re-fire.
			existing.Measured = measured
			existing.Severity = severityFor(slo, measured)
		case !violated && alerting:
			delete(m.active, slo.Name)
			m.publish(events.EventSLOResolved, slo, measured, "")
		}
	}
}

func (m *Monitor) publish(typ events.EventType, slo SLO, measured float64, severity string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:      typ,
		SLOName:   slo.Name,
		Metric:    string(slo.Metric),
		Measured:  measured,
		Threshold: slo.Threshold,
		Severity:  severity,
		Timestamp: m.clk.Now(),
	})
}

func measuredValue(metrics Metrics, metric Metric) float64 {
	switch metric {
	case MetricErrorRate:
		return metrics.ErrorRate
	case MetricP95Latency:
		return metrics.P95Latency
	case MetricAvailability:
		return metrics.Availability
	case MetricCostPerRequest:
		return metrics.CostPerRequest
	}
	return 0
}

func isViolated(measured float64, slo SLO) bool {
	switch slo.Operator {
	case OpAtLeast:
		return measured < slo.Threshold
	default:
		return measured > slo.Threshold
	}
}

// severityFor grades how far past threshold the measurement is: more than 2x
// a latency threshold or 10x an error-rate threshold is critical.
func severityFor(slo SLO, measured float64) string {
	if slo.Severity != "" {
		return slo.Severity
	}
	switch slo.Metric {
	case MetricP95Latency:
		if slo.Threshold > 0 && measured > 2*slo.Threshold {
			return "critical"
		}
	case MetricErrorRate:
		if slo.Threshold > 0 && measured > 10*slo.Threshold {
			return "critical"
		}
	case MetricAvailability:
		if measured < slo.Threshold/2 {
			return "critical"
		}
	}
	return "warning"
}

func compute(window []Sample) Metrics {
	m := Metrics{RequestCount: len(window)}
	if len(window) == 0 {
		return m
	}
	latencies := make([]float64, 0, len(window))
	var totalLatency float64
	oldest, newest := window[0].Timestamp, window[0].Timestamp
	for _, s := range window {
		if s.Success {
			m.SuccessCount++
		} else {
			m.ErrorCount++
		}
		totalLatency += float64(s.LatencyMs)
		latencies = append(latencies, float64(s.LatencyMs))
		m.TotalCost += s.CostEuro
		if s.Timestamp.Before(oldest) {
			oldest = s.Timestamp
		}
		if s.Timestamp.After(newest) {
			newest = s.Timestamp
		}
	}
	n := float64(len(window))
	m.ErrorRate = float64(m.ErrorCount) / n
	m.Availability = float64(m.SuccessCount) / n
	m.AverageLatency = totalLatency / n
	m.CostPerRequest = m.TotalCost / n

	sort.Float64s(latencies)
	m.P95Latency = percentile(latencies, 0.95)
	m.P99Latency = percentile(latencies, 0.99)

	if span := newest.Sub(oldest).Seconds(); span > 0 {
		m.ThroughputRPS = n / span
	}
	return m
}

// percentile expects sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
