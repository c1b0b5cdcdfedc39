// Package metrics exposes the orchestrator's Prometheus instrumentation and
// the generic RecordMetric hook consumed by components that do not want a
// compile-time dependency on concrete collectors.
package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics pipeline interface the orchestrator consumes.
type Recorder interface {
	RecordMetric(namespace, name string, dims map[string]string, value float64, unit string)
}

// Registry bundles the typed collectors plus the dynamic RecordMetric
// families on one Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	CostEuro       *prometheus.CounterVec
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	RateLimited    prometheus.Counter
	SafetyBlocks   *prometheus.CounterVec
	Rollbacks      *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec

	mu      sync.Mutex
	dynamic map[string]*prometheus.GaugeVec
}

// New creates a Registry with the orchestrator's collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg:     reg,
		dynamic: make(map[string]*prometheus.GaugeVec),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelplane_requests_total",
			Help: "Requests executed by the orchestrator",
		}, []string{"provider", "model", "domain", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelplane_request_latency_ms",
			Help:    "End-to-end request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"provider", "model"}),
		CostEuro: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelplane_cost_euro_total",
			Help: "Estimated provider cost in euro",
		}, []string{"provider", "model"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelplane_cache_hits_total",
			Help: "Semantic cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelplane_cache_misses_total",
			Help: "Semantic cache misses",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelplane_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		}),
		SafetyBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelplane_safety_blocks_total",
			Help: "Requests blocked by safety or compliance checks",
		}, []string{"stage", "violation"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelplane_rollbacks_total",
			Help: "Rollback executions by severity",
		}, []string{"severity"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelplane_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		}, []string{"provider"}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.CostEuro,
		m.CacheHits, m.CacheMisses, m.RateLimited,
		m.SafetyBlocks, m.Rollbacks, m.BreakerState,
	)
	return m
}

// RecordMetric implements Recorder with lazily created gauge families. The
// label set is fixed by the first observation of a (namespace, name) pair;
// later calls with extra dims drop the unknown labels.
func (m *Registry) RecordMetric(namespace, name string, dims map[string]string, value float64, unit string) {
	fqName := namespace + "_" + name
	labels := make([]string, 0, len(dims))
	for k := range dims {
		labels = append(labels, k)
	}
	sort.Strings(labels)

	m.mu.Lock()
	vec, ok := m.dynamic[fqName]
	if !ok {
		help := "Recorded metric " + fqName
		if unit != "" {
			help += " (" + unit + ")"
		}
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: fqName, Help: help}, labels)
		if err := m.reg.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.dynamic[fqName] = vec
	}
	m.mu.Unlock()

	gauge, err := vec.GetMetricWith(prometheus.Labels(dims))
	if err != nil {
		// Label mismatch against the first registration; drop the sample.
		return
	}
	gauge.Set(value)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}
