package quality

import (
	"math"
	"sync"

	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/events"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// AlertKind names a drift alert category.
type AlertKind string

const (
	AlertDataDrift   AlertKind = "data_drift"
	AlertPromptDrift AlertKind = "prompt_drift"
	AlertRegression  AlertKind = "performance_regression"
	AlertDegradation AlertKind = "quality_degradation"
)

// Baseline is the expected steady state for one model.
type Baseline struct {
	MeanScore     float64 `json:"mean_score"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	MeanCostEuro  float64 `json:"mean_cost_euro"`
}

// Config tunes the drift monitor.
type Config struct {
	RingSize   int
	MinSamples int

	// Degradation compares the recent half of the ring against the older
	// half; drift compares the recent half against the baseline.
	DegradationWarning  float64
	DegradationCritical float64
	DriftWarning        float64
	DriftCritical       float64
	// Regression is a latency ratio against baseline.
	RegressionWarning  float64
	RegressionCritical float64
	// PromptDrift is a mean-prompt-length ratio between halves.
	PromptDriftWarning  float64
	PromptDriftCritical float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		RingSize:            1000,
		MinSamples:          20,
		DegradationWarning:  0.1,
		DegradationCritical: 0.2,
		DriftWarning:        0.15,
		DriftCritical:       0.3,
		RegressionWarning:   1.5,
		RegressionCritical:  2.0,
		PromptDriftWarning:  1.5,
		PromptDriftCritical: 2.5,
	}
}

// Trend summarizes the recent half of a model's ring against the older half.
type Trend struct {
	Samples      int     `json:"samples"`
	RecentMean   float64 `json:"recent_mean"`
	PreviousMean float64 `json:"previous_mean"`
	Delta        float64 `json:"delta"`
}

type modelRing struct {
	entries []Assessment
	next    int
	filled  bool
}

func (r *modelRing) add(a Assessment) {
	r.entries[r.next] = a
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.filled = true
	}
}

// window returns the live assessments, oldest first.
func (r *modelRing) window() []Assessment {
	if r.filled {
		out := make([]Assessment, 0, len(r.entries))
		out = append(out, r.entries[r.next:]...)
		out = append(out, r.entries[:r.next]...)
		return out
	}
	out := make([]Assessment, r.next)
	copy(out, r.entries[:r.next])
	return out
}

// Monitor keeps a per-model ring of assessments and raises drift alerts.
type Monitor struct {
	cfg Config
	clk clock.Clock
	bus *events.Bus

	mu        sync.Mutex
	rings     map[string]*modelRing
	baselines map[string]Baseline
	alerting  map[string]string // model+kind -> severity currently raised
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clk = c
		}
	}
}

// WithEventBus publishes quality_alert events.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// New creates a Monitor.
func New(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.RingSize <= 0 {
		cfg.RingSize = def.RingSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	m := &Monitor{
		cfg:       cfg,
		clk:       clock.Real(),
		rings:     make(map[string]*modelRing),
		baselines: make(map[string]Baseline),
		alerting:  make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetBaseline pins the expected steady state for a model.
func (m *Monitor) SetBaseline(modelID string, b Baseline) {
	m.mu.Lock()
	m.baselines[modelID] = b
	m.mu.Unlock()
}

// Assess scores one completed response, records it, and re-checks the model's
// trend. Returns the assessment for the caller's audit metadata.
func (m *Monitor) Assess(req route.Request, resp route.Response) Assessment {
	signals := Extract(req.Prompt, resp.Text)
	a := Assessment{
		Timestamp: m.clk.Now(),
		Provider:  resp.Provider,
		ModelID:   resp.ModelID,
		Score:     Score(signals),
		Signals:   signals,
		LatencyMs: resp.LatencyMs,
		CostEuro:  resp.CostEuro,
		PromptLen: len(req.Prompt),
	}

	m.mu.Lock()
	ring, ok := m.rings[resp.ModelID]
	if !ok {
		ring = &modelRing{entries: make([]Assessment, m.cfg.RingSize)}
		m.rings[resp.ModelID] = ring
	}
	ring.add(a)
	m.checkLocked(resp.ModelID, ring)
	m.mu.Unlock()
	return a
}

// TrendFor compares the recent half of a model's window against the older
// half. ok is false below MinSamples.
func (m *Monitor) TrendFor(modelID string) (Trend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.rings[modelID]
	if !ok {
		return Trend{}, false
	}
	window := ring.window()
	if len(window) < m.cfg.MinSamples {
		return Trend{Samples: len(window)}, false
	}
	older, recent := halves(window)
	t := Trend{
		Samples:      len(window),
		RecentMean:   meanScore(recent),
		PreviousMean: meanScore(older),
	}
	t.Delta = t.RecentMean - t.PreviousMean
	return t, true
}

// checkLocked evaluates the four alert kinds for one model. Alerts fire on
// the transition into breach and clear silently on recovery. Caller holds m.mu.
func (m *Monitor) checkLocked(modelID string, ring *modelRing) {
	window := ring.window()
	if len(window) < m.cfg.MinSamples {
		return
	}
	older, recent := halves(window)
	recentScore := meanScore(recent)

	// Quality degradation: the recent half fell behind the older half.
	drop := meanScore(older) - recentScore
	m.raise(modelID, AlertDegradation, recentScore,
		severityBetween(drop, m.cfg.DegradationWarning, m.cfg.DegradationCritical))

	// Prompt drift: the incoming prompt length shifted between halves.
	if olderLen := meanPromptLen(older); olderLen > 0 {
		ratio := meanPromptLen(recent) / olderLen
		if ratio < 1 && ratio > 0 {
			ratio = 1 / ratio
		}
		m.raise(modelID, AlertPromptDrift, ratio,
			severityBetween(ratio, m.cfg.PromptDriftWarning, m.cfg.PromptDriftCritical))
	}

	base, hasBase := m.baselines[modelID]
	if !hasBase {
		return
	}

	// Data drift: live score deviates from baseline in either direction.
	m.raise(modelID, AlertDataDrift, recentScore,
		severityBetween(math.Abs(recentScore-base.MeanScore), m.cfg.DriftWarning, m.cfg.DriftCritical))

	// Performance regression: latency ratio against baseline.
	if base.MeanLatencyMs > 0 {
		ratio := meanLatency(recent) / base.MeanLatencyMs
		m.raise(modelID, AlertRegression, ratio,
			severityBetween(ratio, m.cfg.RegressionWarning, m.cfg.RegressionCritical))
	}
}

// raise publishes an alert when the severity transitions from clear or
// escalates; it clears the record when severity is empty.
func (m *Monitor) raise(modelID string, kind AlertKind, measured float64, severity string) {
	key := modelID + "/" + string(kind)
	prev := m.alerting[key]
	if severity == "" {
		delete(m.alerting, key)
		return
	}
	if severity == prev {
		return
	}
	m.alerting[key] = severity
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:      events.EventQualityAlert,
		ModelID:   modelID,
		Reason:    string(kind),
		Severity:  severity,
		Score:     measured,
		Timestamp: m.clk.Now(),
	})
}

// ActiveAlerts returns the model+kind pairs currently in breach.
func (m *Monitor) ActiveAlerts() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.alerting))
	for k, v := range m.alerting {
		out[k] = v
	}
	return out
}

func severityBetween(measured, warning, critical float64) string {
	switch {
	case measured >= critical:
		return "critical"
	case measured >= warning:
		return "warning"
	default:
		return ""
	}
}

func halves(window []Assessment) (older, recent []Assessment) {
	mid := len(window) / 2
	return window[:mid], window[mid:]
}

func meanScore(as []Assessment) float64 {
	if len(as) == 0 {
		return 0
	}
	var sum float64
	for _, a := range as {
		sum += a.Score
	}
	return sum / float64(len(as))
}

func meanLatency(as []Assessment) float64 {
	if len(as) == 0 {
		return 0
	}
	var sum float64
	for _, a := range as {
		sum += float64(a.LatencyMs)
	}
	return sum / float64(len(as))
}

func meanPromptLen(as []Assessment) float64 {
	if len(as) == 0 {
		return 0
	}
	var sum float64
	for _, a := range as {
		sum += float64(a.PromptLen)
	}
	return sum / float64(len(as))
}
