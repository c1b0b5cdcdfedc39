// Package rollback watches the performance monitor and restores known-good
// configuration when the system degrades. It snapshots configuration while
// the system is healthy, trips everything open on emergency breaches, and
// walks a gradual step ladder after sustained critical SLO violations.
package rollback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/events"
	"github.com/jordanhubbard/modelplane/internal/flags"
	"github.com/jordanhubbard/modelplane/internal/monitor"
	"github.com/jordanhubbard/modelplane/internal/snapshot"
)

// storeKeyPrefix namespaces mirrored snapshots in the snapshot store.
const storeKeyPrefix = "rollback/snap/"

// ConfigurationSnapshot is a captured known-good configuration.
type ConfigurationSnapshot struct {
	Timestamp           time.Time          `json:"timestamp"`
	ProviderWeights     map[string]float64 `json:"provider_weights"`
	ModelOverrides      map[string]string  `json:"model_overrides"`
	FeatureFlags        map[string]any     `json:"feature_flags"`
	RoutingRules        map[string]string  `json:"routing_rules"`
	PerformanceBaseline monitor.Metrics    `json:"performance_baseline"`
	Checksum            string             `json:"checksum"`
}

// checksumOf hashes the snapshot's canonical JSON with the checksum field
// blanked. encoding/json sorts map keys, so the serialization is stable.
func checksumOf(s ConfigurationSnapshot) string {
	s.Checksum = ""
	b, _ := json.Marshal(s)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the checksum and reports whether it matches.
func (s ConfigurationSnapshot) Verify() bool {
	return s.Checksum == checksumOf(s)
}

// Status is the lifecycle of one rollback.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Step names, in ladder order.
const (
	StepForceBreakersOpen = "force_breakers_open"
	StepDisableFlags      = "disable_experimental_flags"
	StepModelSwap         = "model_swap_to_snapshot"
	StepWeightShift       = "provider_weight_shift"
)

// Step is one executed rollback action.
type Step struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	Detail    string    `json:"detail,omitempty"`
}

// State is one rollback from trigger to terminal status.
type State struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	Severity  string    `json:"severity"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Steps     []Step    `json:"steps"`
}

// Breakers is the slice of the breaker registry the manager needs.
type Breakers interface {
	ForceOpenAll()
}

// RoutingControls exposes the router's admin knobs for the gradual ladder.
type RoutingControls interface {
	CurrentWeights() map[string]float64
	ApplyWeights(map[string]float64)
	CurrentOverrides() map[string]string
	ApplyOverrides(map[string]string)
	RoutingRules() map[string]string
}

// Config tunes the manager.
type Config struct {
	MaxSnapshots     int
	Cooldown         time.Duration
	CriticalWindows  int
	ValidationWindow time.Duration

	// Healthy-window gates: all three must hold for a snapshot.
	HealthyP95Ms   float64
	HealthyErrRate float64
	HealthyCost    float64

	// Emergency thresholds: any single window breaching one trips the
	// emergency path.
	EmergencyErrRate float64
	EmergencyP95Ms   float64
	EmergencyCost    float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxSnapshots:     10,
		Cooldown:         10 * time.Minute,
		CriticalWindows:  3,
		ValidationWindow: 2 * time.Minute,
		HealthyP95Ms:     2000,
		HealthyErrRate:   0.05,
		HealthyCost:      0.05,
		EmergencyErrRate: 0.5,
		EmergencyP95Ms:   10000,
		EmergencyCost:    0.5,
	}
}

// gradualRun tracks an in-flight gradual rollback between windows.
type gradualRun struct {
	stepIdx  int
	deadline time.Time
	snap     *ConfigurationSnapshot
}

// Manager is the rollback manager.
type Manager struct {
	cfg      Config
	clk      clock.Clock
	bus      *events.Bus
	breakers Breakers
	flags    *flags.Store
	routing  RoutingControls
	store    snapshot.Store
	log      *slog.Logger

	mu             sync.Mutex
	snaps          []ConfigurationSnapshot
	states         []*State
	current        *State
	gradual        *gradualRun
	lastTrigger    map[string]time.Time
	criticalRun    int
	windowCritical bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clk = c
		}
	}
}

// WithEventBus wires alert consumption and rollback event publication.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithStore mirrors snapshots through a persistent store.
func WithStore(s snapshot.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// New creates a Manager. breakers, flagStore and routing are required; the
// snapshot store defaults to in-memory.
func New(cfg Config, breakers Breakers, flagStore *flags.Store, routing RoutingControls, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = def.MaxSnapshots
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.CriticalWindows <= 0 {
		cfg.CriticalWindows = def.CriticalWindows
	}
	if cfg.ValidationWindow <= 0 {
		cfg.ValidationWindow = def.ValidationWindow
	}
	m := &Manager{
		cfg:         cfg,
		clk:         clock.Real(),
		breakers:    breakers,
		flags:       flagStore,
		routing:     routing,
		store:       snapshot.NewMemory(),
		log:         slog.Default(),
		lastTrigger: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run consumes bus alerts and evaluates windows until ctx is cancelled.
// source supplies the current window's metrics, normally monitor.Snapshot.
func (m *Manager) Run(ctx context.Context, interval time.Duration, source func() monitor.Metrics) {
	var sub *events.Subscriber
	if m.bus != nil {
		sub = m.bus.Subscribe(128)
		defer m.bus.Unsubscribe(sub)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-busChan(sub):
			m.ObserveAlert(e)
		case <-ticker.C:
			m.EvaluateWindow(ctx, source())
		}
	}
}

func busChan(sub *events.Subscriber) <-chan events.Event {
	if sub == nil {
		return nil
	}
	return sub.C
}

// ObserveAlert marks the current window critical when a critical SLO alert
// arrives. Quality alerts count the same way.
func (m *Manager) ObserveAlert(e events.Event) {
	if e.Severity != "critical" {
		return
	}
	if e.Type != events.EventSLOAlert && e.Type != events.EventQualityAlert {
		return
	}
	m.mu.Lock()
	m.windowCritical = true
	m.mu.Unlock()
}

// EvaluateWindow closes out one observation window: it advances any gradual
// rollback, checks the emergency thresholds, tracks the critical-window run,
// and snapshots when the window is healthy.
func (m *Manager) EvaluateWindow(ctx context.Context, metrics monitor.Metrics) {
	m.mu.Lock()
	critical := m.windowCritical
	m.windowCritical = false

	if critical {
		m.criticalRun++
	} else {
		m.criticalRun = 0
	}

	if m.gradual != nil {
		m.advanceGradualLocked(critical || m.breachesEmergency(metrics))
		m.mu.Unlock()
		return
	}

	switch {
	case m.breachesEmergency(metrics):
		m.emergencyLocked("emergency_threshold", metrics)
	case m.criticalRun >= m.cfg.CriticalWindows:
		m.startGradualLocked("slo_critical_run")
	case m.isHealthy(metrics):
		m.takeSnapshotLocked(ctx, metrics)
	}
	m.mu.Unlock()
}

func (m *Manager) breachesEmergency(metrics monitor.Metrics) bool {
	if metrics.RequestCount == 0 {
		return false
	}
	return metrics.ErrorRate >= m.cfg.EmergencyErrRate ||
		metrics.P95Latency >= m.cfg.EmergencyP95Ms ||
		metrics.CostPerRequest >= m.cfg.EmergencyCost
}

func (m *Manager) isHealthy(metrics monitor.Metrics) bool {
	if metrics.RequestCount == 0 {
		return false
	}
	return metrics.P95Latency < m.cfg.HealthyP95Ms &&
		metrics.ErrorRate < m.cfg.HealthyErrRate &&
		metrics.CostPerRequest < m.cfg.HealthyCost
}

// underCooldownLocked gates re-triggering for the same reason.
func (m *Manager) underCooldownLocked(reason string) bool {
	last, ok := m.lastTrigger[reason]
	return ok && m.clk.Now().Sub(last) < m.cfg.Cooldown
}

// emergencyLocked trips every breaker open and disables experimental flags.
// The state completes immediately; there is no validation ladder.
func (m *Manager) emergencyLocked(reason string, metrics monitor.Metrics) *State {
	if m.current != nil || m.underCooldownLocked(reason) {
		return nil
	}
	now := m.clk.Now()
	st := &State{
		ID:        uuid.NewString(),
		Reason:    reason,
		Severity:  "emergency",
		Status:    StatusInProgress,
		StartedAt: now,
	}
	m.current = st
	m.states = append(m.states, st)
	m.lastTrigger[reason] = now
	m.publish(events.EventRollbackStarted, st, "")

	m.breakers.ForceOpenAll()
	st.Steps = append(st.Steps, Step{Name: StepForceBreakersOpen, StartedAt: now})
	m.publish(events.EventRollbackStep, st, StepForceBreakersOpen)

	disabled := m.flags.DisableExperimental()
	st.Steps = append(st.Steps, Step{
		Name:      StepDisableFlags,
		StartedAt: m.clk.Now(),
		Detail:    fmt.Sprintf("%d flags disabled", len(disabled)),
	})
	m.publish(events.EventRollbackStep, st, StepDisableFlags)

	st.Status = StatusCompleted
	st.EndedAt = m.clk.Now()
	m.current = nil
	m.publish(events.EventRollbackDone, st, "")
	m.log.Warn("emergency rollback executed",
		"reason", reason,
		"error_rate", metrics.ErrorRate,
		"p95_ms", metrics.P95Latency,
		"flags_disabled", len(disabled))
	return st
}

// startGradualLocked begins the step ladder. The first step runs immediately;
// later steps run only if the next validation window fails to improve.
func (m *Manager) startGradualLocked(reason string) *State {
	if m.current != nil || m.underCooldownLocked(reason) {
		return nil
	}
	now := m.clk.Now()
	st := &State{
		ID:        uuid.NewString(),
		Reason:    reason,
		Severity:  "critical",
		Status:    StatusInProgress,
		StartedAt: now,
	}
	m.current = st
	m.states = append(m.states, st)
	m.lastTrigger[reason] = now
	m.gradual = &gradualRun{snap: m.latestSnapshotLocked()}
	m.publish(events.EventRollbackStarted, st, "")

	m.runGradualStepLocked()
	return st
}

// gradualLadder is the ordered step list after the initial flag disable.
var gradualLadder = []string{StepDisableFlags, StepModelSwap, StepWeightShift}

// runGradualStepLocked executes the current ladder step and arms the
// validation window.
func (m *Manager) runGradualStepLocked() {
	st := m.current
	g := m.gradual
	name := gradualLadder[g.stepIdx]
	now := m.clk.Now()
	step := Step{Name: name, StartedAt: now}

	switch name {
	case StepDisableFlags:
		disabled := m.flags.DisableExperimental()
		step.Detail = fmt.Sprintf("%d flags disabled", len(disabled))
	case StepModelSwap:
		if g.snap != nil {
			m.routing.ApplyOverrides(g.snap.ModelOverrides)
			step.Detail = fmt.Sprintf("%d overrides restored", len(g.snap.ModelOverrides))
		} else {
			step.Detail = "no snapshot available"
		}
	case StepWeightShift:
		if g.snap != nil {
			m.routing.ApplyWeights(g.snap.ProviderWeights)
			step.Detail = fmt.Sprintf("%d weights restored", len(g.snap.ProviderWeights))
		} else {
			step.Detail = "no snapshot available"
		}
	}
	st.Steps = append(st.Steps, step)
	g.deadline = now.Add(m.cfg.ValidationWindow)
	m.publish(events.EventRollbackStep, st, name)
	m.log.Info("rollback step executed", "rollback_id", st.ID, "step", name, "detail", step.Detail)
}

// advanceGradualLocked closes a validation window: an improved window
// completes the rollback, a still-degraded one advances the ladder, and
// exhausting the ladder fails it.
func (m *Manager) advanceGradualLocked(stillDegraded bool) {
	g := m.gradual
	st := m.current
	if m.clk.Now().Before(g.deadline) {
		return
	}
	if !stillDegraded {
		st.Status = StatusCompleted
		st.EndedAt = m.clk.Now()
		m.current = nil
		m.gradual = nil
		m.publish(events.EventRollbackDone, st, "")
		m.log.Info("gradual rollback completed", "rollback_id", st.ID, "steps", len(st.Steps))
		return
	}
	if g.stepIdx+1 >= len(gradualLadder) {
		st.Status = StatusFailed
		st.EndedAt = m.clk.Now()
		m.current = nil
		m.gradual = nil
		m.publish(events.EventRollbackDone, st, "")
		m.log.Error("gradual rollback exhausted its ladder", "rollback_id", st.ID)
		return
	}
	g.stepIdx++
	m.runGradualStepLocked()
}

// TriggerManual starts a gradual rollback on operator request. Returns nil
// when one is already running or the reason is under cooldown.
func (m *Manager) TriggerManual(reason string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.startGradualLocked("manual:" + reason)
	if st == nil {
		return nil
	}
	cp := *st
	cp.Steps = append([]Step(nil), st.Steps...)
	return &cp
}

// Cancel aborts the in-flight rollback, if any.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return false
	}
	st := m.current
	st.Status = StatusCancelled
	st.EndedAt = m.clk.Now()
	m.current = nil
	m.gradual = nil
	m.publish(events.EventRollbackDone, st, "")
	return true
}

// takeSnapshotLocked captures the live configuration and mirrors it through
// the snapshot store. Store failures are logged and dropped; the in-memory
// list stays authoritative.
func (m *Manager) takeSnapshotLocked(ctx context.Context, metrics monitor.Metrics) {
	snap := ConfigurationSnapshot{
		Timestamp:           m.clk.Now(),
		ProviderWeights:     m.routing.CurrentWeights(),
		ModelOverrides:      m.routing.CurrentOverrides(),
		FeatureFlags:        m.flags.Snapshot(),
		RoutingRules:        m.routing.RoutingRules(),
		PerformanceBaseline: metrics,
	}
	snap.Checksum = checksumOf(snap)

	m.snaps = append(m.snaps, snap)
	if len(m.snaps) > m.cfg.MaxSnapshots {
		m.snaps = m.snaps[len(m.snaps)-m.cfg.MaxSnapshots:]
	}

	payload, err := json.Marshal(snap)
	if err == nil {
		key := fmt.Sprintf("%s%d", storeKeyPrefix, snap.Timestamp.UnixMilli())
		err = m.store.Put(ctx, key, payload)
	}
	if err != nil {
		m.log.Warn("snapshot mirror write failed", "error", err)
	}
}

func (m *Manager) latestSnapshotLocked() *ConfigurationSnapshot {
	if len(m.snaps) == 0 {
		return nil
	}
	cp := m.snaps[len(m.snaps)-1]
	return &cp
}

// Snapshots returns the retained snapshots, oldest first.
func (m *Manager) Snapshots() []ConfigurationSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ConfigurationSnapshot(nil), m.snaps...)
}

// History returns every rollback state, oldest first.
func (m *Manager) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.states))
	for _, st := range m.states {
		cp := *st
		cp.Steps = append([]Step(nil), st.Steps...)
		out = append(out, cp)
	}
	return out
}

// InProgress reports whether a rollback is currently running.
func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

func (m *Manager) publish(typ events.EventType, st *State, step string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:       typ,
		RollbackID: st.ID,
		Reason:     st.Reason,
		Severity:   st.Severity,
		Status:     string(st.Status),
		Step:       step,
		Timestamp:  m.clk.Now(),
	})
}
