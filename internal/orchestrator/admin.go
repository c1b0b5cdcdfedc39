package orchestrator

import (
	"context"

	"github.com/jordanhubbard/modelplane/internal/audit"
	"github.com/jordanhubbard/modelplane/internal/bandit"
	"github.com/jordanhubbard/modelplane/internal/breaker"
	"github.com/jordanhubbard/modelplane/internal/capability"
	"github.com/jordanhubbard/modelplane/internal/monitor"
	"github.com/jordanhubbard/modelplane/internal/rollback"
	"github.com/jordanhubbard/modelplane/internal/route"
	"github.com/jordanhubbard/modelplane/internal/safety"
)

// Status grades the overall system health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Health is the admin health report.
type Health struct {
	Status             Status                              `json:"status"`
	Providers          map[route.Provider]breaker.Snapshot `json:"providers"`
	ActiveAlerts       []monitor.Alert                     `json:"active_alerts,omitempty"`
	QualityAlerts      map[string]string                   `json:"quality_alerts,omitempty"`
	RollbackInProgress bool                                `json:"rollback_in_progress"`
	Metrics            monitor.Metrics                     `json:"metrics"`
}

// AvailableModels lists the models feasible for the given request context,
// ignoring breaker state.
func (o *Orchestrator) AvailableModels(ctx route.Context) []route.Capability {
	return o.c.Router.AvailableModels(ctx)
}

// UpdateCapability applies a partial capability update and returns the
// updated entry.
func (o *Orchestrator) UpdateCapability(provider route.Provider, modelID string, p capability.Partial) (route.Capability, error) {
	return o.c.Router.UpdateCapability(provider, modelID, p)
}

// ResetBandit clears bandit statistics back to uniform priors. With no
// arguments it resets every bucket; otherwise only the named ones.
func (o *Orchestrator) ResetBandit(buckets ...bandit.Bucket) {
	if o.c.Bandit == nil {
		return
	}
	if len(buckets) == 0 {
		o.c.Bandit.ResetAll()
		return
	}
	for _, b := range buckets {
		o.c.Bandit.Reset(b)
	}
}

// BanditArms exposes one bucket's learned arm statistics for admin queries.
func (o *Orchestrator) BanditArms(b bandit.Bucket) []bandit.ArmView {
	if o.c.Bandit == nil {
		return nil
	}
	return o.c.Bandit.Arms(b)
}

// HealthStatus derives the overall verdict from breaker states, SLO alerts,
// and rollback activity. All breakers open or any critical alert means
// unhealthy; any open breaker, any alert, or a running rollback degrades.
func (o *Orchestrator) HealthStatus() Health {
	h := Health{Status: StatusHealthy}

	if o.c.Breakers != nil {
		h.Providers = o.c.Breakers.Snapshots()
	}
	if o.c.Monitor != nil {
		h.ActiveAlerts = o.c.Monitor.ActiveAlerts()
		h.Metrics = o.c.Monitor.Snapshot()
	}
	if o.c.Quality != nil {
		h.QualityAlerts = o.c.Quality.ActiveAlerts()
	}
	if o.c.Rollback != nil {
		h.RollbackInProgress = o.c.Rollback.InProgress()
	}

	open := 0
	for _, snap := range h.Providers {
		if snap.State == "open" {
			open++
		}
	}
	critical := false
	for _, a := range h.ActiveAlerts {
		if a.Severity == "critical" {
			critical = true
		}
	}

	switch {
	case critical, len(h.Providers) > 0 && open == len(h.Providers):
		h.Status = StatusUnhealthy
	case open > 0, len(h.ActiveAlerts) > 0, len(h.QualityAlerts) > 0, h.RollbackInProgress:
		h.Status = StatusDegraded
	}
	return h
}

// TriggerManualRollback starts a gradual rollback with the given reason. It
// returns nil when one is already running or the reason is cooling down.
func (o *Orchestrator) TriggerManualRollback(reason string) *rollback.State {
	if o.c.Rollback == nil {
		return nil
	}
	return o.c.Rollback.TriggerManual(reason)
}

// CancelRollback aborts the running rollback, if any.
func (o *Orchestrator) CancelRollback() bool {
	if o.c.Rollback == nil {
		return false
	}
	return o.c.Rollback.Cancel()
}

// GetAuditEvents returns buffered audit events matching the filter.
func (o *Orchestrator) GetAuditEvents(filter audit.Filter) []*audit.Event {
	if o.c.Trail == nil {
		return nil
	}
	return o.c.Trail.GetEvents(filter)
}

// VerifyIntegrity recomputes hashes and chains over the buffered events.
func (o *Orchestrator) VerifyIntegrity() audit.VerifyResult {
	if o.c.Trail == nil {
		return audit.VerifyResult{Valid: true}
	}
	return o.c.Trail.VerifyIntegrity(o.c.Trail.GetEvents(audit.Filter{}))
}

// Stats aggregates subsystem counters for the admin stats endpoint.
type Stats struct {
	Monitor           monitor.Metrics `json:"monitor"`
	CacheSize         int             `json:"cache_size"`
	CacheHits         uint64          `json:"cache_hits"`
	CacheMisses       uint64          `json:"cache_misses"`
	CacheHitRate      float64         `json:"cache_hit_rate"`
	OptimizerCycles   uint64          `json:"optimizer_cycles"`
	BanditBuckets     int             `json:"bandit_buckets"`
	AuditLogged       uint64          `json:"audit_logged"`
	AuditBuffered     uint64          `json:"audit_buffered"`
	AuditSinkFailures uint64          `json:"audit_sink_failures"`
}

// StatsSnapshot collects counters from every wired subsystem. Unwired ones
// report zeros.
func (o *Orchestrator) StatsSnapshot() Stats {
	var s Stats
	if o.c.Monitor != nil {
		s.Monitor = o.c.Monitor.Snapshot()
	}
	if o.c.Cache != nil {
		s.CacheSize, s.CacheHits, s.CacheMisses = o.c.Cache.Stats()
		s.CacheHitRate = o.c.Cache.HitRate()
	}
	if o.c.Optimizer != nil {
		s.OptimizerCycles = o.c.Optimizer.Cycles()
	}
	if o.c.Bandit != nil {
		s.BanditBuckets = o.c.Bandit.BucketCount()
	}
	if o.c.Trail != nil {
		s.AuditLogged, s.AuditBuffered, s.AuditSinkFailures = o.c.Trail.Stats()
	}
	return s
}

// ValidateURL exposes the SSRF validator for admin checks, auditing blocks
// the same way the execution path does.
func (o *Orchestrator) ValidateURL(raw string) safety.URLResult {
	if o.c.URLs == nil {
		return safety.URLResult{Allowed: true}
	}
	res := o.c.URLs.Validate(raw)
	if !res.Allowed {
		o.auditLog(context.Background(), audit.Entry{
			Type: audit.EventSSRFViolation,
			Metadata: map[string]string{
				"host":     res.Host,
				"category": string(res.BlockedCategory),
			},
		})
	}
	return res
}
