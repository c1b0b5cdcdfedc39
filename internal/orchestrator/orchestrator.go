// Package orchestrator wires routing, safety, caching, fallback, audit, and
// monitoring into the single Execute entry point. It owns no policy of its
// own: every verdict comes from the component that specializes in it, and the
// façade only sequences them.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/modelplane/internal/audit"
	"github.com/jordanhubbard/modelplane/internal/bandit"
	"github.com/jordanhubbard/modelplane/internal/breaker"
	"github.com/jordanhubbard/modelplane/internal/cache"
	"github.com/jordanhubbard/modelplane/internal/capability"
	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/events"
	"github.com/jordanhubbard/modelplane/internal/fallback"
	"github.com/jordanhubbard/modelplane/internal/flags"
	"github.com/jordanhubbard/modelplane/internal/metrics"
	"github.com/jordanhubbard/modelplane/internal/monitor"
	"github.com/jordanhubbard/modelplane/internal/quality"
	"github.com/jordanhubbard/modelplane/internal/rollback"
	"github.com/jordanhubbard/modelplane/internal/route"
	"github.com/jordanhubbard/modelplane/internal/router"
	"github.com/jordanhubbard/modelplane/internal/safety"
	"github.com/jordanhubbard/modelplane/internal/tracing"
)

// Config tunes the façade.
type Config struct {
	// ProviderTimeout is the default invocation deadline when the request
	// carries no SLA. The effective deadline is min(slaMs, ProviderTimeout).
	ProviderTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{ProviderTimeout: 30 * time.Second}
}

// Components are the constructor dependencies. Matrix, Router, Fallback,
// Safety, Compliance, Trail, and Monitor are required; the rest degrade to
// no-ops when nil.
type Components struct {
	Matrix     *capability.Matrix
	Router     *router.Router
	Fallback   *fallback.Engine
	Cache      *cache.Cache
	Optimizer  *cache.Optimizer
	Safety     *safety.Checker
	URLs       *safety.URLValidator
	Compliance *safety.ComplianceValidator
	Trail      *audit.Trail
	Monitor    *monitor.Monitor
	Quality    *quality.Monitor
	Bandit     *bandit.Sampler
	Breakers   *breaker.Registry
	Rollback   *rollback.Manager
	Metrics    *metrics.Registry
	Flags      *flags.Store
	Bus        *events.Bus
}

// Orchestrator is the façade over all components.
type Orchestrator struct {
	cfg    Config
	c      Components
	clk    clock.Clock
	log    *slog.Logger
	tracer trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clk = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// New creates the façade.
func New(cfg Config, c Components, opts ...Option) *Orchestrator {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultConfig().ProviderTimeout
	}
	o := &Orchestrator{
		cfg:    cfg,
		c:      c,
		clk:    clock.Real(),
		log:    slog.Default(),
		tracer: tracing.Tracer("modelplane/orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// urlRe finds outbound URL candidates in tool descriptors.
var urlRe = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>\\]+`)

// Execute runs one request through the full pipeline: route, prompt safety,
// tool-URL validation, compliance, cache, fallback-wrapped invocation,
// response safety, cache store, quality assessment, audit, monitoring, and
// asynchronous bandit feedback.
func (o *Orchestrator) Execute(ctx context.Context, req route.Request) (route.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute")
	defer span.End()

	timeout := o.cfg.ProviderTimeout
	if req.Context.SLAMillis > 0 {
		if sla := time.Duration(req.Context.SLAMillis) * time.Millisecond; sla < timeout {
			timeout = sla
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.auditLog(ctx, audit.Entry{
		Type:        audit.EventRequestStart,
		RequestID:   req.ID,
		Content:     req.Prompt,
		ContentType: audit.ContentPrompt,
		UserID:      req.Context.UserID,
		Tenant:      req.Context.Tenant,
		Domain:      string(req.Context.Domain),
		PII:         req.Context.PII,
	})

	decision, err := o.routeStep(ctx, req)
	if err != nil {
		return o.fail(ctx, req, "", route.KindOf(err), err)
	}

	if err := o.promptSafetyStep(ctx, req); err != nil {
		return o.fail(ctx, req, "", route.KindOf(err), err)
	}
	if err := o.toolURLStep(ctx, req); err != nil {
		return o.fail(ctx, req, "", route.KindOf(err), err)
	}
	if err := o.complianceStep(ctx, req, decision); err != nil {
		return o.fail(ctx, req, decision.Provider, route.KindOf(err), err)
	}

	if resp, ok := o.cacheGetStep(ctx, req); ok {
		o.complete(ctx, req, resp, true)
		return resp, nil
	}

	resp, err := o.invokeStep(ctx, req, decision)
	if err != nil {
		return o.fail(ctx, req, decision.Provider, route.KindOf(err), err)
	}

	if err := o.responseSafetyStep(ctx, req, resp); err != nil {
		return o.fail(ctx, req, resp.Provider, route.KindOf(err), err)
	}

	o.cacheSetStep(ctx, req, resp)
	o.qualityStep(ctx, req, resp)
	o.complete(ctx, req, resp, false)
	return resp, nil
}

// Warm runs the invocation path for a cache warm-up: route and invoke, no
// audit chain or cache interaction. The optimizer stores the result itself.
func (o *Orchestrator) Warm(ctx context.Context, req route.Request) (route.Response, error) {
	d, err := o.c.Router.Route(req)
	if err != nil {
		return route.Response{}, err
	}
	return o.c.Fallback.Execute(ctx, req, d)
}

func (o *Orchestrator) routeStep(ctx context.Context, req route.Request) (route.Decision, error) {
	_, span := o.tracer.Start(ctx, "orchestrator.route")
	defer span.End()
	return o.c.Router.Route(req)
}

func (o *Orchestrator) promptSafetyStep(ctx context.Context, req route.Request) error {
	_, span := o.tracer.Start(ctx, "orchestrator.safety_prompt")
	defer span.End()

	res := o.c.Safety.CheckPrompt(req.Prompt)
	if res.HasPII() {
		o.auditLog(ctx, audit.Entry{
			Type:      audit.EventPIIDetection,
			RequestID: req.ID,
			Domain:    string(req.Context.Domain),
			Tenant:    req.Context.Tenant,
			PII:       true,
			PIITypes:  res.PIITypes(),
		})
	}
	if res.Allowed {
		return nil
	}
	o.recordBlock(ctx, req, "prompt", violationNames(res))
	return route.NewError(route.ErrSafetyRejectedInput, "prompt rejected by safety policy")
}

func (o *Orchestrator) toolURLStep(ctx context.Context, req route.Request) error {
	if o.c.URLs == nil || len(req.Tools) == 0 {
		return nil
	}
	_, span := o.tracer.Start(ctx, "orchestrator.ssrf")
	defer span.End()

	for _, tl := range req.Tools {
		for _, raw := range urlRe.FindAllString(tl.Description+" "+tl.SchemaJSON, -1) {
			res := o.c.URLs.Validate(raw)
			if res.Allowed {
				continue
			}
			o.auditLog(ctx, audit.Entry{
				Type:      audit.EventSSRFViolation,
				RequestID: req.ID,
				Domain:    string(req.Context.Domain),
				Metadata: map[string]string{
					"tool":     tl.Name,
					"host":     res.Host,
					"category": string(res.BlockedCategory),
				},
			})
			o.recordBlock(ctx, req, "ssrf", string(res.BlockedCategory))
			return route.NewError(route.ErrSSRFBlocked, "tool %s references blocked url (%s)", tl.Name, res.BlockedCategory)
		}
	}
	return nil
}

func (o *Orchestrator) complianceStep(ctx context.Context, req route.Request, d route.Decision) error {
	_, span := o.tracer.Start(ctx, "orchestrator.compliance")
	defer span.End()

	res := o.c.Compliance.Check(d.Provider, req.Context)
	status := audit.ComplianceCompliant
	if !res.Compliant {
		status = audit.ComplianceViolation
	}
	o.auditLog(ctx, audit.Entry{
		Type:       audit.EventComplianceCheck,
		RequestID:  req.ID,
		Provider:   string(d.Provider),
		ModelID:    d.ModelID,
		Domain:     string(req.Context.Domain),
		Tenant:     req.Context.Tenant,
		PII:        req.Context.PII,
		Compliance: status,
		Metadata:   map[string]string{"classification": string(res.Classification)},
	})
	if res.Compliant {
		return nil
	}
	o.recordBlock(ctx, req, "compliance", res.Reason)
	return route.NewError(route.ErrComplianceViolation, "route %s/%s not admissible: %s", d.Provider, d.ModelID, res.Reason)
}

func (o *Orchestrator) cacheGetStep(ctx context.Context, req route.Request) (route.Response, bool) {
	if o.c.Cache == nil {
		return route.Response{}, false
	}
	_, span := o.tracer.Start(ctx, "orchestrator.cache_get")
	defer span.End()

	resp, ok := o.c.Cache.Get(ctx, req)
	if o.c.Metrics != nil {
		if ok {
			o.c.Metrics.CacheHits.Inc()
		} else {
			o.c.Metrics.CacheMisses.Inc()
		}
	}
	if !ok {
		return route.Response{}, false
	}
	resp.RequestID = req.ID
	o.auditLog(ctx, audit.Entry{
		Type:      audit.EventCacheHit,
		RequestID: req.ID,
		Provider:  string(resp.Provider),
		ModelID:   resp.ModelID,
		Domain:    string(req.Context.Domain),
	})
	return resp, true
}

func (o *Orchestrator) invokeStep(ctx context.Context, req route.Request, d route.Decision) (route.Response, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.invoke")
	defer span.End()
	return o.c.Fallback.Execute(ctx, req, d)
}

func (o *Orchestrator) responseSafetyStep(ctx context.Context, req route.Request, resp route.Response) error {
	if resp.Text == "" {
		return nil
	}
	_, span := o.tracer.Start(ctx, "orchestrator.safety_response")
	defer span.End()

	res := o.c.Safety.CheckResponse(resp.Text)
	if res.Allowed {
		return nil
	}
	o.recordBlock(ctx, req, "response", violationNames(res))
	return route.NewError(route.ErrSafetyRejectedOutput, "response rejected by safety policy")
}

func (o *Orchestrator) cacheSetStep(ctx context.Context, req route.Request, resp route.Response) {
	if o.c.Cache == nil || !resp.Success || resp.Cached {
		return
	}
	_, span := o.tracer.Start(ctx, "orchestrator.cache_set")
	defer span.End()

	if err := o.c.Cache.Set(ctx, req, resp); err != nil {
		// cache_unavailable is non-fatal: log and continue.
		o.log.Warn("cache store failed", "request_id", req.ID, "error", err)
		return
	}
	o.auditLog(ctx, audit.Entry{
		Type:      audit.EventCacheStore,
		RequestID: req.ID,
		Provider:  string(resp.Provider),
		ModelID:   resp.ModelID,
		Domain:    string(req.Context.Domain),
	})
}

func (o *Orchestrator) qualityStep(ctx context.Context, req route.Request, resp route.Response) {
	if o.c.Quality == nil || !resp.Success {
		return
	}
	_, span := o.tracer.Start(ctx, "orchestrator.quality")
	defer span.End()

	a := o.c.Quality.Assess(req, resp)
	o.auditLog(ctx, audit.Entry{
		Type:      audit.EventQualityAssessment,
		RequestID: req.ID,
		Provider:  string(resp.Provider),
		ModelID:   resp.ModelID,
		Metadata:  map[string]string{"score": formatScore(a.Score)},
	})
}

// complete finishes the success path: terminal audit event, monitor sample,
// request metrics, optimizer analysis, async bandit feedback.
func (o *Orchestrator) complete(ctx context.Context, req route.Request, resp route.Response, cacheHit bool) {
	o.auditLog(ctx, audit.Entry{
		Type:        audit.EventRequestComplete,
		RequestID:   req.ID,
		Provider:    string(resp.Provider),
		ModelID:     resp.ModelID,
		Content:     resp.Text,
		ContentType: audit.ContentResponse,
		Domain:      string(req.Context.Domain),
		Tenant:      req.Context.Tenant,
		PII:         req.Context.PII,
		LatencyMs:   resp.LatencyMs,
		CostEuro:    resp.CostEuro,
		TokensUsed:  resp.TokensUsed,
		Compliance:  audit.ComplianceCompliant,
	})

	if o.c.Monitor != nil {
		o.c.Monitor.Record(monitor.Sample{
			Timestamp: o.clk.Now(),
			Provider:  resp.Provider,
			ModelID:   resp.ModelID,
			LatencyMs: resp.LatencyMs,
			CostEuro:  resp.CostEuro,
			Success:   resp.Success,
			Cached:    resp.Cached,
		})
	}
	if o.c.Metrics != nil {
		status := "ok"
		if !resp.Success {
			status = "error"
		}
		o.c.Metrics.RequestsTotal.WithLabelValues(string(resp.Provider), resp.ModelID, string(req.Context.Domain), status).Inc()
		o.c.Metrics.RequestLatency.WithLabelValues(string(resp.Provider), resp.ModelID).Observe(float64(resp.LatencyMs))
		if resp.CostEuro > 0 {
			o.c.Metrics.CostEuro.WithLabelValues(resp.ModelID, string(resp.Provider)).Add(resp.CostEuro)
		}
	}
	if o.c.Optimizer != nil {
		o.c.Optimizer.Analyze(req, resp, cacheHit)
	}

	// Bandit feedback happens off the request path; the fallback
	// pseudo-provider and cache hits carry no signal about live arms.
	if o.c.Bandit != nil && !resp.Cached && resp.Provider != route.ProviderFallback {
		bucket := bandit.BucketFor(req.Context.Domain, req.Context.BudgetTier, req.Context.RequireTools)
		reward := bandit.Success(resp, req.Context.SLAMillis)
		go o.c.Bandit.Record(bucket, resp.Provider, reward, resp.CostEuro, resp.LatencyMs)
	}
}

// BanditFeedback returns a fallback attempt observer that penalizes failed
// provider attempts in the sampler, so arms that keep erroring lose traffic
// even when every request ends degraded. Successful attempts are not rewarded
// here: the reward is attributed on completion, after safety and quality
// checks accept the response.
func BanditFeedback(b *bandit.Sampler) fallback.AttemptObserver {
	return func(req route.Request, provider route.Provider, _ string, success bool, latencyMs int64) {
		if b == nil || success {
			return
		}
		bucket := bandit.BucketFor(req.Context.Domain, req.Context.BudgetTier, req.Context.RequireTools)
		b.Record(bucket, provider, false, 0, latencyMs)
	}
}

// fail finishes an error path: terminal audit event, monitor sample, and
// error metrics. provider is the last one attempted, empty when the request
// never reached an invocation. The returned response carries the kind and
// request id so callers can surface both; the error is tagged with the
// request id as well.
func (o *Orchestrator) fail(ctx context.Context, req route.Request, provider route.Provider, kind route.ErrorKind, err error) (route.Response, error) {
	var rerr *route.Error
	if errors.As(err, &rerr) && rerr.RequestID == "" {
		rerr.RequestID = req.ID
	}
	o.auditLog(ctx, audit.Entry{
		Type:      audit.EventRequestError,
		RequestID: req.ID,
		Provider:  string(provider),
		Domain:    string(req.Context.Domain),
		Tenant:    req.Context.Tenant,
		PII:       req.Context.PII,
		ErrorKind: string(kind),
	})
	if o.c.Monitor != nil {
		// Error-rate and availability SLOs watch live traffic; a failed
		// request is a sample like any other.
		o.c.Monitor.Record(monitor.Sample{
			Timestamp: o.clk.Now(),
			Provider:  provider,
			Success:   false,
		})
	}
	if o.c.Metrics != nil {
		o.c.Metrics.RequestsTotal.WithLabelValues(string(provider), "", string(req.Context.Domain), "error").Inc()
	}
	return route.Response{
		RequestID: req.ID,
		Success:   false,
		ErrorKind: kind,
	}, err
}

// recordBlock is shared bookkeeping for every hard block: safety counter,
// bus event, audit entry.
func (o *Orchestrator) recordBlock(ctx context.Context, req route.Request, stage, violation string) {
	if o.c.Metrics != nil {
		o.c.Metrics.SafetyBlocks.WithLabelValues(stage, violation).Inc()
	}
	if o.c.Bus != nil {
		o.c.Bus.Publish(events.Event{
			Type:      events.EventSafetyBlock,
			RequestID: req.ID,
			Reason:    stage + ": " + violation,
		})
	}
	if stage == "prompt" || stage == "response" {
		o.auditLog(ctx, audit.Entry{
			Type:      audit.EventSafetyViolation,
			RequestID: req.ID,
			Domain:    string(req.Context.Domain),
			Metadata:  map[string]string{"stage": stage, "violations": violation},
		})
	}
}

func (o *Orchestrator) auditLog(ctx context.Context, entry audit.Entry) {
	if o.c.Trail == nil {
		return
	}
	if _, err := o.c.Trail.Log(ctx, entry); err != nil {
		// audit_sink_unavailable is non-fatal: the event is chained and
		// buffered, only the sink write failed.
		o.log.Warn("audit emit failed", "request_id", entry.RequestID, "type", string(entry.Type), "error", err)
	}
}

func violationNames(res safety.Result) string {
	if len(res.Violations) == 0 {
		return "policy"
	}
	out := string(res.Violations[0].Type)
	for _, v := range res.Violations[1:] {
		out += "," + string(v.Type)
	}
	return out
}

func formatScore(score float64) string {
	// Two decimals is enough resolution for the audit metadata.
	return strconv.FormatFloat(score, 'f', 2, 64)
}
