// Package fallback wraps provider invocation with retry, circuit-breaker
// accounting, error-kind-aware rerouting, and last-resort degradation. Every
// outbound call the orchestrator makes goes through this engine.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jordanhubbard/modelplane/internal/breaker"
	"github.com/jordanhubbard/modelplane/internal/cache"
	"github.com/jordanhubbard/modelplane/internal/capability"
	"github.com/jordanhubbard/modelplane/internal/invoke"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// Mode selects what the engine answers with once every attempt has failed.
type Mode string

const (
	// ModeFastAnswer returns a static per-domain answer.
	ModeFastAnswer Mode = "fast_answer"
	// ModeCachedResponse returns a semantically close cache entry when one
	// exists, then falls back to the static answer.
	ModeCachedResponse Mode = "cached_response"
	// ModeSimplifiedModel retries once on the minimum-capability model, then
	// falls back to the static answer.
	ModeSimplifiedModel Mode = "simplified_model"
)

// Config tunes the engine.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	Mode          Mode
	MinSimilarity float64
}

// DefaultConfig returns three attempts with 100ms exponential backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		Mode:          ModeFastAnswer,
		MinSimilarity: 0.8,
	}
}

// AttemptObserver sees the outcome of every real provider attempt, including
// the retries a degraded request burned through. Feedback loops hang off this
// hook; breaker accounting does not.
type AttemptObserver func(req route.Request, provider route.Provider, modelID string, success bool, latencyMs int64)

// Engine is the fallback engine.
type Engine struct {
	cfg      Config
	invoker  invoke.Invoker
	breakers *breaker.Registry
	matrix   *capability.Matrix
	cache    *cache.Cache
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	observe  AttemptObserver
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache enables the cached_response degradation mode's near-match lookup.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithSleep overrides the backoff sleeper; tests make it instantaneous.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithObserver registers fn to be called after every provider attempt.
func WithObserver(fn AttemptObserver) Option {
	return func(e *Engine) { e.observe = fn }
}

// New creates an Engine. invoker, breakers and matrix are required.
func New(cfg Config, invoker invoke.Invoker, breakers *breaker.Registry, matrix *capability.Matrix, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = def.MinSimilarity
	}
	e := &Engine{
		cfg:      cfg,
		invoker:  invoker,
		breakers: breakers,
		matrix:   matrix,
		log:      slog.Default(),
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs the decision through the retry ladder. It returns an error
// only for fatal kinds; everything else ends in a degraded response.
func (e *Engine) Execute(ctx context.Context, req route.Request, d route.Decision) (route.Response, error) {
	target, ok := e.matrix.Get(d.Provider, d.ModelID)
	if !ok {
		return route.Response{}, route.NewError(route.ErrInternalInvariant,
			"decision names unregistered model %s/%s", d.Provider, d.ModelID)
	}

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if !e.breakers.Allow(target.Provider) {
			// Open breaker: skip the call, pick an alternate, spend the
			// attempt.
			next, found := e.alternate(req, target, route.ErrProviderUnavailable)
			if !found {
				break
			}
			target = next
			continue
		}

		resp, err := e.invoker.Invoke(ctx, target.Provider, target.ModelID, req.Prompt, req.Tools)
		kind := classify(resp, err)
		e.notify(req, target.Provider, target.ModelID, kind == "", resp.LatencyMs)
		if kind == "" {
			e.breakers.For(target.Provider).RecordSuccess()
			if resp.RequestID == "" {
				resp.RequestID = req.ID
			}
			return resp, nil
		}

		switch kind {
		case route.ErrAuthorizationRefused:
			return route.Response{}, route.NewError(route.ErrAuthorizationRefused,
				"provider %s refused authorization", target.Provider)
		case route.ErrQualityThreshold:
			// Post-response reject: not a provider fault, no retry.
			return e.degrade(ctx, req, kind)
		}

		e.breakers.For(target.Provider).RecordFailure()
		e.log.Warn("invocation failed",
			"provider", target.Provider,
			"model_id", target.ModelID,
			"kind", kind,
			"attempt", attempt)

		if attempt == e.cfg.MaxAttempts {
			break
		}
		if next, found := e.alternate(req, target, kind); found {
			target = next
		}
		if err := e.sleep(ctx, e.cfg.BaseDelay<<(attempt-1)); err != nil {
			break
		}
	}
	return e.degrade(ctx, req, route.ErrProviderUnavailable)
}

func (e *Engine) notify(req route.Request, p route.Provider, modelID string, success bool, latencyMs int64) {
	if e.observe != nil {
		e.observe(req, p, modelID, success, latencyMs)
	}
}

// classify reduces an invocation outcome to an error kind; "" is success.
func classify(resp route.Response, err error) route.ErrorKind {
	if err != nil {
		return route.KindOf(err)
	}
	if resp.Success {
		return ""
	}
	if resp.ErrorKind != "" {
		return resp.ErrorKind
	}
	return route.ErrProviderUnavailable
}

// alternate picks the next target by error kind: timeouts go to the fastest
// feasible alternate, quota exhaustion to the cheapest, everything else to
// the most capable. The failing provider is excluded.
func (e *Engine) alternate(req route.Request, failing route.Capability, kind route.ErrorKind) (route.Capability, bool) {
	estimate := route.EstimateTokens(req)
	var candidates []route.Capability
	for _, c := range e.matrix.All() {
		if c.Provider == failing.Provider {
			continue
		}
		if c.ContextTokens < estimate {
			continue
		}
		if req.Context.RequireTools && !c.SupportsTools {
			continue
		}
		// Selection must not consume half-open probe slots, so it reads the
		// state instead of calling Allow.
		if e.breakers.For(c.Provider).CurrentState() != breaker.Closed {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return route.Capability{}, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best, kind) {
			best = c
		}
	}
	return best, true
}

func better(a, b route.Capability, kind route.ErrorKind) bool {
	switch kind {
	case route.ErrProviderTimeout:
		if a.DefaultLatencyMs != b.DefaultLatencyMs {
			return a.DefaultLatencyMs < b.DefaultLatencyMs
		}
	case route.ErrProviderQuotaExceeded:
		if a.BlendedCost() != b.BlendedCost() {
			return a.BlendedCost() < b.BlendedCost()
		}
	default:
		if a.ContextTokens != b.ContextTokens {
			return a.ContextTokens > b.ContextTokens
		}
	}
	return a.ModelID < b.ModelID
}

// fastAnswers are the static degraded responses, keyed by domain.
var fastAnswers = map[route.Domain]string{
	route.DomainGeneral:  "I can't reach the full service right now. Please retry in a moment.",
	route.DomainCulinary: "The recipe assistant is briefly unavailable. Please retry shortly; your request was not lost.",
	route.DomainSupport:  "Our assistant is temporarily degraded. Your request has been noted; please retry or contact support directly.",
	route.DomainLegal:    "The service is temporarily unavailable. No legal guidance can be provided right now; please retry later.",
	route.DomainMedical:  "The service is temporarily unavailable. For urgent medical questions contact a healthcare professional.",
}

// degrade produces the configured reduced-quality answer.
func (e *Engine) degrade(ctx context.Context, req route.Request, kind route.ErrorKind) (route.Response, error) {
	switch e.cfg.Mode {
	case ModeCachedResponse:
		if e.cache != nil {
			if resp, ok := e.cache.NearMatch(req.Context.Domain, req.Prompt, e.cfg.MinSimilarity); ok {
				resp.RequestID = req.ID
				e.log.Info("degraded to near-match cache entry", "domain", req.Context.Domain, "kind", kind)
				return resp, nil
			}
		}
	case ModeSimplifiedModel:
		if c, ok := e.simplestModel(req); ok {
			resp, err := e.invoker.Invoke(ctx, c.Provider, c.ModelID, req.Prompt, req.Tools)
			e.notify(req, c.Provider, c.ModelID, err == nil && resp.Success, resp.LatencyMs)
			if err == nil && resp.Success {
				e.breakers.For(c.Provider).RecordSuccess()
				resp.RequestID = req.ID
				e.log.Info("degraded to simplified model", "provider", c.Provider, "model_id", c.ModelID)
				return resp, nil
			}
		}
	}
	return e.fastAnswer(req, kind), nil
}

// simplestModel returns the minimum-capability model that still fits the
// request, ignoring the failing history but honoring breakers.
func (e *Engine) simplestModel(req route.Request) (route.Capability, bool) {
	estimate := route.EstimateTokens(req)
	var best route.Capability
	var found bool
	for _, c := range e.matrix.All() {
		if c.ContextTokens < estimate {
			continue
		}
		if req.Context.RequireTools && !c.SupportsTools {
			continue
		}
		if e.breakers.For(c.Provider).CurrentState() != breaker.Closed {
			continue
		}
		if !found || simpler(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

func simpler(a, b route.Capability) bool {
	if a.ContextTokens != b.ContextTokens {
		return a.ContextTokens < b.ContextTokens
	}
	if a.BlendedCost() != b.BlendedCost() {
		return a.BlendedCost() < b.BlendedCost()
	}
	return a.ModelID < b.ModelID
}

func (e *Engine) fastAnswer(req route.Request, kind route.ErrorKind) route.Response {
	text, ok := fastAnswers[req.Context.Domain]
	if !ok {
		text = fastAnswers[route.DomainGeneral]
	}
	e.log.Warn("all attempts exhausted, returning fast answer",
		"domain", req.Context.Domain, "kind", kind)
	return route.Response{
		Provider:  route.ProviderFallback,
		ModelID:   fmt.Sprintf("fast-answer/%s", req.Context.Domain),
		Text:      text,
		Success:   true,
		RequestID: req.ID,
	}
}
