// Package router turns a request context into a route decision: which
// provider and model should serve the prompt. Selection runs a fixed policy
// pipeline (feasibility, budget, affinity scoring, bandit override) and is
// deterministic for equal inputs apart from the bandit's sampled suggestion.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jordanhubbard/modelplane/internal/bandit"
	"github.com/jordanhubbard/modelplane/internal/capability"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// Default scoring penalties. Affinity dominates; latency matters more than
// cost at equal affinity.
const (
	defaultLatencyPenalty = 0.3
	defaultCostPenalty    = 0.2
)

// BreakerGate answers whether a provider may receive traffic right now.
type BreakerGate interface {
	Allow(p route.Provider) bool
}

// allowAll is the gate used when no breaker registry is wired.
type allowAll struct{}

func (allowAll) Allow(route.Provider) bool { return true }

// Suggester is the slice of the bandit the router consumes.
type Suggester interface {
	Choose(b bandit.Bucket, arms []route.Provider) (route.Provider, bool)
}

// Router selects models from the capability matrix.
type Router struct {
	matrix   *capability.Matrix
	breakers BreakerGate
	sampler  Suggester
	log      *slog.Logger

	latencyPenalty float64
	costPenalty    float64

	mu        sync.RWMutex
	weights   map[string]float64
	overrides map[string]string
}

// Option configures a Router.
type Option func(*Router)

// WithBreakers wires the circuit-breaker gate into the feasibility filter.
func WithBreakers(g BreakerGate) Option {
	return func(r *Router) {
		if g != nil {
			r.breakers = g
		}
	}
}

// WithBandit wires the Thompson sampler for the override step.
func WithBandit(s Suggester) Option {
	return func(r *Router) { r.sampler = s }
}

// WithPenalties overrides the latency and cost scoring penalties.
func WithPenalties(latency, cost float64) Option {
	return func(r *Router) {
		r.latencyPenalty = latency
		r.costPenalty = cost
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates a Router over the given matrix.
func New(matrix *capability.Matrix, opts ...Option) *Router {
	r := &Router{
		matrix:         matrix,
		breakers:       allowAll{},
		log:            slog.Default(),
		latencyPenalty: defaultLatencyPenalty,
		costPenalty:    defaultCostPenalty,
		weights:        make(map[string]float64),
		overrides:      make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route produces a decision for the request, or a terminal routing error.
func (r *Router) Route(req route.Request) (route.Decision, error) {
	estimate := route.EstimateTokens(req)
	all := r.matrix.All()
	if len(all) == 0 {
		return route.Decision{}, route.NewError(route.ErrNoFeasibleModel, "capability matrix is empty")
	}

	// Feasibility: token fit and tool support first, breakers second, so an
	// all-breakers-open outage is distinguishable from an unroutable request.
	fit := make([]route.Capability, 0, len(all))
	for _, c := range all {
		if c.ContextTokens < estimate {
			continue
		}
		if req.Context.RequireTools && !c.SupportsTools {
			continue
		}
		fit = append(fit, c)
	}
	if len(fit) == 0 {
		return route.Decision{}, route.NewError(route.ErrNoFeasibleModel,
			"no model fits %d estimated tokens (require_tools=%v)", estimate, req.Context.RequireTools)
	}
	candidates := make([]route.Capability, 0, len(fit))
	for _, c := range fit {
		if r.breakers.Allow(c.Provider) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return route.Decision{}, route.NewError(route.ErrAllProvidersUnavailable,
			"every feasible provider's breaker is open")
	}

	candidates = budgetFilter(candidates, req.Context.BudgetTier)

	// Rollback's model swap pins a model per domain; honor it when feasible.
	if pinned := r.overrideFor(req.Context.Domain); pinned != "" {
		for _, c := range candidates {
			if c.ModelID == pinned {
				return r.decision(req, c, fmt.Sprintf("override domain=%s model=%s", req.Context.Domain, pinned)), nil
			}
		}
	}

	scored := r.score(candidates, req.Context.Domain)
	top := scored[0]

	chosen := top
	reason := fmt.Sprintf("score top=%s/%s", top.cap.Provider, top.cap.ModelID)
	if r.sampler != nil {
		bucket := bandit.BucketFor(req.Context.Domain, req.Context.BudgetTier, req.Context.RequireTools)
		if suggested, ok := r.sampler.Choose(bucket, providersOf(candidates)); ok {
			if best, found := bestForProvider(scored, suggested); found {
				chosen = best
			}
			reason = fmt.Sprintf("bandit=%s chosen=%s/%s score_top=%s/%s",
				suggested, chosen.cap.Provider, chosen.cap.ModelID, top.cap.Provider, top.cap.ModelID)
		}
	}

	return r.decision(req, chosen.cap, reason), nil
}

func (r *Router) decision(req route.Request, c route.Capability, reason string) route.Decision {
	return route.Decision{
		Provider:    c.Provider,
		ModelID:     c.ModelID,
		Temperature: temperatureFor(req.Context.Domain),
		Tools:       req.Tools,
		Reason:      reason,
	}
}

// AvailableModels lists the models a context could route to, ignoring the
// transient breaker state. Read-only introspection.
func (r *Router) AvailableModels(ctx route.Context) []route.Capability {
	var fit []route.Capability
	for _, c := range r.matrix.All() {
		if ctx.RequireTools && !c.SupportsTools {
			continue
		}
		fit = append(fit, c)
	}
	return budgetFilter(fit, ctx.BudgetTier)
}

// UpdateCapability applies an admin partial update; it takes effect for the
// next Route call.
func (r *Router) UpdateCapability(provider route.Provider, modelID string, p capability.Partial) (route.Capability, error) {
	c, err := r.matrix.Update(provider, modelID, p)
	if err != nil {
		return route.Capability{}, err
	}
	r.log.Info("capability updated", "provider", provider, "model_id", modelID)
	return c, nil
}

// budgetFilter drops the most expensive tertile for low-budget requests and
// the cheapest tertile for high-budget ones.
func budgetFilter(candidates []route.Capability, tier route.BudgetTier) []route.Capability {
	drop := len(candidates) / 3
	if drop == 0 || (tier != route.BudgetLow && tier != route.BudgetHigh) {
		return candidates
	}
	byCost := append([]route.Capability(nil), candidates...)
	sort.Slice(byCost, func(i, j int) bool {
		if byCost[i].BlendedCost() != byCost[j].BlendedCost() {
			return byCost[i].BlendedCost() < byCost[j].BlendedCost()
		}
		return byCost[i].ModelID < byCost[j].ModelID
	})
	if tier == route.BudgetLow {
		return byCost[:len(byCost)-drop]
	}
	return byCost[drop:]
}

type scoredCap struct {
	cap   route.Capability
	score float64
}

// score ranks candidates by affinity minus normalized latency and cost
// penalties, best first, with a deterministic tie-break.
func (r *Router) score(candidates []route.Capability, domain route.Domain) []scoredCap {
	var maxLatency, maxCost float64
	for _, c := range candidates {
		if l := float64(c.DefaultLatencyMs); l > maxLatency {
			maxLatency = l
		}
		if bc := c.BlendedCost(); bc > maxCost {
			maxCost = bc
		}
	}

	r.mu.RLock()
	weights := r.weights
	out := make([]scoredCap, 0, len(candidates))
	for _, c := range candidates {
		s := affinity(domain, c)
		if w, ok := weights[string(c.Provider)]; ok {
			s *= w
		}
		if maxLatency > 0 {
			s -= r.latencyPenalty * float64(c.DefaultLatencyMs) / maxLatency
		}
		if maxCost > 0 {
			s -= r.costPenalty * c.BlendedCost() / maxCost
		}
		out = append(out, scoredCap{cap: c, score: s})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		ci, cj := out[i].cap, out[j].cap
		if ci.DefaultLatencyMs != cj.DefaultLatencyMs {
			return ci.DefaultLatencyMs < cj.DefaultLatencyMs
		}
		if ci.BlendedCost() != cj.BlendedCost() {
			return ci.BlendedCost() < cj.BlendedCost()
		}
		return ci.ModelID < cj.ModelID
	})
	return out
}

// providerAffinity is the static domain-to-provider base table.
var providerAffinity = map[route.Domain]map[route.Provider]float64{
	route.DomainGeneral:  {route.ProviderAWS: 0.6, route.ProviderGoogle: 0.7, route.ProviderMeta: 0.6},
	route.DomainCulinary: {route.ProviderAWS: 0.6, route.ProviderGoogle: 0.6, route.ProviderMeta: 0.7},
	route.DomainSupport:  {route.ProviderAWS: 0.7, route.ProviderGoogle: 0.6, route.ProviderMeta: 0.6},
	route.DomainLegal:    {route.ProviderAWS: 0.7, route.ProviderGoogle: 0.8, route.ProviderMeta: 0.5},
	route.DomainMedical:  {route.ProviderAWS: 0.7, route.ProviderGoogle: 0.8, route.ProviderMeta: 0.5},
}

// affinity combines the static table with capability-derived adjustments:
// long-context models get a bonus for document-heavy domains.
func affinity(domain route.Domain, c route.Capability) float64 {
	base := 0.6
	if row, ok := providerAffinity[domain]; ok {
		if v, ok := row[c.Provider]; ok {
			base = v
		}
	}
	if (domain == route.DomainLegal || domain == route.DomainMedical) && c.ContextTokens >= 32000 {
		base += 0.1
	}
	return base
}

// temperatureFor keeps regulated domains conservative.
func temperatureFor(domain route.Domain) float64 {
	switch domain {
	case route.DomainLegal, route.DomainMedical:
		return 0.2
	case route.DomainSupport:
		return 0.3
	default:
		return 0.7
	}
}

func providersOf(candidates []route.Capability) []route.Provider {
	seen := make(map[route.Provider]struct{}, len(candidates))
	var out []route.Provider
	for _, c := range candidates {
		if _, ok := seen[c.Provider]; ok {
			continue
		}
		seen[c.Provider] = struct{}{}
		out = append(out, c.Provider)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// bestForProvider returns the highest-scored candidate from one provider.
func bestForProvider(scored []scoredCap, p route.Provider) (scoredCap, bool) {
	for _, s := range scored {
		if s.cap.Provider == p {
			return s, true
		}
	}
	return scoredCap{}, false
}

func (r *Router) overrideFor(domain route.Domain) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overrides[string(domain)]
}

// CurrentWeights returns the provider weight map. Part of the rollback
// manager's routing-control surface.
func (r *Router) CurrentWeights() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.weights))
	for k, v := range r.weights {
		out[k] = v
	}
	return out
}

// ApplyWeights replaces the provider weight map.
func (r *Router) ApplyWeights(w map[string]float64) {
	cp := make(map[string]float64, len(w))
	for k, v := range w {
		cp[k] = v
	}
	r.mu.Lock()
	r.weights = cp
	r.mu.Unlock()
	r.log.Info("provider weights applied", "count", len(cp))
}

// CurrentOverrides returns the per-domain model pins.
func (r *Router) CurrentOverrides() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.overrides))
	for k, v := range r.overrides {
		out[k] = v
	}
	return out
}

// ApplyOverrides replaces the per-domain model pins.
func (r *Router) ApplyOverrides(o map[string]string) {
	cp := make(map[string]string, len(o))
	for k, v := range o {
		cp[k] = v
	}
	r.mu.Lock()
	r.overrides = cp
	r.mu.Unlock()
	r.log.Info("model overrides applied", "count", len(cp))
}

// RoutingRules describes the active policy pipeline for snapshots.
func (r *Router) RoutingRules() map[string]string {
	return map[string]string{
		"pipeline":  "feasibility,budget,affinity,bandit",
		"tie_break": "latency,cost,model_id",
	}
}
