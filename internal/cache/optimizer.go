package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/events"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// WarmupStrategy picks how the optimizer obtains a response for an uncached
// frequent pattern.
type WarmupStrategy string

const (
	// WarmupLive sends the pattern through the real invocation path once.
	WarmupLive WarmupStrategy = "live"
	// WarmupSynthetic inserts the last known-good response for the pattern.
	WarmupSynthetic WarmupStrategy = "synthetic"
)

// OptimizerConfig enumerates the recognized optimizer options.
type OptimizerConfig struct {
	FrequentQueryThreshold int
	TargetHitRate          float64
	WarmupBatchSize        int
	RefreshThreshold       float64
	AnalysisWindow         time.Duration
	Interval               time.Duration
	Strategy               WarmupStrategy
}

// DefaultOptimizerConfig returns the production optimizer defaults.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		FrequentQueryThreshold: 5,
		TargetHitRate:          0.8,
		WarmupBatchSize:        8,
		RefreshThreshold:       0.25,
		AnalysisWindow:         24 * time.Hour,
		Interval:               30 * time.Minute,
		Strategy:               WarmupLive,
	}
}

// Pattern is the per-normalized-prompt statistic the optimizer maintains.
type Pattern struct {
	NormPrompt     string         `json:"norm_prompt"`
	OriginalPrompt string         `json:"original_prompt"`
	Frequency      int            `json:"frequency"`
	LastSeen       time.Time      `json:"last_seen"`
	AvgLatencyMs   float64        `json:"avg_latency_ms"`
	EstCostEuro    float64        `json:"est_cost_euro"`
	Domains        []route.Domain `json:"domains"`
	Intents        []string       `json:"intents,omitempty"`
}

// pattern is the mutable internal form.
type pattern struct {
	originalPrompt string
	request        route.Request
	frequency      int
	lastSeen       time.Time
	avgLatencyMs   float64
	estCostEuro    float64
	domains        map[route.Domain]struct{}
	intents        map[string]struct{}

	// lastGood is the most recent successful response, the synthetic
	// warm-up source.
	lastGood *route.Response

	// frequent-set hit accounting since the last cycle.
	hits   int
	misses int
}

// Warmer produces one response for a pattern when the live strategy runs.
// The orchestrator's invocation path implements this.
type Warmer interface {
	Warm(ctx context.Context, req route.Request) (route.Response, error)
}

// WarmerFunc adapts a function to Warmer.
type WarmerFunc func(ctx context.Context, req route.Request) (route.Response, error)

func (f WarmerFunc) Warm(ctx context.Context, req route.Request) (route.Response, error) {
	return f(ctx, req)
}

// Optimizer observes the live request stream and keeps the cache hot for
// frequent queries. One background task runs cycles; it never holds a lock
// across an invocation.
type Optimizer struct {
	cfg    OptimizerConfig
	cache  *Cache
	clk    clock.Clock
	log    *slog.Logger
	warmer Warmer
	bus    *events.Bus
	group  singleflight.Group

	mu       sync.Mutex
	patterns map[string]*pattern
	cycles   uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	kick     chan struct{}
}

// OptimizerOption configures an Optimizer.
type OptimizerOption func(*Optimizer)

// WithOptimizerClock overrides the time source.
func WithOptimizerClock(c clock.Clock) OptimizerOption {
	return func(o *Optimizer) {
		if c != nil {
			o.clk = c
		}
	}
}

// WithWarmer sets the live warm-up path.
func WithWarmer(w Warmer) OptimizerOption {
	return func(o *Optimizer) { o.warmer = w }
}

// WithOptimizerLogger sets the logger.
func WithOptimizerLogger(l *slog.Logger) OptimizerOption {
	return func(o *Optimizer) {
		if l != nil {
			o.log = l
		}
	}
}

// WithOptimizerEventBus publishes cache_warmup events per cycle.
func WithOptimizerEventBus(bus *events.Bus) OptimizerOption {
	return func(o *Optimizer) { o.bus = bus }
}

// NewOptimizer creates an Optimizer bound to a cache.
func NewOptimizer(cfg OptimizerConfig, c *Cache, opts ...OptimizerOption) *Optimizer {
	def := DefaultOptimizerConfig()
	if cfg.FrequentQueryThreshold <= 0 {
		cfg.FrequentQueryThreshold = def.FrequentQueryThreshold
	}
	if cfg.TargetHitRate <= 0 || cfg.TargetHitRate > 1 {
		cfg.TargetHitRate = def.TargetHitRate
	}
	if cfg.WarmupBatchSize <= 0 {
		cfg.WarmupBatchSize = def.WarmupBatchSize
	}
	if cfg.RefreshThreshold <= 0 || cfg.RefreshThreshold >= 1 {
		cfg.RefreshThreshold = def.RefreshThreshold
	}
	if cfg.AnalysisWindow <= 0 {
		cfg.AnalysisWindow = def.AnalysisWindow
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	o := &Optimizer{
		cfg:      cfg,
		cache:    c,
		clk:      clock.Real(),
		log:      slog.Default(),
		patterns: make(map[string]*pattern),
		stopCh:   make(chan struct{}),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Analyze records one observed request and its outcome. cacheHit says whether
// the cache served it; the frequent-set hit rate is computed from these
// observations, separately from the global rate.
func (o *Optimizer) Analyze(req route.Request, resp route.Response, cacheHit bool) {
	norm := NormalizePrompt(req.Prompt)
	if norm == "" {
		return
	}
	now := o.clk.Now()

	o.mu.Lock()
	p, ok := o.patterns[norm]
	if !ok {
		p = &pattern{
			originalPrompt: req.Prompt,
			request:        req,
			domains:        make(map[route.Domain]struct{}),
			intents:        make(map[string]struct{}),
		}
		o.patterns[norm] = p
	}
	p.frequency++
	p.lastSeen = now
	p.domains[req.Context.Domain] = struct{}{}
	if req.Context.Intent != "" {
		p.intents[req.Context.Intent] = struct{}{}
	}
	// EWMA with a 0.2 step keeps the average responsive without thrash.
	if p.avgLatencyMs == 0 {
		p.avgLatencyMs = float64(resp.LatencyMs)
	} else {
		p.avgLatencyMs += 0.2 * (float64(resp.LatencyMs) - p.avgLatencyMs)
	}
	if resp.CostEuro > 0 {
		p.estCostEuro = resp.CostEuro
	}
	if resp.Success && !resp.Cached {
		cp := resp
		p.lastGood = &cp
	}
	frequent := p.frequency >= o.cfg.FrequentQueryThreshold
	if frequent {
		if cacheHit {
			p.hits++
		} else {
			p.misses++
		}
	}
	rate, sampled := o.frequentHitRateLocked()
	o.mu.Unlock()

	// On-demand cycle when the frequent-set rate sags well under target.
	if sampled && rate < 0.6*o.cfg.TargetHitRate {
		select {
		case o.kick <- struct{}{}:
		default:
		}
	}
}

// frequentHitRateLocked computes the hit rate over frequent patterns since
// the counters were last reset. Caller holds o.mu.
func (o *Optimizer) frequentHitRateLocked() (float64, bool) {
	var hits, total int
	for _, p := range o.patterns {
		if p.frequency < o.cfg.FrequentQueryThreshold {
			continue
		}
		hits += p.hits
		total += p.hits + p.misses
	}
	if total == 0 {
		return 0, false
	}
	return float64(hits) / float64(total), true
}

// FrequentHitRate reports the monitored frequent-set hit rate; ok is false
// before any frequent pattern was observed.
func (o *Optimizer) FrequentHitRate() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frequentHitRateLocked()
}

// Patterns returns the tracked patterns ordered by descending frequency.
func (o *Optimizer) Patterns() []Pattern {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Pattern, 0, len(o.patterns))
	for norm, p := range o.patterns {
		out = append(out, exportPattern(norm, p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].NormPrompt < out[j].NormPrompt
	})
	return out
}

func exportPattern(norm string, p *pattern) Pattern {
	domains := make([]route.Domain, 0, len(p.domains))
	for d := range p.domains {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	intents := make([]string, 0, len(p.intents))
	for in := range p.intents {
		intents = append(intents, in)
	}
	sort.Strings(intents)
	return Pattern{
		NormPrompt:     norm,
		OriginalPrompt: p.originalPrompt,
		Frequency:      p.frequency,
		LastSeen:       p.lastSeen,
		AvgLatencyMs:   p.avgLatencyMs,
		EstCostEuro:    p.estCostEuro,
		Domains:        domains,
		Intents:        intents,
	}
}

// Run drives periodic cycles until Stop or ctx cancellation. Interval changes
// apply at the next tick; an in-flight cycle completes under the old settings.
func (o *Optimizer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.RunCycle(ctx)
		case <-o.kick:
			o.RunCycle(ctx)
		}
	}
}

// Stop terminates Run.
func (o *Optimizer) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// Cycles returns how many optimization cycles have completed.
func (o *Optimizer) Cycles() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cycles
}

// RunCycle performs one optimization pass: age out stale patterns, warm up
// uncached frequent patterns, refresh aging entries.
func (o *Optimizer) RunCycle(ctx context.Context) {
	now := o.clk.Now()

	o.mu.Lock()
	var warm []route.Request
	var synthetic []*route.Response
	for norm, p := range o.patterns {
		// Age-out: stale and still rare.
		if now.Sub(p.lastSeen) > o.cfg.AnalysisWindow && p.frequency < o.cfg.FrequentQueryThreshold {
			delete(o.patterns, norm)
			continue
		}
		if p.frequency < o.cfg.FrequentQueryThreshold {
			continue
		}
		req := p.request
		age, ttl, cached := o.cache.Age(req)
		needsRefresh := cached && float64(age) >= (1-o.cfg.RefreshThreshold)*float64(ttl)
		if cached && !needsRefresh {
			continue
		}
		if o.cfg.Strategy == WarmupSynthetic {
			if p.lastGood != nil {
				warm = append(warm, req)
				cp := *p.lastGood
				synthetic = append(synthetic, &cp)
			}
			continue
		}
		warm = append(warm, req)
		synthetic = append(synthetic, nil)
	}
	// Hit counters restart each cycle so the monitored rate reflects the
	// post-optimization steady state.
	for _, p := range o.patterns {
		p.hits, p.misses = 0, 0
	}
	o.cycles++
	o.mu.Unlock()

	if len(warm) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.WarmupBatchSize)
	warmed := 0
	var warmedMu sync.Mutex
	for i := range warm {
		req, pre := warm[i], synthetic[i]
		g.Go(func() error {
			if err := o.warmOne(gctx, req, pre); err != nil {
				o.log.Warn("cache warm-up failed", "domain", req.Context.Domain, "error", err)
				return nil
			}
			warmedMu.Lock()
			warmed++
			warmedMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	o.log.Info("optimizer cycle complete", "candidates", len(warm), "warmed", warmed)
	if o.bus != nil {
		o.bus.Publish(events.Event{
			Type:   events.EventCacheWarmup,
			Status: "completed",
			Reason: "optimizer cycle",
			Score:  float64(warmed),
		})
	}
}

// warmOne inserts one response for a pattern, deduplicating concurrent
// warm-ups for the same key via singleflight.
func (o *Optimizer) warmOne(ctx context.Context, req route.Request, pre *route.Response) error {
	key := Key(req, o.cache.cfg.MaxKeyLength)
	_, err, _ := o.group.Do(key, func() (any, error) {
		if pre != nil {
			return nil, o.cache.Set(ctx, req, *pre)
		}
		if o.warmer == nil {
			return nil, route.NewError(route.ErrInternalInvariant, "live warm-up configured without a warmer")
		}
		resp, err := o.warmer.Warm(ctx, req)
		if err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, route.NewError(route.ErrCacheUnavailable, "warm-up invocation failed: %s", resp.ErrorKind)
		}
		return nil, o.cache.Set(ctx, req, resp)
	})
	return err
}
