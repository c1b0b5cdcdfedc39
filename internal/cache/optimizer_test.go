package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/route"
)

func optimizerUnderTest(t *testing.T, cfg OptimizerConfig, c *Cache, opts ...OptimizerOption) *Optimizer {
	t.Helper()
	o := NewOptimizer(cfg, c, opts...)
	t.Cleanup(o.Stop)
	return o
}

func TestAnalyzeTracksPatterns(t *testing.T) {
	c := New(DefaultConfig())
	o := optimizerUnderTest(t, DefaultOptimizerConfig(), c)

	req := testRequest("What is the capital of France?")
	for i := 0; i < 3; i++ {
		o.Analyze(req, testResponse("Paris."), false)
	}
	// Same normalized pattern despite punctuation noise.
	o.Analyze(testRequest("what is the capital of FRANCE"), testResponse("Paris."), false)

	patterns := o.Patterns()
	if len(patterns) != 1 {
		t.Fatalf("pattern count = %d, want 1", len(patterns))
	}
	if patterns[0].Frequency != 4 {
		t.Errorf("frequency = %d, want 4", patterns[0].Frequency)
	}
	if patterns[0].NormPrompt != "what is the capital of france" {
		t.Errorf("norm prompt = %q", patterns[0].NormPrompt)
	}
	if len(patterns[0].Domains) != 1 || patterns[0].Domains[0] != route.DomainGeneral {
		t.Errorf("domains = %v", patterns[0].Domains)
	}
}

func TestCycleWarmsFrequentPatternsSynthetic(t *testing.T) {
	c := New(DefaultConfig())
	cfg := DefaultOptimizerConfig()
	cfg.FrequentQueryThreshold = 5
	cfg.Strategy = WarmupSynthetic
	o := optimizerUnderTest(t, cfg, c)

	req := testRequest("What is the capital of France?")
	resp := testResponse("Paris is the capital of France.")
	for i := 0; i < 10; i++ {
		o.Analyze(req, resp, false)
	}

	if c.Contains(req) {
		t.Fatal("entry cached before the optimizer ran")
	}
	o.RunCycle(context.Background())

	got, ok := c.Get(context.Background(), req)
	if !ok {
		t.Fatal("frequent pattern not warmed")
	}
	if !got.Cached || got.Text != resp.Text {
		t.Errorf("warmed entry = %+v", got)
	}
}

func TestCycleWarmsViaLivePath(t *testing.T) {
	c := New(DefaultConfig())
	cfg := DefaultOptimizerConfig()
	cfg.FrequentQueryThreshold = 3
	cfg.Strategy = WarmupLive

	var invocations int32
	warmer := WarmerFunc(func(ctx context.Context, req route.Request) (route.Response, error) {
		atomic.AddInt32(&invocations, 1)
		return testResponse("live answer for " + req.Prompt), nil
	})
	o := optimizerUnderTest(t, cfg, c, WithWarmer(warmer))

	req := testRequest("frequently asked")
	for i := 0; i < 5; i++ {
		o.Analyze(req, route.Response{Success: true, LatencyMs: 80, Text: "seen"}, false)
	}
	o.RunCycle(context.Background())

	if n := atomic.LoadInt32(&invocations); n != 1 {
		t.Errorf("live warm-up invocations = %d, want 1", n)
	}
	if !c.Contains(req) {
		t.Error("live warm-up did not populate the cache")
	}
}

func TestCycleSkipsRarePatterns(t *testing.T) {
	c := New(DefaultConfig())
	cfg := DefaultOptimizerConfig()
	cfg.FrequentQueryThreshold = 5
	cfg.Strategy = WarmupSynthetic
	o := optimizerUnderTest(t, cfg, c)

	req := testRequest("rare question")
	o.Analyze(req, testResponse("rare answer"), false)
	o.RunCycle(context.Background())

	if c.Contains(req) {
		t.Error("rare pattern was warmed")
	}
}

func TestCycleRefreshesAgingEntries(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	cacheCfg := DefaultConfig()
	cacheCfg.TTLSeconds = 100
	c := New(cacheCfg, WithClock(clk))

	cfg := DefaultOptimizerConfig()
	cfg.FrequentQueryThreshold = 2
	cfg.RefreshThreshold = 0.25
	cfg.Strategy = WarmupSynthetic
	o := optimizerUnderTest(t, cfg, c, WithOptimizerClock(clk))

	req := testRequest("refresh me")
	req.Context.Domain = route.DomainLegal // 1x multiplier, ttl = 100s
	resp := testResponse("the canonical answer")
	_ = c.Set(context.Background(), req, resp)
	for i := 0; i < 3; i++ {
		o.Analyze(req, resp, true)
	}

	// Entry at 50% of TTL: younger than the refresh point, left alone.
	clk.Advance(50 * time.Second)
	o.RunCycle(context.Background())
	age, _, _ := c.Age(req)
	if age != 50*time.Second {
		t.Fatalf("entry rewritten too early, age = %v", age)
	}

	// Past (1 - 0.25) x ttl = 75s: the cycle reinserts it.
	clk.Advance(26 * time.Second)
	o.RunCycle(context.Background())
	age, _, ok := c.Age(req)
	if !ok {
		t.Fatal("entry lost during refresh")
	}
	if age != 0 {
		t.Errorf("age after refresh = %v, want 0", age)
	}
}

func TestCycleAgesOutStalePatterns(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	c := New(DefaultConfig(), WithClock(clk))
	cfg := DefaultOptimizerConfig()
	cfg.FrequentQueryThreshold = 5
	cfg.AnalysisWindow = time.Hour
	o := optimizerUnderTest(t, cfg, c, WithOptimizerClock(clk))

	o.Analyze(testRequest("stale and rare"), testResponse("x"), false)
	clk.Advance(2 * time.Hour)
	o.RunCycle(context.Background())

	if n := len(o.Patterns()); n != 0 {
		t.Errorf("pattern count = %d, want 0 after age-out", n)
	}
}

func TestFrequentHitRateSeparateFromGlobal(t *testing.T) {
	c := New(DefaultConfig())
	cfg := DefaultOptimizerConfig()
	cfg.FrequentQueryThreshold = 3
	o := optimizerUnderTest(t, cfg, c)

	req := testRequest("hot query")
	resp := testResponse("hot answer")
	// First three observations make it frequent; misses only count once the
	// threshold is crossed.
	o.Analyze(req, resp, false)
	o.Analyze(req, resp, false)
	o.Analyze(req, resp, false) // now frequent; this miss counts
	o.Analyze(req, resp, true)
	o.Analyze(req, resp, true)
	o.Analyze(req, resp, true)

	rate, sampled := o.FrequentHitRate()
	if !sampled {
		t.Fatal("expected a sampled frequent hit rate")
	}
	if rate != 0.75 {
		t.Errorf("frequent hit rate = %v, want 0.75", rate)
	}
}

func TestScenarioWarmupAfterTenObservations(t *testing.T) {
	// Ten submissions of the same prompt, one optimizer cycle, and the
	// eleventh call is served from cache.
	c := New(DefaultConfig())
	cfg := DefaultOptimizerConfig()
	cfg.Strategy = WarmupSynthetic
	o := optimizerUnderTest(t, cfg, c)

	req := route.Request{
		Prompt:  "What is the capital of France?",
		Context: route.Context{Domain: route.DomainGeneral, Locale: "en"},
	}
	resp := testResponse("Paris is the capital of France.")
	for i := 0; i < 10; i++ {
		o.Analyze(req, resp, false)
	}
	o.RunCycle(context.Background())

	got, ok := c.Get(context.Background(), req)
	if !ok || !got.Cached {
		t.Fatal("eleventh call missed the cache")
	}
	if got.Text != resp.Text {
		t.Errorf("text = %q", got.Text)
	}
}
