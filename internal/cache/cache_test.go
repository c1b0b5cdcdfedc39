package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/route"
)

func testRequest(prompt string) route.Request {
	return route.Request{
		Prompt: prompt,
		Context: route.Context{
			Domain:     route.DomainGeneral,
			Locale:     "en",
			BudgetTier: route.BudgetStandard,
		},
	}
}

func testResponse(text string) route.Response {
	return route.Response{
		Provider:  route.ProviderAWS,
		ModelID:   "titan-text-express",
		Text:      text,
		LatencyMs: 120,
		CostEuro:  0.002,
		Success:   true,
		RequestID: "req-1",
	}
}

func TestKeyStability(t *testing.T) {
	a := Key(testRequest("What is the capital of France?"), 128)
	b := Key(testRequest("What is the capital of France?"), 128)
	if a != b {
		t.Fatalf("structurally equal requests produced different keys: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "mpc:") {
		t.Errorf("key %s missing prefix", a)
	}
	if c := Key(testRequest("What is the capital of Spain?"), 128); c == a {
		t.Error("different prompts produced the same key")
	}

	// Context participates in the key.
	req := testRequest("What is the capital of France?")
	req.Context.Locale = "fr"
	if Key(req, 128) == a {
		t.Error("locale change did not change the key")
	}
}

func TestKeyLengthCap(t *testing.T) {
	if k := Key(testRequest("hello"), 16); len(k) != 16 {
		t.Errorf("key length = %d, want 16", len(k))
	}
}

func TestNormalizePrompt(t *testing.T) {
	got := NormalizePrompt("  What is   the Capital, of France?! ")
	if got != "what is the capital of france" {
		t.Errorf("normalize = %q", got)
	}
	long := strings.Repeat("a", 600)
	if n := NormalizePrompt(long); len(n) != 500 {
		t.Errorf("normalized length = %d, want 500", len(n))
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	c := New(DefaultConfig())
	req := testRequest("What is the capital of France?")
	resp := testResponse("Paris is the capital of France.")

	if err := c.Set(context.Background(), req, resp); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := c.Get(context.Background(), req)
	if !ok {
		t.Fatal("expected hit")
	}
	if !got.Cached {
		t.Error("retrieved response not marked cached")
	}
	if got.Text != resp.Text || got.Provider != resp.Provider || got.ModelID != resp.ModelID {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestErroredResponsesNotCached(t *testing.T) {
	c := New(DefaultConfig())
	req := testRequest("broken")
	resp := route.Response{Success: false, ErrorKind: route.ErrProviderTimeout}
	if err := c.Set(context.Background(), req, resp); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok := c.Get(context.Background(), req); ok {
		t.Error("errored response was cached")
	}
}

func TestTTLExpiry(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	cfg := DefaultConfig()
	cfg.TTLSeconds = 60
	c := New(cfg, WithClock(clk))

	req := testRequest("short lived")
	req.Context.Domain = route.DomainSupport // 0.5x multiplier -> 30s
	if err := c.Set(context.Background(), req, testResponse("answer text here")); err != nil {
		t.Fatal(err)
	}

	clk.Advance(29 * time.Second)
	if _, ok := c.Get(context.Background(), req); !ok {
		t.Fatal("entry expired early")
	}

	// Absolute expiry: the access above must not have extended the TTL.
	clk.Advance(2 * time.Second)
	if _, ok := c.Get(context.Background(), req); ok {
		t.Fatal("entry survived past its TTL")
	}
}

func TestSlidingRefreshExtendsTTLOnHit(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	cfg := DefaultConfig()
	cfg.TTLSeconds = 60
	cfg.SlidingRefresh = true
	c := New(cfg, WithClock(clk))

	req := testRequest("frequently asked")
	req.Context.Domain = route.DomainSupport // 0.5x multiplier -> 30s
	if err := c.Set(context.Background(), req, testResponse("answer text here")); err != nil {
		t.Fatal(err)
	}

	// Each hit restarts the 30s window, carrying the entry past the
	// original absolute deadline.
	for range 3 {
		clk.Advance(20 * time.Second)
		if _, ok := c.Get(context.Background(), req); !ok {
			t.Fatal("entry expired despite refreshing hits")
		}
	}

	// Once accesses stop, the entry still ages out.
	clk.Advance(31 * time.Second)
	if _, ok := c.Get(context.Background(), req); ok {
		t.Fatal("idle entry survived past its refreshed TTL")
	}
}

func TestTTLMultipliers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTLSeconds = 100
	c := New(cfg)
	base := 100 * time.Second

	cases := []struct {
		domain route.Domain
		cost   float64
		want   time.Duration
	}{
		{route.DomainSupport, 0.001, base / 2},
		{route.DomainGeneral, 0.001, base * 3 / 2},
		{route.DomainLegal, 0.001, base},
		{route.DomainLegal, 0.02, base * 2},
		{route.DomainGeneral, 0.02, base * 3}, // 2x cost, 1.5x domain
	}
	for _, tc := range cases {
		if got := c.TTLFor(tc.domain, tc.cost); got != tc.want {
			t.Errorf("TTLFor(%s, %v) = %v, want %v", tc.domain, tc.cost, got, tc.want)
		}
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 64
	c := New(cfg)

	long := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 40)
	req := testRequest("long answer")
	if err := c.Set(context.Background(), req, testResponse(long)); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	var anyCompressed bool
	for _, e := range c.entries {
		if e.compressed {
			anyCompressed = true
		}
	}
	c.mu.Unlock()
	if !anyCompressed {
		t.Fatal("large response not compressed")
	}

	got, ok := c.Get(context.Background(), req)
	if !ok || got.Text != long {
		t.Fatal("compressed entry did not round-trip")
	}
}

func TestCapacityEviction(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	cfg := DefaultConfig()
	cfg.MaxCacheSize = 3
	c := New(cfg, WithClock(clk))

	prompts := []string{"one", "two", "three", "four"}
	for _, p := range prompts {
		if err := c.Set(context.Background(), testRequest(p), testResponse("answer for "+p)); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Second)
	}

	if size, _, _ := c.Stats(); size != 3 {
		t.Fatalf("size = %d, want 3", size)
	}
	// The oldest insert is gone; the newest three remain.
	if _, ok := c.Get(context.Background(), testRequest("one")); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.Get(context.Background(), testRequest("four")); !ok {
		t.Error("newest entry evicted")
	}
}

func TestNearMatch(t *testing.T) {
	c := New(DefaultConfig())
	req := testRequest("What is the capital of France?")
	if err := c.Set(context.Background(), req, testResponse("Paris.")); err != nil {
		t.Fatal(err)
	}

	// Same domain, same normalized prefix.
	got, ok := c.NearMatch(route.DomainGeneral, "what is the capital of france please", 0.8)
	if !ok || got.Text != "Paris." {
		t.Fatalf("near match failed: %+v ok=%v", got, ok)
	}

	// Wrong domain never matches.
	if _, ok := c.NearMatch(route.DomainLegal, "what is the capital of france", 0.8); ok {
		t.Error("near match crossed domains")
	}

	// Distant prompt stays below the similarity floor.
	if _, ok := c.NearMatch(route.DomainGeneral, "summarize this contract for me", 0.8); ok {
		t.Error("near match accepted a distant prompt")
	}
}

func TestHitRateCounters(t *testing.T) {
	c := New(DefaultConfig())
	req := testRequest("counted")
	_ = c.Set(context.Background(), req, testResponse("the answer"))

	c.Get(context.Background(), req)
	c.Get(context.Background(), testRequest("never stored"))

	if rate := c.HitRate(); rate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", rate)
	}
}

func TestDisabledCache(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	c := New(cfg)
	req := testRequest("ignored")
	_ = c.Set(context.Background(), req, testResponse("x"))
	if _, ok := c.Get(context.Background(), req); ok {
		t.Error("disabled cache served a hit")
	}
}

func TestRedisMirrorWriteThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mirror := NewRedisMirrorFromClient(client)

	c := New(DefaultConfig(), WithMirror(mirror))
	req := testRequest("mirrored")
	if err := c.Set(context.Background(), req, testResponse("stored in both")); err != nil {
		t.Fatal(err)
	}

	key := Key(req, DefaultConfig().MaxKeyLength)
	payload, err := mirror.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("mirror get: %v", err)
	}
	if len(payload) == 0 {
		t.Fatal("entry missing from the mirror")
	}

	resp, err := decodeEntry(payload, false)
	if err != nil {
		t.Fatalf("decode mirrored payload: %v", err)
	}
	if resp.Text != "stored in both" {
		t.Errorf("mirrored text = %q", resp.Text)
	}
}
