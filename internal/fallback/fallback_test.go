package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jordanhubbard/modelplane/internal/breaker"
	"github.com/jordanhubbard/modelplane/internal/cache"
	"github.com/jordanhubbard/modelplane/internal/capability"
	"github.com/jordanhubbard/modelplane/internal/invoke"
	"github.com/jordanhubbard/modelplane/internal/route"
)

func engineUnderTest(t *testing.T, cfg Config, fake *invoke.Fake, opts ...Option) (*Engine, *breaker.Registry) {
	t.Helper()
	matrix := capability.NewMatrix()
	for _, c := range capability.Defaults() {
		if err := matrix.Register(c); err != nil {
			t.Fatal(err)
		}
	}
	registry := breaker.NewRegistry(route.Providers())
	// Instant backoff that still honors cancellation.
	opts = append(opts, WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
	return New(cfg, fake, registry, matrix, opts...), registry
}

func supportRequest() route.Request {
	return route.Request{
		ID:     "req-1",
		Prompt: "How do I reset my password?",
		Context: route.Context{
			Domain:     route.DomainSupport,
			BudgetTier: route.BudgetStandard,
		},
	}
}

func decisionFor(p route.Provider, modelID string) route.Decision {
	return route.Decision{Provider: p, ModelID: modelID, Reason: "test"}
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	fake := invoke.NewFake()
	e, _ := engineUnderTest(t, DefaultConfig(), fake)

	resp, err := e.Execute(context.Background(), supportRequest(), decisionFor(route.ProviderAWS, "titan-text-express"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Success || resp.Provider != route.ProviderAWS {
		t.Errorf("response = %+v", resp)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("request id = %q", resp.RequestID)
	}
	if fake.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", fake.CallCount())
	}
}

func TestTimeoutRetriesAgainstFastestAlternate(t *testing.T) {
	fake := invoke.NewFake(
		invoke.Outcome{ErrKind: route.ErrProviderTimeout},
		invoke.Outcome{Text: "second provider answer", LatencyMs: 60},
	)
	e, registry := engineUnderTest(t, DefaultConfig(), fake)

	resp, err := e.Execute(context.Background(), supportRequest(), decisionFor(route.ProviderAWS, "titan-text-express"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Success {
		t.Fatalf("response = %+v", resp)
	}

	calls := fake.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	// Fastest feasible alternate outside aws is llama-3-8b at 400ms.
	if calls[1].Provider != route.ProviderMeta || calls[1].ModelID != "llama-3-8b" {
		t.Errorf("retry target = %s/%s", calls[1].Provider, calls[1].ModelID)
	}
	if got := registry.For(route.ProviderAWS).Snapshot().Failures; got != 1 {
		t.Errorf("aws breaker failures = %d, want 1", got)
	}
}

func TestQuotaRedirectsToCheapestWithSingleBreakerCount(t *testing.T) {
	fake := invoke.NewFake(
		invoke.Outcome{ErrKind: route.ErrProviderQuotaExceeded},
		invoke.Outcome{Text: "cheap provider answer"},
	)
	e, registry := engineUnderTest(t, DefaultConfig(), fake)

	_, err := e.Execute(context.Background(), supportRequest(), decisionFor(route.ProviderAWS, "titan-text-premier"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	calls := fake.Calls()
	// Cheapest feasible alternate outside aws is gemini-flash.
	if calls[1].Provider != route.ProviderGoogle || calls[1].ModelID != "gemini-flash" {
		t.Errorf("retry target = %s/%s", calls[1].Provider, calls[1].ModelID)
	}
	if got := registry.For(route.ProviderAWS).Snapshot().Failures; got != 1 {
		t.Errorf("aws breaker failures = %d, want exactly 1 for quota", got)
	}
}

func TestExhaustionReturnsFastAnswer(t *testing.T) {
	fake := invoke.NewFake(invoke.Outcome{ErrKind: route.ErrProviderTimeout})
	e, _ := engineUnderTest(t, DefaultConfig(), fake)

	resp, err := e.Execute(context.Background(), supportRequest(), decisionFor(route.ProviderAWS, "titan-text-express"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if fake.CallCount() != 3 {
		t.Errorf("calls = %d, want MaxAttempts", fake.CallCount())
	}
	if resp.Provider != route.ProviderFallback {
		t.Errorf("provider = %s, want fallback", resp.Provider)
	}
	if !resp.Success || resp.Text == "" {
		t.Errorf("degraded response = %+v", resp)
	}
}

func TestAuthorizationRefusedIsFatal(t *testing.T) {
	fake := invoke.NewFake(invoke.Outcome{ErrKind: route.ErrAuthorizationRefused})
	e, _ := engineUnderTest(t, DefaultConfig(), fake)

	_, err := e.Execute(context.Background(), supportRequest(), decisionFor(route.ProviderAWS, "titan-text-express"))
	if err == nil {
		t.Fatal("expected fatal error")
	}
	var re *route.Error
	if !errors.As(err, &re) || re.Kind != route.ErrAuthorizationRefused {
		t.Errorf("error = %v", err)
	}
	if fake.CallCount() != 1 {
		t.Errorf("calls = %d, want no retry", fake.CallCount())
	}
}

func TestQualityThresholdDegradesWithoutRetry(t *testing.T) {
	fake := invoke.NewFake(invoke.Outcome{ErrKind: route.ErrQualityThreshold})
	e, registry := engineUnderTest(t, DefaultConfig(), fake)

	resp, err := e.Execute(context.Background(), supportRequest(), decisionFor(route.ProviderAWS, "titan-text-express"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if fake.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", fake.CallCount())
	}
	if resp.Provider != route.ProviderFallback {
		t.Errorf("provider = %s, want degraded answer", resp.Provider)
	}
	// Not a provider fault: the breaker stays untouched.
	if got := registry.For(route.ProviderAWS).Snapshot().Failures; got != 0 {
		t.Errorf("aws breaker failures = %d, want 0", got)
	}
}

func TestOpenBreakerSkipsProviderWithoutInvoking(t *testing.T) {
	fake := invoke.NewFake()
	e, registry := engineUnderTest(t, DefaultConfig(), fake)
	registry.For(route.ProviderAWS).ForceOpen()

	resp, err := e.Execute(context.Background(), supportRequest(), decisionFor(route.ProviderAWS, "titan-text-express"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Success {
		t.Fatalf("response = %+v", resp)
	}
	calls := fake.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Provider == route.ProviderAWS {
		t.Error("open-breaker provider was invoked")
	}
}

func TestCachedResponseDegradation(t *testing.T) {
	c := cache.New(cache.DefaultConfig())
	stored := route.Request{
		Prompt:  "How do I reset my password?",
		Context: route.Context{Domain: route.DomainSupport, BudgetTier: route.BudgetStandard},
	}
	if err := c.Set(context.Background(), stored, route.Response{
		Provider: route.ProviderAWS,
		ModelID:  "titan-text-express",
		Text:     "Use the account page to reset it.",
		Success:  true,
	}); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Mode = ModeCachedResponse
	fake := invoke.NewFake(invoke.Outcome{ErrKind: route.ErrProviderTimeout})
	e, _ := engineUnderTest(t, cfg, fake, WithCache(c))

	req := supportRequest()
	req.Prompt = "How do I reset my password please"
	resp, err := e.Execute(context.Background(), req, decisionFor(route.ProviderAWS, "titan-text-express"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Cached || resp.Text != "Use the account page to reset it." {
		t.Errorf("degraded response = %+v", resp)
	}
}

func TestSimplifiedModelDegradation(t *testing.T) {
	cfg := DefaultConfig()
	fake := invoke.NewFake(
		invoke.Outcome{ErrKind: route.ErrProviderTimeout},
		invoke.Outcome{ErrKind: route.ErrProviderTimeout},
		invoke.Outcome{ErrKind: route.ErrProviderTimeout},
		invoke.Outcome{Text: "simple model answer"},
	)
	cfg.Mode = ModeSimplifiedModel
	e, _ := engineUnderTest(t, cfg, fake)

	resp, err := e.Execute(context.Background(), supportRequest(), decisionFor(route.ProviderAWS, "titan-text-premier"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Text != "simple model answer" {
		t.Fatalf("response = %+v", resp)
	}
	calls := fake.Calls()
	last := calls[len(calls)-1]
	// Minimum-capability feasible model is the smallest context window.
	if last.ModelID != "titan-text-express" {
		t.Errorf("simplified target = %s/%s", last.Provider, last.ModelID)
	}
}

func TestObserverSeesEveryAttemptOutcome(t *testing.T) {
	fake := invoke.NewFake(
		invoke.Outcome{ErrKind: route.ErrProviderTimeout},
		invoke.Outcome{Text: "second provider answer", LatencyMs: 60},
	)
	type attempt struct {
		provider route.Provider
		success  bool
	}
	var seen []attempt
	e, _ := engineUnderTest(t, DefaultConfig(), fake,
		WithObserver(func(_ route.Request, p route.Provider, _ string, success bool, _ int64) {
			seen = append(seen, attempt{provider: p, success: success})
		}))

	_, err := e.Execute(context.Background(), supportRequest(), decisionFor(route.ProviderAWS, "titan-text-express"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("observed attempts = %d, want 2", len(seen))
	}
	if seen[0].provider != route.ProviderAWS || seen[0].success {
		t.Errorf("first attempt = %+v, want aws failure", seen[0])
	}
	if !seen[1].success {
		t.Errorf("second attempt = %+v, want success", seen[1])
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	fake := invoke.NewFake(invoke.Outcome{ErrKind: route.ErrProviderTimeout})
	e, _ := engineUnderTest(t, DefaultConfig(), fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := e.Execute(ctx, supportRequest(), decisionFor(route.ProviderAWS, "titan-text-express"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// The engine degrades instead of spinning on a dead context.
	if resp.Provider != route.ProviderFallback {
		t.Errorf("provider = %s, want fallback", resp.Provider)
	}
	if fake.CallCount() > 2 {
		t.Errorf("calls = %d after cancellation", fake.CallCount())
	}
}
