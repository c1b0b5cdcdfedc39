package invoke

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/modelplane/internal/route"
)

// Outcome scripts one invocation result for the Fake invoker.
type Outcome struct {
	Text      string
	LatencyMs int64
	CostEuro  float64
	Tokens    int
	ErrKind   route.ErrorKind

	// Delay makes the fake block for real, so deadline tests can observe
	// cancellation.
	Delay time.Duration
}

// Fake is a scripted invoker for tests. Outcomes are consumed in order; when
// the script runs out the last outcome repeats. A nil script always succeeds
// with a canned answer.
type Fake struct {
	mu      sync.Mutex
	script  []Outcome
	calls   []Call
	Default Outcome
}

// Call records one invocation the fake observed.
type Call struct {
	Provider route.Provider
	ModelID  string
	Prompt   string
	Tools    []route.Tool
}

// NewFake returns a fake that plays back the given outcomes.
func NewFake(script ...Outcome) *Fake {
	return &Fake{
		script:  script,
		Default: Outcome{Text: "fake answer with enough length", LatencyMs: 50, CostEuro: 0.001, Tokens: 20},
	}
}

// Invoke consumes the next scripted outcome.
func (f *Fake) Invoke(ctx context.Context, provider route.Provider, modelID, prompt string, tools []route.Tool) (route.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Provider: provider, ModelID: modelID, Prompt: prompt, Tools: tools})
	out := f.Default
	if len(f.script) > 0 {
		out = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		}
	}
	f.mu.Unlock()

	if out.Delay > 0 {
		select {
		case <-ctx.Done():
			return route.Response{}, route.WrapError(route.ErrProviderTimeout, ctx.Err(), "invocation cancelled")
		case <-time.After(out.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return route.Response{}, route.WrapError(route.ErrProviderTimeout, err, "invocation cancelled")
	}

	if out.ErrKind != "" {
		return route.Response{}, route.NewError(out.ErrKind, "scripted failure from %s/%s", provider, modelID)
	}
	return route.Response{
		Provider:   provider,
		ModelID:    modelID,
		Text:       out.Text,
		LatencyMs:  out.LatencyMs,
		CostEuro:   out.CostEuro,
		TokensUsed: out.Tokens,
		Success:    true,
	}, nil
}

// Calls returns a copy of the observed invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many invocations the fake observed.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
