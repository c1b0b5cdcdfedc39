package temporal

import (
	"context"
	"log/slog"
	"time"

	"github.com/jordanhubbard/modelplane/internal/cache"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// PatternSource exposes the optimizer's tracked request patterns.
type PatternSource interface {
	Patterns() []cache.Pattern
}

// AuditPruner applies the retention cutoff to the audit trail.
type AuditPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) error
}

// Activities holds the worker-side dependencies of the durable jobs.
type Activities struct {
	source    PatternSource
	cache     *cache.Cache
	warmer    cache.Warmer
	pruner    AuditPruner
	threshold int
	log       *slog.Logger
}

// NewActivities bundles the dependencies. frequentThreshold filters which
// patterns count as warm-up candidates; values below 1 default to the
// optimizer's production threshold.
func NewActivities(source PatternSource, c *cache.Cache, warmer cache.Warmer, pruner AuditPruner, frequentThreshold int) *Activities {
	if frequentThreshold < 1 {
		frequentThreshold = cache.DefaultOptimizerConfig().FrequentQueryThreshold
	}
	return &Activities{
		source:    source,
		cache:     c,
		warmer:    warmer,
		pruner:    pruner,
		threshold: frequentThreshold,
		log:       slog.Default(),
	}
}

// ListCandidates returns the frequent patterns that are not currently cached,
// most frequent first, capped at input.MaxPatterns.
func (a *Activities) ListCandidates(ctx context.Context, input WarmupInput) ([]route.Request, error) {
	var out []route.Request
	for _, p := range a.source.Patterns() {
		if p.Frequency < a.threshold {
			continue
		}
		domain := route.DomainGeneral
		if len(p.Domains) > 0 {
			domain = p.Domains[0]
		}
		req := route.Request{
			Prompt:  p.OriginalPrompt,
			Context: route.Context{Domain: domain},
		}
		if _, _, cached := a.cache.Age(req); cached {
			continue
		}
		out = append(out, req)
		if input.MaxPatterns > 0 && len(out) >= input.MaxPatterns {
			break
		}
	}
	return out, nil
}

// WarmPattern runs one request through the invocation path and stores the
// result in the cache.
func (a *Activities) WarmPattern(ctx context.Context, req route.Request) error {
	resp, err := a.warmer.Warm(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return route.NewError(route.ErrCacheUnavailable, "warm-up invocation failed: %s", resp.ErrorKind)
	}
	return a.cache.Set(ctx, req, resp)
}

// PruneAudit drops audit events older than cutoff.
func (a *Activities) PruneAudit(ctx context.Context, cutoff time.Time) error {
	a.log.Info("audit retention prune", "cutoff", cutoff)
	return a.pruner.PruneBefore(ctx, cutoff)
}
