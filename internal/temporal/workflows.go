// Package temporal hosts the optional durable jobs: scheduled cache warm-up
// and audit retention enforcement. The core never requires a Temporal server;
// these workflows exist for deployments that want the jobs to survive process
// restarts mid-run.
package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/modelplane/internal/route"
)

const activityTimeout = 60 * time.Second

func withDefaultOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			// Warm-up failures are tolerated per pattern; the workflow loop
			// decides what to retry, not the activity layer.
			MaximumAttempts: 1,
		},
	})
}

// CacheWarmupWorkflow warms the cache for every frequent uncached pattern.
// Per-pattern failures are counted, not fatal: a cold entry is a miss, not an
// outage.
func CacheWarmupWorkflow(ctx workflow.Context, input WarmupInput) (WarmupOutput, error) {
	ctx = withDefaultOptions(ctx)

	var candidates []route.Request
	if err := workflow.ExecuteActivity(ctx, (*Activities).ListCandidates, input).Get(ctx, &candidates); err != nil {
		return WarmupOutput{}, err
	}

	out := WarmupOutput{Candidates: len(candidates)}
	for _, req := range candidates {
		if err := workflow.ExecuteActivity(ctx, (*Activities).WarmPattern, req).Get(ctx, nil); err != nil {
			out.Failed++
			continue
		}
		out.Warmed++
	}
	return out, nil
}

// AuditRetentionWorkflow prunes audit events older than the configured
// retention.
func AuditRetentionWorkflow(ctx workflow.Context, input RetentionInput) (RetentionOutput, error) {
	ctx = withDefaultOptions(ctx)

	if input.RetentionDays <= 0 {
		input.RetentionDays = 30
	}
	cutoff := workflow.Now(ctx).UTC().AddDate(0, 0, -input.RetentionDays)
	if err := workflow.ExecuteActivity(ctx, (*Activities).PruneAudit, cutoff).Get(ctx, nil); err != nil {
		return RetentionOutput{}, err
	}
	return RetentionOutput{Cutoff: cutoff}, nil
}
