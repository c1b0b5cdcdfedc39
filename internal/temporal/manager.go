package temporal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Config holds Temporal connection settings.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    Config
}

// New creates a Temporal client and worker, registering the warm-up and
// retention workflows and their activities.
func New(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(CacheWarmupWorkflow)
	w.RegisterWorkflow(AuditRetentionWorkflow)
	w.RegisterActivity(acts.ListCandidates)
	w.RegisterActivity(acts.WarmPattern)
	w.RegisterActivity(acts.PruneAudit)

	return &Manager{client: c, worker: w, cfg: cfg}, nil
}

// Start begins the worker polling for tasks.
func (m *Manager) Start() error {
	return m.worker.Start()
}

// TriggerWarmup starts one warm-up run and returns its workflow ID without
// waiting for completion.
func (m *Manager) TriggerWarmup(ctx context.Context, input WarmupInput) (string, error) {
	id := "cache-warmup-" + uuid.NewString()
	_, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: m.cfg.TaskQueue,
	}, CacheWarmupWorkflow, input)
	if err != nil {
		return "", fmt.Errorf("start warm-up workflow: %w", err)
	}
	return id, nil
}

// TriggerRetention starts one retention run and returns its workflow ID.
func (m *Manager) TriggerRetention(ctx context.Context, input RetentionInput) (string, error) {
	id := "audit-retention-" + uuid.NewString()
	_, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: m.cfg.TaskQueue,
	}, AuditRetentionWorkflow, input)
	if err != nil {
		return "", fmt.Errorf("start retention workflow: %w", err)
	}
	return id, nil
}

// Client returns the Temporal client.
func (m *Manager) Client() client.Client {
	return m.client
}

// TaskQueue returns the configured task queue name.
func (m *Manager) TaskQueue() string {
	return m.cfg.TaskQueue
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}
