// Package temporal runs the article enrichment chain as Temporal workflows,
// an alternative to the built-in worker pool for deployments that already
// operate a Temporal cluster. Stage execution stays in the pipeline package;
// this package only schedules it.
package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/api/enums/v1"
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

// New creates a Temporal client and worker, registering the article workflow
// and its activities.
func New(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})

	w.RegisterWorkflow(ArticleWorkflow)

	w.RegisterActivity(acts.ScoreArticle)
	w.RegisterActivity(acts.FetchContent)
	w.RegisterActivity(acts.CleanContent)
	w.RegisterActivity(acts.ClassifyArticle)
	w.RegisterActivity(acts.EmbedArticle)
	w.RegisterActivity(acts.RecordFailure)

	return &Manager{
		client: c,
		worker: w,
		cfg:    cfg,
	}, nil
}

// Start begins the worker polling for tasks.
func (m *Manager) Start() error {
	return m.worker.Start()
}

// StartArticle starts the enrichment workflow for one article at the given
// stage. The workflow ID is derived from the article, so a replayed enqueue
// of a still-running article joins the existing run instead of forking one,
// while a finished article can be started again for reprocessing.
// Its signature matches pipeline.StarterFunc.
func (m *Manager) StartArticle(ctx context.Context, articleID int64, symbol, stage string) error {
	_, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    fmt.Sprintf("article-%d", articleID),
		TaskQueue:             m.cfg.TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, ArticleWorkflow, ArticleWorkflowInput{
		ArticleID: articleID,
		Symbol:    symbol,
		Stage:     stage,
	})
	if err != nil {
		return fmt.Errorf("start article workflow: %w", err)
	}
	return nil
}

// Client returns the Temporal client for starting workflows.
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
