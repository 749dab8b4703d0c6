// Package workflow reconstructs cross-queue workflows (a root job plus
// everything it spawned) purely from progress store rows, and purges them.
// No aggregate state is ever persisted, so summary and detail cannot diverge.
package workflow

import (
	"context"

	"enrichment-pipeline/internal/models"
	"enrichment-pipeline/internal/pipeline"
)

// JobSource is the slice of the progress store the aggregator reads from.
type JobSource interface {
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	ListRootJobs(ctx context.Context, rootStages []string, limit int) ([]models.Job, error)
	WorkflowJobs(ctx context.Context, rootJobID string) ([]models.Job, error)
	WorkflowEvents(ctx context.Context, rootJobID string) ([]models.Event, error)
}

type Aggregator struct {
	source   JobSource
	registry *pipeline.Registry
}

func NewAggregator(source JobSource, registry *pipeline.Registry) *Aggregator {
	return &Aggregator{source: source, registry: registry}
}

// ListWorkflows returns the most recently updated root jobs, each annotated
// with per-stage status counts.
func (a *Aggregator) ListWorkflows(ctx context.Context, limit int) ([]models.WorkflowSummary, error) {
	roots, err := a.source.ListRootJobs(ctx, a.registry.RootStages(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.WorkflowSummary, 0, len(roots))
	for _, root := range roots {
		jobs, err := a.source.WorkflowJobs(ctx, root.JobID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.WorkflowSummary{
			Root:   root,
			Stages: Summarize(a.registry.Names(), jobs),
		})
	}
	return out, nil
}

// GetWorkflow returns the root job plus every descendant, grouped by stage.
// Unknown root ids surface the store's not-found error.
func (a *Aggregator) GetWorkflow(ctx context.Context, rootJobID string) (models.Workflow, error) {
	root, err := a.source.GetJob(ctx, rootJobID)
	if err != nil {
		return models.Workflow{}, err
	}
	jobs, err := a.source.WorkflowJobs(ctx, rootJobID)
	if err != nil {
		return models.Workflow{}, err
	}
	return models.Workflow{Root: root, Stages: GroupByStage(jobs)}, nil
}

// GetTimeline returns the merged event trail of the root job and every
// descendant, ascending by (ts, id). A root with no matching jobs yields an
// empty timeline, not an error.
func (a *Aggregator) GetTimeline(ctx context.Context, rootJobID string) ([]models.Event, error) {
	return a.source.WorkflowEvents(ctx, rootJobID)
}
