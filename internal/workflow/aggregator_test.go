package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"enrichment-pipeline/internal/models"
	"enrichment-pipeline/internal/pipeline"
	"enrichment-pipeline/internal/progress"
)

// fakeSource serves workflow queries from in-memory rows the way the
// progress store would.
type fakeSource struct {
	jobs   []models.Job
	events []models.Event
}

func (f *fakeSource) GetJob(_ context.Context, jobID string) (models.Job, error) {
	for _, j := range f.jobs {
		if j.JobID == jobID {
			return j, nil
		}
	}
	return models.Job{}, progress.ErrNotFound
}

func (f *fakeSource) ListRootJobs(_ context.Context, rootStages []string, limit int) ([]models.Job, error) {
	roots := []models.Job{}
	for _, j := range f.jobs {
		for _, s := range rootStages {
			if j.Queue == s {
				roots = append(roots, j)
			}
		}
	}
	if len(roots) > limit {
		roots = roots[:limit]
	}
	return roots, nil
}

func (f *fakeSource) WorkflowJobs(_ context.Context, rootJobID string) ([]models.Job, error) {
	out := []models.Job{}
	for _, j := range f.jobs {
		if j.JobID == rootJobID || (j.RootJobID != nil && *j.RootJobID == rootJobID) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeSource) WorkflowEvents(_ context.Context, rootJobID string) ([]models.Event, error) {
	jobs, _ := f.WorkflowJobs(context.Background(), rootJobID)
	member := map[string]bool{}
	for _, j := range jobs {
		member[j.JobID] = true
	}
	out := []models.Event{}
	for _, e := range f.events {
		if member[e.JobID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func ref(s string) *string { return &s }

func workflowFixture() *fakeSource {
	return &fakeSource{
		jobs: []models.Job{
			{JobID: "co:123", Queue: pipeline.StageCompanyDiscovery, Status: models.StatusCompleted},
			{JobID: "site:123:a", Queue: pipeline.StageSiteVerification, Status: models.StatusCompleted, RootJobID: ref("co:123")},
			{JobID: "site:123:b", Queue: pipeline.StageSiteVerification, Status: models.StatusRunning, RootJobID: ref("co:123")},
			{JobID: "person:123:x", Queue: pipeline.StagePersonLookup, Status: models.StatusFailed, RootJobID: ref("co:123")},
			{JobID: "co:999", Queue: pipeline.StageCompanyDiscovery, Status: models.StatusRunning},
		},
		events: []models.Event{
			{ID: 1, JobID: "co:123", TS: time.Unix(1, 0), Level: models.LevelInfo, Message: "found 2 candidates"},
			{ID: 2, JobID: "site:123:a", TS: time.Unix(2, 0), Level: models.LevelInfo, Message: "verified"},
			{ID: 3, JobID: "person:123:x", TS: time.Unix(3, 0), Level: models.LevelError, Message: "job failed: timeout"},
			{ID: 4, JobID: "co:999", TS: time.Unix(4, 0), Level: models.LevelInfo, Message: "unrelated"},
		},
	}
}

func TestGetWorkflowGroupsDescendants(t *testing.T) {
	agg := NewAggregator(workflowFixture(), pipeline.Default())

	wf, err := agg.GetWorkflow(context.Background(), "co:123")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wf.Root.JobID != "co:123" {
		t.Fatalf("root = %q", wf.Root.JobID)
	}
	children := 0
	for stage, jobs := range wf.Stages {
		for _, j := range jobs {
			if j.JobID != "co:123" {
				children++
				if j.RootJobID == nil || *j.RootJobID != "co:123" {
					t.Fatalf("stage %s contains job %s not tagged with root", stage, j.JobID)
				}
			}
		}
	}
	if children != 3 {
		t.Fatalf("expected 3 descendants, got %d", children)
	}
}

func TestGetWorkflowUnknownRoot(t *testing.T) {
	agg := NewAggregator(workflowFixture(), pipeline.Default())
	_, err := agg.GetWorkflow(context.Background(), "co:404")
	if !errors.Is(err, progress.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListWorkflowsAnnotatesStages(t *testing.T) {
	agg := NewAggregator(workflowFixture(), pipeline.Default())

	summaries, err := agg.ListWorkflows(context.Background(), 10)
	if err != nil {
		t.Fatalf("list workflows: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(summaries))
	}
	for _, s := range summaries {
		if s.Root.JobID != "co:123" {
			continue
		}
		if c := s.Stages[pipeline.StageSiteVerification]; c.Total != 2 || c.Running != 1 || c.Completed != 1 {
			t.Fatalf("site-verification counts: %+v", c)
		}
		if c := s.Stages[pipeline.StageOwnershipDiscovery]; c.Total != 0 {
			t.Fatalf("ownership-discovery counts: %+v", c)
		}
		return
	}
	t.Fatalf("workflow co:123 missing from %v", summaries)
}

func TestGetTimelineMergesAndStaysOrdered(t *testing.T) {
	agg := NewAggregator(workflowFixture(), pipeline.Default())

	events, err := agg.GetTimeline(context.Background(), "co:123")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if cur.TS.Before(prev.TS) || (cur.TS.Equal(prev.TS) && cur.ID < prev.ID) {
			t.Fatalf("timeline out of (ts, id) order at %d", i)
		}
	}
}

func TestGetTimelineEmptyForUnknownRoot(t *testing.T) {
	agg := NewAggregator(workflowFixture(), pipeline.Default())

	events, err := agg.GetTimeline(context.Background(), "co:404")
	if err != nil {
		t.Fatalf("expected empty timeline, got error %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}
