package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"enrichment-pipeline/internal/dispatch"
	"enrichment-pipeline/internal/models"
	"enrichment-pipeline/internal/progress"
)

type fakeSubmitter struct {
	err error
}

func (f *fakeSubmitter) Submit(_ context.Context, stage, task string, payload map[string]any) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	return "co:123", true, nil
}

type fakeJobs struct {
	jobs map[string]models.Job
}

func (f *fakeJobs) GetJob(_ context.Context, jobID string) (models.Job, error) {
	if j, ok := f.jobs[jobID]; ok {
		return j, nil
	}
	return models.Job{}, progress.ErrNotFound
}
func (f *fakeJobs) ListJobs(context.Context, progress.ListFilter) ([]models.Job, error) {
	return nil, nil
}
func (f *fakeJobs) JobEvents(context.Context, string) ([]models.Event, error) {
	return []models.Event{}, nil
}
func (f *fakeJobs) WorkflowExists(_ context.Context, rootJobID string) (bool, error) {
	for _, j := range f.jobs {
		if j.JobID == rootJobID {
			return true, nil
		}
		if j.RootJobID != nil && *j.RootJobID == rootJobID {
			return true, nil
		}
	}
	return false, nil
}

type fakeWorkflows struct{}

func (fakeWorkflows) ListWorkflows(context.Context, int) ([]models.WorkflowSummary, error) {
	return nil, nil
}
func (fakeWorkflows) GetWorkflow(_ context.Context, rootJobID string) (models.Workflow, error) {
	if rootJobID != "co:123" {
		return models.Workflow{}, progress.ErrNotFound
	}
	return models.Workflow{Root: models.Job{JobID: rootJobID}}, nil
}
func (fakeWorkflows) GetTimeline(context.Context, string) ([]models.Event, error) {
	return []models.Event{}, nil
}

type fakeCleanup struct {
	deleted []string
}

func (f *fakeCleanup) Delete(_ context.Context, rootJobID string) error {
	f.deleted = append(f.deleted, rootJobID)
	return nil
}

func newTestServer(submitter Submitter) (*Server, *fakeCleanup) {
	cleanup := &fakeCleanup{}
	// co:777 has no row of its own; only an orphaned child references it.
	orphanRoot := "co:777"
	jobs := &fakeJobs{jobs: map[string]models.Job{
		"co:123":     {JobID: "co:123", Queue: "company-discovery", Status: models.StatusCompleted},
		"site:777:a": {JobID: "site:777:a", Queue: "site-verification", Status: models.StatusRunning, RootJobID: &orphanRoot},
	}}
	return New(submitter, jobs, fakeWorkflows{}, cleanup, nil, zap.NewNop()), cleanup
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestSubmitAccepted(t *testing.T) {
	s, _ := newTestServer(&fakeSubmitter{})
	rec := doRequest(t, s, http.MethodPost, "/tasks",
		`{"queue":"company-discovery","task":"discover","payload":{"companyNumber":"123"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"jobId":"co:123"`) {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestSubmitValidationError(t *testing.T) {
	s, _ := newTestServer(&fakeSubmitter{err: &dispatch.ValidationError{Stage: "person-lookup", Missing: []string{"contactRef"}}})
	rec := doRequest(t, s, http.MethodPost, "/tasks",
		`{"queue":"person-lookup","task":"lookup","payload":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "contactRef") {
		t.Fatalf("expected descriptive error, got %s", rec.Body)
	}
}

func TestSubmitRejectsMalformedJSON(t *testing.T) {
	s, _ := newTestServer(&fakeSubmitter{})
	rec := doRequest(t, s, http.MethodPost, "/tasks", `{`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListJobsRejectsBadFilters(t *testing.T) {
	s, _ := newTestServer(&fakeSubmitter{})
	rec := doRequest(t, s, http.MethodGet, "/jobs?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status filter: status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/jobs?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("limit filter: status = %d", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := newTestServer(&fakeSubmitter{})
	rec := doRequest(t, s, http.MethodGet, "/jobs/co:404", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetJobWithEvents(t *testing.T) {
	s, _ := newTestServer(&fakeSubmitter{})
	rec := doRequest(t, s, http.MethodGet, "/jobs/co:123", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"events"`) {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestDeleteWorkflowUnknownRoot(t *testing.T) {
	s, cleanup := newTestServer(&fakeSubmitter{})
	rec := doRequest(t, s, http.MethodDelete, "/workflows/co:404", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(cleanup.deleted) != 0 {
		t.Fatalf("cleanup ran for unknown root")
	}
}

func TestDeleteWorkflow(t *testing.T) {
	s, cleanup := newTestServer(&fakeSubmitter{})
	rec := doRequest(t, s, http.MethodDelete, "/workflows/co:123", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if len(cleanup.deleted) != 1 || cleanup.deleted[0] != "co:123" {
		t.Fatalf("deleted = %v", cleanup.deleted)
	}
}

func TestDeleteWorkflowWithOrphanedChildren(t *testing.T) {
	s, cleanup := newTestServer(&fakeSubmitter{})
	rec := doRequest(t, s, http.MethodDelete, "/workflows/co:777", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if len(cleanup.deleted) != 1 || cleanup.deleted[0] != "co:777" {
		t.Fatalf("deleted = %v", cleanup.deleted)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	s, _ := newTestServer(&fakeSubmitter{})
	rec := doRequest(t, s, http.MethodGet, "/workflows/co:404", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
