package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"enrichment-pipeline/internal/dispatch"
	"enrichment-pipeline/internal/models"
	"enrichment-pipeline/internal/progress"
	"enrichment-pipeline/internal/telemetry"
)

// Submitter accepts task submissions.
type Submitter interface {
	Submit(ctx context.Context, stage, task string, payload map[string]any) (string, bool, error)
}

// JobReader serves the job read contract.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	ListJobs(ctx context.Context, f progress.ListFilter) ([]models.Job, error)
	JobEvents(ctx context.Context, jobID string) ([]models.Event, error)
	WorkflowExists(ctx context.Context, rootJobID string) (bool, error)
}

// Workflows serves the derived workflow views.
type Workflows interface {
	ListWorkflows(ctx context.Context, limit int) ([]models.WorkflowSummary, error)
	GetWorkflow(ctx context.Context, rootJobID string) (models.Workflow, error)
	GetTimeline(ctx context.Context, rootJobID string) ([]models.Event, error)
}

// Cleanup purges one workflow.
type Cleanup interface {
	Delete(ctx context.Context, rootJobID string) error
}

// Throttle guards the submission path per tenant. Nil disables throttling.
type Throttle interface {
	Allow(ctx context.Context, tenant string) (bool, error)
}

// Server wires the thin HTTP surface over the orchestration subsystem.
type Server struct {
	submitter Submitter
	jobs      JobReader
	workflows Workflows
	cleanup   Cleanup
	throttle  Throttle
	log       *zap.Logger
}

func New(submitter Submitter, jobs JobReader, workflows Workflows, cleanup Cleanup, throttle Throttle, log *zap.Logger) *Server {
	return &Server{
		submitter: submitter,
		jobs:      jobs,
		workflows: workflows,
		cleanup:   cleanup,
		throttle:  throttle,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tasks", s.handleSubmit)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/workflows", s.handleListWorkflows)
	r.Get("/workflows/{id}", s.handleGetWorkflow)
	r.Get("/workflows/{id}/timeline", s.handleTimeline)
	r.Delete("/workflows/{id}", s.handleDeleteWorkflow)
	return r
}

type submitRequest struct {
	Queue   string         `json:"queue"`
	Task    string         `json:"task"`
	Payload map[string]any `json:"payload"`
}

type submitResponse struct {
	JobID    string `json:"jobId"`
	Enqueued bool   `json:"enqueued"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Queue == "" {
		writeError(w, http.StatusBadRequest, "queue is required")
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	if s.throttle != nil {
		tenant := tenantFromRequest(r)
		allowed, err := s.throttle.Allow(r.Context(), tenant)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.SubmitThrottled.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	jobID, enqueued, err := s.submitter.Submit(r.Context(), req.Queue, req.Task, req.Payload)
	if err != nil {
		var valErr *dispatch.ValidationError
		var stageErr *dispatch.UnknownStageError
		if errors.As(err, &valErr) || errors.As(err, &stageErr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("submit task", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID, Enqueued: enqueued})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", progress.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	status := r.URL.Query().Get("status")
	switch status {
	case "", models.StatusRunning, models.StatusCompleted, models.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "status must be one of running, completed, failed")
		return
	}

	jobs, err := s.jobs.ListJobs(r.Context(), progress.ListFilter{
		Queue:  r.URL.Query().Get("queue"),
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.log.Error("list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if errors.Is(err, progress.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("get job", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	events, err := s.jobs.JobEvents(r.Context(), id)
	if err != nil {
		s.log.Error("job events", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "events": events})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", progress.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	workflows, err := s.workflows.ListWorkflows(r.Context(), limit)
	if err != nil {
		s.log.Error("list workflows", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.workflows.GetWorkflow(r.Context(), id)
	if errors.Is(err, progress.ErrNotFound) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.log.Error("get workflow", zap.String("root_job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.workflows.GetTimeline(r.Context(), id)
	if err != nil {
		s.log.Error("get timeline", zap.String("root_job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Matching on root_job_id too lets orphaned children be purged even when
	// the root's own row is already gone.
	exists, err := s.jobs.WorkflowExists(r.Context(), id)
	if err != nil {
		s.log.Error("check workflow", zap.String("root_job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err := s.cleanup.Delete(r.Context(), id); err != nil {
		s.log.Error("delete workflow", zap.String("root_job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
