package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"enrichment-pipeline/internal/models"
	"enrichment-pipeline/internal/telemetry"
)

// ErrNotFound reports an unknown job id.
var ErrNotFound = errors.New("job not found")

// Default page sizes for list queries.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

const categoryCacheSize = 4096

// Store is the single source of truth for job lifecycle rows and the
// append-only event trail. Job rows see at most one active writer at a time
// because the dispatcher collapses duplicate submissions; events are pure
// appends and need no coordination at all.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	// jobID -> queue, used to derive event categories without a round trip.
	// Bounded; a miss or eviction falls back to a lookup, never to a wrong
	// category.
	categories *lru.Cache[string, string]
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	cache, err := lru.New[string, string](categoryCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, log: log, categories: cache}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool for components that share the database
// (workflow cleanup, record sinks).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// StartJob inserts the lifecycle row for a job, or resets an existing row
// back to running on the retry path. The payload replaces any previous data.
func (s *Store) StartJob(ctx context.Context, jobID, queue, name string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	dataJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job data: %w", err)
	}
	rootID := rootFromPayload(jobID, payload)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_progress (job_id, queue, name, status, data, root_job_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET queue = EXCLUDED.queue, name = EXCLUDED.name, status = EXCLUDED.status,
		    data = EXCLUDED.data, root_job_id = EXCLUDED.root_job_id, updated_at = NOW()
	`, jobID, queue, name, models.StatusRunning, dataJSON, rootID)
	if err != nil {
		return fmt.Errorf("start job %s: %w", jobID, err)
	}
	s.categories.Add(jobID, queue)
	return nil
}

// CompleteJob marks a job completed with its final payload. It appends no
// event; handlers log their own milestones.
func (s *Store) CompleteJob(ctx context.Context, jobID string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal completion data: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_progress SET status = $2, data = $3, updated_at = NOW() WHERE job_id = $1
	`, jobID, models.StatusCompleted, dataJSON)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob marks a job failed with the serialized error and appends a
// synthetic error-level event. Persistence failures here are logged and
// swallowed: recording a failure must never crash the worker or mask the
// original error.
func (s *Store) FailJob(ctx context.Context, jobID string, jobErr error) {
	msg := "unknown error"
	if jobErr != nil {
		msg = jobErr.Error()
	}
	dataJSON, err := json.Marshal(map[string]any{"error": msg})
	if err != nil {
		dataJSON = []byte(`{}`)
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE job_progress SET status = $2, data = $3, updated_at = NOW() WHERE job_id = $1
	`, jobID, models.StatusFailed, dataJSON); err != nil {
		s.log.Error("record job failure", zap.String("job_id", jobID), zap.Error(err))
	}
	if err := s.LogEvent(ctx, jobID, models.LevelError, "job failed: "+msg, nil); err != nil {
		s.log.Error("append failure event", zap.String("job_id", jobID), zap.Error(err))
	}
}

// LogEvent appends one event, deriving scope, category, and code when the
// caller omits them.
func (s *Store) LogEvent(ctx context.Context, jobID, level, message string, data map[string]any) error {
	enriched := EnrichEventData(data, level, message, s.categoryFor(ctx, jobID))
	dataJSON, err := json.Marshal(enriched)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, ts, level, message, data)
		VALUES ($1, NOW(), $2, $3, $4)
	`, jobID, level, message, dataJSON)
	if err != nil {
		return fmt.Errorf("append event for %s: %w", jobID, err)
	}
	telemetry.EventsLogged.Inc()
	return nil
}

// categoryFor resolves the job's queue for event enrichment: cache first,
// then a store lookup, then the generic default for unknown jobs.
func (s *Store) categoryFor(ctx context.Context, jobID string) string {
	if queue, ok := s.categories.Get(jobID); ok {
		return queue
	}
	var queue string
	err := s.pool.QueryRow(ctx, `SELECT queue FROM job_progress WHERE job_id = $1`, jobID).Scan(&queue)
	if err != nil {
		return CategoryGeneral
	}
	s.categories.Add(jobID, queue)
	return queue
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, queue, name, status, data, root_job_id, created_at, updated_at
		FROM job_progress WHERE job_id = $1
	`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// ListFilter narrows and pages ListJobs.
type ListFilter struct {
	Queue  string
	Status string
	Limit  int
	Offset int
}

// ListJobs returns jobs by most recent update, filtered by queue and status.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	query := `
		SELECT job_id, queue, name, status, data, root_job_id, created_at, updated_at
		FROM job_progress WHERE 1=1`
	args := []any{}
	if f.Queue != "" {
		args = append(args, f.Queue)
		query += fmt.Sprintf(" AND queue = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// JobEvents returns the full event trail for one job in (ts, id) order.
func (s *Store) JobEvents(ctx context.Context, jobID string) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, ts, level, message, data
		FROM job_events WHERE job_id = $1
		ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", jobID, err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListRootJobs returns the most recently updated jobs in root stages.
func (s *Store) ListRootJobs(ctx context.Context, rootStages []string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, queue, name, status, data, root_job_id, created_at, updated_at
		FROM job_progress WHERE queue = ANY($1)
		ORDER BY updated_at DESC LIMIT $2
	`, rootStages, limit)
	if err != nil {
		return nil, fmt.Errorf("list root jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// WorkflowExists reports whether any job row anchors or references the root.
// A root whose own row is already gone still exists while orphaned children
// point at it.
func (s *Store) WorkflowExists(ctx context.Context, rootJobID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM job_progress WHERE job_id = $1 OR root_job_id = $1)
	`, rootJobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check workflow %s: %w", rootJobID, err)
	}
	return exists, nil
}

// WorkflowJobs returns the root row plus every descendant tagged with it.
func (s *Store) WorkflowJobs(ctx context.Context, rootJobID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, queue, name, status, data, root_job_id, created_at, updated_at
		FROM job_progress WHERE job_id = $1 OR root_job_id = $1
		ORDER BY created_at, job_id
	`, rootJobID)
	if err != nil {
		return nil, fmt.Errorf("list workflow jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// WorkflowEvents returns the merged event timeline for a whole workflow,
// ascending by (ts, id).
func (s *Store) WorkflowEvents(ctx context.Context, rootJobID string) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.job_id, e.ts, e.level, e.message, e.data
		FROM job_events e
		JOIN job_progress j ON j.job_id = e.job_id
		WHERE j.job_id = $1 OR j.root_job_id = $1
		ORDER BY e.ts, e.id
	`, rootJobID)
	if err != nil {
		return nil, fmt.Errorf("list workflow events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var dataJSON []byte
	if err := row.Scan(&job.JobID, &job.Queue, &job.Name, &job.Status, &dataJSON,
		&job.RootJobID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(dataJSON, &job.Data); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal job data: %w", err)
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func collectEvents(rows pgx.Rows) ([]models.Event, error) {
	events := []models.Event{}
	for rows.Next() {
		var ev models.Event
		var dataJSON []byte
		var ts time.Time
		if err := rows.Scan(&ev.ID, &ev.JobID, &ts, &ev.Level, &ev.Message, &dataJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.TS = ts
		if err := json.Unmarshal(dataJSON, &ev.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// rootFromPayload pulls the root reference out of a job payload. Root jobs
// carry none and anchor their own workflow.
func rootFromPayload(jobID string, payload map[string]any) *string {
	if v, ok := payload["rootJobId"].(string); ok && v != "" && v != jobID {
		return &v
	}
	return nil
}
