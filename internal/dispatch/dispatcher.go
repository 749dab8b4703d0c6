package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"enrichment-pipeline/internal/pipeline"
	"enrichment-pipeline/internal/queue"
	"enrichment-pipeline/internal/telemetry"
)

// Backend is the durable queue a dispatcher enqueues into.
type Backend interface {
	Enqueue(ctx context.Context, env queue.Envelope, runAt time.Time) (bool, error)
}

// ValidationError reports a submission rejected before enqueue.
type ValidationError struct {
	Stage   string
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stage %s: missing required payload fields: %s", e.Stage, strings.Join(e.Missing, ", "))
}

// UnknownStageError reports a submission for a stage the registry does not know.
type UnknownStageError struct {
	Stage string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %q", e.Stage)
}

// Dispatcher validates submissions against the stage registry, derives the
// idempotent job id from the payload's business keys, and enqueues. One
// logical unit of work exists per derived id: resubmitting the same request
// is a no-op at the backend, never a duplicate.
type Dispatcher struct {
	registry *pipeline.Registry
	backend  Backend
	log      *zap.Logger
}

func New(registry *pipeline.Registry, backend Backend, log *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, backend: backend, log: log}
}

// Submit enqueues one task. It returns the derived job id and whether a new
// unit of work was actually created (false when the id was already in
// flight). Validation failures are returned synchronously; nothing is
// enqueued for them.
func (d *Dispatcher) Submit(ctx context.Context, stageName, task string, payload map[string]any) (string, bool, error) {
	stage, ok := d.registry.Get(stageName)
	if !ok {
		return "", false, &UnknownStageError{Stage: stageName}
	}
	if err := validate(stage, payload); err != nil {
		return "", false, err
	}

	jobID := stage.DeriveID(payload)
	enqueued, err := d.backend.Enqueue(ctx, queue.Envelope{
		JobID:       jobID,
		Stage:       stage.Name,
		Task:        task,
		Payload:     payload,
		MaxAttempts: stage.MaxAttempts,
	}, time.Now())
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	if enqueued {
		telemetry.SubmissionsTotal.Inc()
		d.log.Info("task submitted",
			zap.String("job_id", jobID),
			zap.String("stage", stage.Name),
			zap.String("task", task))
	} else {
		telemetry.DuplicateSubmissions.Inc()
		d.log.Debug("duplicate submission collapsed", zap.String("job_id", jobID))
	}
	return jobID, enqueued, nil
}

func validate(stage pipeline.Stage, payload map[string]any) error {
	var missing []string
	for _, field := range stage.RequiredFields {
		v, ok := payload[field]
		if !ok {
			missing = append(missing, field)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Stage: stage.Name, Missing: missing}
	}
	return nil
}
