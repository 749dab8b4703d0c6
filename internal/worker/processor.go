package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"enrichment-pipeline/internal/config"
	"enrichment-pipeline/internal/enrich"
	"enrichment-pipeline/internal/pipeline"
	"enrichment-pipeline/internal/queue"
	"enrichment-pipeline/internal/telemetry"
)

// Progress is the slice of the progress store the worker writes through.
type Progress interface {
	StartJob(ctx context.Context, jobID, queue, name string, payload map[string]any) error
	CompleteJob(ctx context.Context, jobID string, data map[string]any) error
	FailJob(ctx context.Context, jobID string, jobErr error)
	LogEvent(ctx context.Context, jobID, level, message string, data map[string]any) error
}

// Queue is the backend the worker consumes from.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context, stage string) (string, error)
	Meta(ctx context.Context, jobID string) (queue.Envelope, error)
	ScheduleRetry(ctx context.Context, jobID string, runAt time.Time) error
	Ack(ctx context.Context, jobID string) error
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Handler executes one job and returns the final payload stored on
// completion.
type Handler func(ctx context.Context, env queue.Envelope) (map[string]any, error)

// Processor drives per-stage worker loops. Each stage gets a small fixed
// number of concurrency slots; a job occupies its slot for the handler's
// full duration.
type Processor struct {
	cfg      config.Config
	queue    Queue
	progress Progress
	registry *pipeline.Registry
	handlers map[string]Handler
	log      *zap.Logger
}

func NewProcessor(cfg config.Config, q Queue, progress Progress, registry *pipeline.Registry, log *zap.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		progress: progress,
		registry: registry,
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// RegisterHandler binds a handler to a stage.
func (p *Processor) RegisterHandler(stage string, handler Handler) {
	if stage == "" || handler == nil {
		return
	}
	p.handlers[stage] = handler
}

// Run starts the maintenance loop and the per-stage consumers, returning
// when ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	slots := p.cfg.StageConcurrency
	if slots <= 0 {
		slots = 1
	}
	for _, stage := range p.registry.Names() {
		for i := 0; i < slots; i++ {
			wg.Add(1)
			go func(stage string) {
				defer wg.Done()
				p.consume(ctx, stage)
			}(stage)
		}
	}

	wg.Wait()
	return ctx.Err()
}

// maintain promotes due retries and reclaims expired leases.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		_, _ = p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
			p.log.Warn("reclaimed expired leases", zap.Strings("job_ids", reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Processor) consume(ctx context.Context, stage string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.queue.DequeueWithLease(ctx, stage)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}
		p.process(ctx, jobID)
	}
}

func (p *Processor) process(ctx context.Context, jobID string) {
	env, err := p.queue.Meta(ctx, jobID)
	if err != nil {
		// Envelope vanished; nothing to run and nothing to record.
		p.log.Warn("dequeued job without envelope", zap.String("job_id", jobID), zap.Error(err))
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := p.progress.StartJob(ctx, env.JobID, env.Stage, env.Task, env.Payload); err != nil {
		p.log.Error("start job", zap.String("job_id", env.JobID), zap.Error(err))
	}

	handler, ok := p.handlers[env.Stage]
	if !ok {
		// The row was just set to running; record the failure so the
		// progress store and the DLQ agree about the job's fate.
		err := fmt.Errorf("no handler registered for stage %q", env.Stage)
		p.progress.FailJob(ctx, env.JobID, err)
		p.terminate(ctx, env, err)
		return
	}

	result, err := handler(ctx, env)
	if err == nil {
		if result == nil {
			result = map[string]any{"status": "ok"}
		}
		if err := p.progress.CompleteJob(ctx, env.JobID, result); err != nil {
			p.log.Error("complete job", zap.String("job_id", env.JobID), zap.Error(err))
		}
		_ = p.queue.Ack(ctx, env.JobID)
		telemetry.JobsCompleted.Inc()
		return
	}

	// Record the failure before the retry machinery sees the error, so the
	// progress store and the queue can never disagree about what happened.
	p.progress.FailJob(ctx, env.JobID, err)

	attempts := env.Attempts + 1
	maxAttempts := env.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	if enrich.IsPermanent(err) || attempts >= maxAttempts {
		p.terminate(ctx, env, err)
		return
	}

	backoff := backoffWithJitter(p.baseBackoff(env.Stage), p.cfg.BackoffMax, attempts)
	if err := p.queue.ScheduleRetry(ctx, env.JobID, time.Now().Add(backoff)); err != nil {
		p.log.Error("schedule retry", zap.String("job_id", env.JobID), zap.Error(err))
	}
	telemetry.JobsFailed.Inc()
	p.log.Info("job retry scheduled",
		zap.String("job_id", env.JobID),
		zap.Int("attempts", attempts),
		zap.Duration("backoff", backoff))
}

// terminate dead-letters a job that is out of attempts or permanently failed.
func (p *Processor) terminate(ctx context.Context, env queue.Envelope, cause error) {
	_ = p.queue.DLQPush(ctx, env.JobID)
	_ = p.queue.Ack(ctx, env.JobID)
	telemetry.JobsDeadLetter.Inc()
	p.log.Warn("job dead-lettered",
		zap.String("job_id", env.JobID),
		zap.String("stage", env.Stage),
		zap.Error(cause))
}

func (p *Processor) baseBackoff(stage string) time.Duration {
	if s, ok := p.registry.Get(stage); ok {
		return s.BaseBackoff
	}
	return time.Second
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(half)))
	return half + jitter
}
