package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"enrichment-pipeline/internal/config"
)

// Envelope is the unit of work carried through Redis: the derived job id
// plus everything a worker needs to run it.
type Envelope struct {
	JobID       string
	Stage       string
	Task        string
	Payload     map[string]any
	Attempts    int
	MaxAttempts int
}

// RedisQueue coordinates per-stage ready lists, a scheduled set for deferred
// retries, and an in-flight lease set with visibility timeouts.
type RedisQueue struct {
	client        *redis.Client
	stages        []string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	dedupPrefix   string
	dedupTTL      time.Duration
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config for the given stage names.
func NewRedisQueue(cfg config.Config, stages []string) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dedupTTL := cfg.DedupTTL
	if dedupTTL == 0 {
		dedupTTL = 24 * time.Hour
	}
	return &RedisQueue{
		client:        client,
		stages:        stages,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		jobMetaPrefix: "queue:jobmeta:",
		dedupPrefix:   "queue:dedup:",
		dedupTTL:      dedupTTL,
		visibilityTTL: visibility,
		dlqKey:        cfg.DLQName,
	}
}

func (q *RedisQueue) readyKey(stage string) string {
	return fmt.Sprintf("queue:ready:%s", stage)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue stores the envelope and pushes the job id onto its stage queue
// (or the scheduled set when runAt is in the future). Duplicate submissions
// of the same derived id collapse at the dedup key: the second caller gets
// enqueued=false and no new work is created.
func (q *RedisQueue) Enqueue(ctx context.Context, env Envelope, runAt time.Time) (bool, error) {
	claimed, err := q.client.SetNX(ctx, q.dedupPrefix+env.JobID, 1, q.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim dedup key: %w", err)
	}
	if !claimed {
		return false, nil
	}

	payloadJSON, err := json.Marshal(env.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(env.JobID),
		"stage", env.Stage,
		"task", env.Task,
		"payload", payloadJSON,
		"attempts", env.Attempts,
		"max_attempts", env.MaxAttempts,
	)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: env.JobID})
	} else {
		pipe.RPush(ctx, q.readyKey(env.Stage), env.JobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Meta loads the stored envelope for an enqueued or in-flight job.
func (q *RedisQueue) Meta(ctx context.Context, jobID string) (Envelope, error) {
	vals, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return Envelope{}, err
	}
	if len(vals) == 0 {
		return Envelope{}, fmt.Errorf("no meta for job %s", jobID)
	}
	env := Envelope{
		JobID: jobID,
		Stage: vals["stage"],
		Task:  vals["task"],
	}
	if raw := vals["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &env.Payload); err != nil {
			return Envelope{}, fmt.Errorf("unmarshal payload for job %s: %w", jobID, err)
		}
	}
	env.Attempts, _ = strconv.Atoi(vals["attempts"])
	env.MaxAttempts, _ = strconv.Atoi(vals["max_attempts"])
	return env, nil
}

// ScheduleRetry releases the job's lease, bumps the attempt counter, and
// defers the job until runAt. Meta and dedup records stay in place: a retry
// is the same logical unit of work, not a new one.
func (q *RedisQueue) ScheduleRetry(ctx context.Context, jobID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HIncrBy(ctx, q.metaKey(jobID), "attempts", 1)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into their ready lists. It
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		stage, err := q.client.HGet(ctx, q.metaKey(id), "stage").Result()
		if err != nil || stage == "" {
			// Meta vanished (e.g. flushed): drop from scheduled rather than loop.
			pipe.ZRem(ctx, q.scheduledKey, id)
			continue
		}
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(stage), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops one job id from the stage's ready list and places it
// into inflight with a visibility timeout. Empty string means no work.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, stage string) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(stage), q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a finished job from in-flight tracking together with its meta
// and dedup records, so the same logical work can be resubmitted later.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	pipe.Del(ctx, q.dedupPrefix+jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the jobs onto
// their stage lists.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	requeued := make([]string, 0, len(ids))
	for _, id := range ids {
		stage, err := q.client.HGet(ctx, q.metaKey(id), "stage").Result()
		if err != nil || stage == "" {
			pipe.ZRem(ctx, q.inflightKey, id)
			continue
		}
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(stage), id)
		requeued = append(requeued, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return requeued, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all stage ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.stages))
	for _, s := range q.stages {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(s)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
