package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmitBucket throttles per-tenant task submission with a token bucket kept
// in Redis, so every API replica shares one budget per tenant.
type SubmitBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

func NewSubmitBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *SubmitBucket {
	return &SubmitBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes one token from the tenant's bucket if available.
func (b *SubmitBucket) Allow(ctx context.Context, tenant string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := refillScript.Run(ctx, b.client, []string{"submit:rl:" + tenant},
		b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, nil
	}
	return allowed == 1, nil
}

var refillScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return allowed
`)
