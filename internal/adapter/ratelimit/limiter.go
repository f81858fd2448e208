// Package ratelimit throttles mutating requests per session. The Redis token
// bucket is shared across gateway replicas; deployments without Redis fall
// back to the router's in-process per-IP limit.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is the seam consumed by the HTTP middleware. Implementations fail
// open: an unreachable backend admits the request and returns the error.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig parameterizes one token bucket.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64 // tokens per second
}

// PerMinute derives a bucket admitting n requests per minute with burst n.
func PerMinute(n int) BucketConfig {
	if n <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{Capacity: int64(n), RefillRate: float64(n) / 60.0}
}

// RedisLimiter implements Limiter with a Lua token bucket, one Redis hash per
// key. Session keys are unbounded, so every bucket carries a TTL of twice its
// refill window and idle sessions evaporate on their own.
type RedisLimiter struct {
	rdb    *redis.Client
	bucket BucketConfig
	script *redis.Script
	ttl    int64
	now    func() time.Time
}

const luaTokenBucket = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end
tokens = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
local retry_after = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_after = math.ceil((cost - tokens) / refill_rate)
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now)
redis.call("EXPIRE", key, ttl)

return { allowed, retry_after }
`

// NewRedisLimiter builds a limiter where every key shares one bucket shape. A
// nil client or a zero bucket yields a limiter that admits everything.
func NewRedisLimiter(rdb *redis.Client, bucket BucketConfig) *RedisLimiter {
	ttl := int64(60)
	if bucket.RefillRate > 0 {
		if t := 2 * int64(math.Ceil(float64(bucket.Capacity)/bucket.RefillRate)); t > ttl {
			ttl = t
		}
	}
	return &RedisLimiter{
		rdb:    rdb,
		bucket: bucket,
		script: redis.NewScript(luaTokenBucket),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Allow spends cost tokens from key's bucket. retryAfter is whole seconds,
// rounded up, and only meaningful when allowed is false.
func (l *RedisLimiter) Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil || l.bucket.Capacity <= 0 || l.bucket.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}
	nowSec := float64(l.now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.rdb, []string{"rate:" + key},
		l.bucket.Capacity, l.bucket.RefillRate, nowSec, cost, l.ttl).Result()
	if err != nil {
		slog.Error("rate limiter script failed, admitting request",
			slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("rate limiter returned malformed reply",
			slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}
	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[1])) * time.Second
	return allowed, retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
