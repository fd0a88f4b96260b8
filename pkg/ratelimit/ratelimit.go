/**
 * @description
 * Rate limiting for the provider-backed endpoints. Two implementations share
 * one interface: an in-process token bucket for single instances and a Redis
 * fixed window for deployments with several replicas.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client used by the distributed limiter.
 */
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more request for key is allowed. When it is
// not, retryAfter is how long the caller should wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// MemoryLimiter implements a token bucket per key.
type MemoryLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	capacity float64
	perSec   float64
	now      func() time.Time
	lastGC   time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewMemoryLimiter allows limit requests per window, refilled continuously.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		buckets:  make(map[string]*tokenBucket),
		capacity: float64(limit),
		perSec:   float64(limit) / window.Seconds(),
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.collect(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.perSec)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}

	wait := time.Duration((1 - b.tokens) / l.perSec * float64(time.Second))
	if wait < time.Second {
		wait = time.Second
	}
	return false, wait, nil
}

// collect drops buckets that have been full for a while.
func (l *MemoryLimiter) collect(now time.Time) {
	if now.Sub(l.lastGC) < 5*time.Minute {
		return
	}
	l.lastGC = now
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) > 10*time.Minute {
			delete(l.buckets, key)
		}
	}
}

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLimiter implements distributed fixed-window rate limiting using Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	scope  string
	limit  int
	window time.Duration
}

func NewRedisLimiter(client redis.UniversalClient, prefix, scope string, limit int, window time.Duration) *RedisLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "banklink:rate_limit"
	}
	if window < time.Second {
		window = time.Second
	}
	return &RedisLimiter{
		client: client,
		prefix: trimmedPrefix,
		scope:  strings.TrimSpace(scope),
		limit:  limit,
		window: window,
	}
}

// Key builds the Redis key for a subject.
func (r *RedisLimiter) Key(subject string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, r.scope, strings.TrimSpace(subject))
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.client == nil || r.limit <= 0 || strings.TrimSpace(key) == "" {
		return true, 0, nil
	}

	windowMs := r.window.Milliseconds()
	rawResult, err := fixedWindowScript.Run(ctx, r.client, []string{r.Key(key)}, windowMs).Result()
	if err != nil {
		return false, 0, err
	}

	count, ttlMs, err := parseWindowResult(rawResult, windowMs)
	if err != nil {
		return false, 0, err
	}
	if count <= int64(r.limit) {
		return true, 0, nil
	}

	retryAfter := time.Duration(math.Ceil(float64(ttlMs)/1000.0)) * time.Second
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}

func parseWindowResult(raw interface{}, windowMs int64) (count int64, ttlMs int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok = values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok = values[1].(int64)
	if !ok {
		return count, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	return count, ttlMs, nil
}
