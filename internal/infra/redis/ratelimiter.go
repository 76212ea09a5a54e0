package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docpipe/batch-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

// Counters live in one-second buckets; a request is allowed while its
// bucket stays at or under the limit. Wait polls with a short stepped
// backoff instead of subscribing, which keeps the limiter at one round
// trip per probe.
const (
	defaultPerSec int64 = 100
	windowSecs          = 1
	waitStep            = 10 * time.Millisecond
	waitCap             = 50 * time.Millisecond
)

// incrWindow bumps the bucket, arms its expiry on first touch, and
// reports 1 while the bucket is within ARGV[1].
var incrWindow = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if n <= tonumber(ARGV[1]) then
  return 1
end
return 0
`)

// RedisRateLimiter shares one per-second budget between every engine
// replica pointed at the same Redis. Keys name the external API being
// throttled.
type RedisRateLimiter struct {
	client *goredis.Client
	limit  int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

var _ ratelimit.Limiter = (*RedisRateLimiter)(nil)

// NewRedisRateLimiter builds a limiter allowing limitPerSec calls per key
// per second; zero or negative falls back to the package default.
func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, int64(limitPerSec), time.Now, sleepWithContext)
}

// newRedisRateLimiter is the test seam: clock and sleep are injectable.
func newRedisRateLimiter(
	client *goredis.Client,
	limit int64,
	now func() time.Time,
	sleep func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		limit = defaultPerSec
	}
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = sleepWithContext
	}

	return &RedisRateLimiter{
		client: client,
		limit:  limit,
		now:    now,
		sleep:  sleep,
	}, nil
}

// Allow consumes one slot from key's current window when one is free.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("redis rate limiter is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	bucket, err := r.bucketFor(key)
	if err != nil {
		return false, err
	}

	verdict, err := incrWindow.Run(ctx, r.client, []string{bucket}, r.limit, windowSecs).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}

	return verdict == 1, nil
}

// Wait blocks until key has a free slot or ctx ends.
func (r *RedisRateLimiter) Wait(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for backoff := waitStep; ; backoff = min(backoff+waitStep, waitCap) {
		allowed, err := r.Allow(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

// bucketFor names the one-second counter bucket for key. Keys are
// case-insensitive so "Anthropic" and "anthropic" share a budget.
func (r *RedisRateLimiter) bucketFor(key string) (string, error) {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return "", fmt.Errorf("rate limit key is required")
	}
	return fmt.Sprintf("ratelimit:%s:%d", k, r.now().UTC().Unix()), nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
