package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultPerMinute = 60

var _ Limiter = (*LocalLimiter)(nil)

// LocalLimiter enforces per-key budgets with in-process token buckets.
// It serves single-instance deployments; replicas sharing one budget need
// the Redis limiter instead.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewLocalLimiter(perMinute int) *LocalLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}

	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    1,
	}
}

func (l *LocalLimiter) Allow(ctx context.Context, key string) (bool, error) {
	limiter, err := l.limiterFor(key)
	if err != nil {
		return false, err
	}
	if ctx != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	return limiter.Allow(), nil
}

func (l *LocalLimiter) Wait(ctx context.Context, key string) error {
	limiter, err := l.limiterFor(key)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return limiter.Wait(ctx)
}

func (l *LocalLimiter) limiterFor(key string) (*rate.Limiter, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return nil, fmt.Errorf("rate limit key is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[normalized]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[normalized] = limiter
	}
	return limiter, nil
}
