package ratelimit

import "context"

// Limiter throttles calls against a named budget, e.g. one external API.
// Keys are case-insensitive.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
