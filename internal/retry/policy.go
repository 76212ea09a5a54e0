package retry

import (
	"math/rand"
	"time"

	"github.com/docpipe/batch-engine/internal/processor"
)

const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultJitterMillis = 250
)

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy decides whether a failed attempt is retried and after what delay:
// exponential backoff from BaseDelay, doubling per attempt, capped at
// MaxDelay, plus up to JitterMillis of random jitter. Errors flagged
// non-retryable short-circuit regardless of the attempt count. The policy
// keeps no state between calls.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterMillis int

	randIntn func(n int) int
}

// NewPolicy builds a production policy for the given attempt budget.
func NewPolicy(maxAttempts int) *Policy {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	return &Policy{
		MaxAttempts:  maxAttempts,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterMillis: DefaultJitterMillis,
		randIntn:     rand.Intn,
	}
}

// ShouldRetry reports whether the attempt that just failed with err should
// be followed by another one. attempt counts from 1.
func (p *Policy) ShouldRetry(attempt int, err error) Decision {
	if p == nil || err == nil {
		return Decision{}
	}
	if !processor.IsRetryable(err) {
		return Decision{}
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if attempt >= maxAttempts {
		return Decision{}
	}

	return Decision{Retry: true, Delay: p.delay(attempt)}
}

func (p *Policy) delay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	baseDelay := p.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	delay := baseDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	jitterMillis := 0
	if p.randIntn != nil && p.JitterMillis > 0 {
		jitterMillis = p.randIntn(p.JitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}
