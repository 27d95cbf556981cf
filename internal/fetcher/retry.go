package fetcher

import (
	"math/rand"
	"net/http"
	"time"
)

// RetryPolicy defines retry behavior for transient fetch failures. One
// policy instance is shared by every call site so backoff behavior stays
// uniform across endpoints.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryPolicy matches the API's published rate-limit guidance.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   4,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Delay returns the wait before the given retry (attempt is 1-based, the
// delay after the attempt-th failure). Exponential growth capped at
// MaxDelay, with up to 25% random jitter to avoid synchronized retry
// storms across workers.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.BackoffFactor)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.JitterEnabled {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}

// Retryable reports whether an HTTP status is worth another attempt.
// 429 and server errors are transient; everything else in the error
// range is permanent for this task.
func (p RetryPolicy) Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
