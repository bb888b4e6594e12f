package phase

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryPolicy implements the exponential backoff described in
// spec.md §7 item 3 (base 2, max 3 attempts by default) for
// retryable upstream errors. Non-retryable errors and PhaseErrors
// with Retryable=false short-circuit immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	OnRetry     func(attempt int, err error)
}

// DefaultRetryPolicy matches spec.md §9's phase_retry_attempts=3,
// phase_retry_base_s=2.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

func (rp *RetryPolicy) delay(attempt int) time.Duration {
	d := time.Duration(float64(rp.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > rp.MaxDelay {
		d = rp.MaxDelay
	}
	return d
}

// Execute runs fn, retrying while it returns a retryable error, up to
// MaxAttempts total attempts.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() *PhaseError) *PhaseError {
	maxAttempts := rp.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr *PhaseError
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return NewPhaseError(ErrKindCancelled, "retry loop cancelled", false, ctx.Err())
		default:
		}

		err := fn()
		attempts = attempt
		if err == nil {
			return nil
		}
		lastErr = err

		if !err.Retryable || attempt >= maxAttempts {
			break
		}

		if rp.OnRetry != nil {
			rp.OnRetry(attempt, err)
		}

		d := rp.delay(attempt)
		select {
		case <-ctx.Done():
			return NewPhaseError(ErrKindCancelled, "retry delay cancelled", false, ctx.Err())
		case <-time.After(d):
		}
	}

	return NewPhaseError(lastErr.Kind, fmt.Sprintf("%d of %d attempt(s) failed", attempts, maxAttempts), lastErr.Retryable, lastErr)
}
