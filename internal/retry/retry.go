// Package retry implements the Scheduler's exponential backoff policy
// (spec.md §4.5: "100 ms, 400 ms, 1600 ms", max_attempts default 3).
//
// Adapted from the RetryPolicy/Retry helper in
// _examples/r3e-network-service_layer/internal/app/core/service/retry.go,
// generalized so the caller can inspect which attempt failed (the
// Scheduler needs the attempt number to stamp onto the Invocation record).
package retry

import (
	"context"
	"time"
)

// Policy governs backoff timing and attempt count.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultPolicy matches spec.md §4.5's defaults.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     1600 * time.Millisecond,
	Multiplier:     4,
}

// ShouldRetry decides whether attempt (1-indexed) may retry, given err was
// transient (the caller has already classified it via platform.IsTransient).
func (p Policy) ShouldRetry(attempt int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return attempt < max
}

// Backoff returns the delay to wait before the given (1-indexed) retry
// attempt — i.e. Backoff(1) is the delay before attempt 2 runs.
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxBackoff > 0 && d > p.MaxBackoff {
			d = p.MaxBackoff
			break
		}
	}
	return d
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn, retrying up to policy.MaxAttempts times with backoff as long
// as shouldRetry(err) reports the failure as transient. It returns the
// final error (if any) and the number of attempts made.
func Do(ctx context.Context, policy Policy, shouldRetry func(error) bool, fn func(attempt int) error) (attempts int, err error) {
	max := policy.MaxAttempts
	if max <= 0 {
		max = 1
	}
	for attempt := 1; attempt <= max; attempt++ {
		attempts = attempt
		err = fn(attempt)
		if err == nil {
			return attempts, nil
		}
		if attempt == max || !shouldRetry(err) {
			return attempts, err
		}
		if sleepErr := Sleep(ctx, policy.Backoff(attempt)); sleepErr != nil {
			return attempts, sleepErr
		}
	}
	return attempts, err
}
