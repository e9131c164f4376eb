// Package retry provides the shared retry policy used for telemetry
// delivery. Error and event writes surface the final failure to the
// caller; the log buffer uses the same policy but drops the batch when
// attempts are exhausted.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// DefaultAttempts and DefaultStep reproduce the delivery defaults:
// up to 3 attempts with a linear 100ms-per-attempt backoff.
const (
	DefaultAttempts = 3
	DefaultStep     = 100 * time.Millisecond
)

// Policy describes how a failing operation is retried.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Backoff returns the delay before the given retry. attempt is
	// 1-based: Backoff(1) runs after the first failure.
	Backoff func(attempt int) time.Duration
	// Jitter, when positive, adds a random delay in [0, Jitter) to each
	// backoff to avoid synchronized retry storms.
	Jitter time.Duration
}

// Default returns the standard delivery policy.
func Default() Policy {
	return Policy{MaxAttempts: DefaultAttempts, Backoff: Linear(DefaultStep)}
}

// Linear returns a backoff of step × attempt.
func Linear(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is done.
// It returns nil on success, ctx.Err() on cancellation, and otherwise the
// error from the last attempt.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = Linear(DefaultStep)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		delay := backoff(attempt)
		if p.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(p.Jitter)))
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}
