// Package retry provides the one retry policy shared by the rejoin
// coordinator, the sync watchdog, and host action dispatch. Each caller
// configures attempts, a backoff schedule, and a retryable predicate instead
// of growing its own ad hoc timers.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted wraps the last attempt error once the policy gives up.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retried operation.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Backoff is the wait applied before each retry. Attempt n (1-based)
	// waits Backoff[n-1] when present; schedules shorter than MaxAttempts
	// repeat their last entry.
	Backoff []time.Duration
	// Retryable decides whether an attempt error is worth another try.
	// A nil predicate retries everything.
	Retryable func(error) bool
	// Sleep is injectable for tests; defaults to a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the backoff before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 || attempt < 1 {
		return 0
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// Do runs op under the policy. It returns nil on the first success, the
// original error immediately when the predicate rejects it, and the last
// error wrapped with ErrExhausted once attempts run out.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		last = op(ctx)
		if last == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return last
		}
	}
	return errors.Join(ErrExhausted, last)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
