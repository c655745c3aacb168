// Package retry supplies two backoff shapes: a bounded retry count
// with exponential backoff (used by internal/syncctl for fsync's block
// flush), and an unbounded loop with a capped delay that keeps trying
// until the operation succeeds or the caller gives up via ctx.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures exponential backoff between attempts.
type Policy struct {
	// BaseDelay is the delay before the second attempt; each
	// subsequent attempt doubles it up to MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// MaxAttempts bounds the number of calls to fn, including the
	// first. Zero or negative means unbounded; callers rely on ctx
	// cancellation to stop.
	MaxAttempts int
	// Jitter adds up to this fraction (0..1) of the computed delay as
	// random noise, to avoid synchronized retries across gateways.
	Jitter float64
}

// Do calls fn until it returns a nil error, fn's error is not
// retryable per isRetryable, ctx is done, or Policy.MaxAttempts is
// exhausted. It returns the last error seen.
func Do(ctx context.Context, p Policy, isRetryable func(error) bool, fn func(ctx context.Context) error) error {
	delay := p.BaseDelay
	var lastErr error

	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt == p.MaxAttempts {
			break
		}

		wait := delay
		if p.Jitter > 0 {
			wait += time.Duration(rand.Float64() * p.Jitter * float64(wait))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}
