// Package retry runs fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy describes how an operation is retried.
// The zero value makes a single attempt.
type Policy struct {
	MaxAttempts    int           // default: 1
	BaseDelay      time.Duration // default: 500ms
	MaxDelay       time.Duration // default: 30s
	Jitter         float64       // fraction of the delay, from 0 to 1
	AttemptTimeout time.Duration // zero means no per-attempt timeout

	// Retryable classifies errors. Classify is used when it is nil.
	Retryable func(error) bool

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)

	wait func(ctx context.Context, d time.Duration) error // tests replace it
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

func (p *Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p *Policy) baseDelay() time.Duration {
	if p.BaseDelay <= 0 {
		return 500 * time.Millisecond
	}
	return p.BaseDelay
}

func (p *Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return 30 * time.Second
	}
	return p.MaxDelay
}

func (p *Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return Classify(err)
}

// Backoff returns the delay after the given failed attempt without jitter.
// The first attempt is 1. It is BaseDelay*2^(attempt-1) capped at MaxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	base, ceiling := p.baseDelay(), p.maxDelay()
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return min(d, ceiling)
}

// Delay returns Backoff with jitter applied.
// Jitter adds or subtracts up to Jitter*Backoff and never exceeds MaxDelay.
func (p *Policy) Delay(attempt int) time.Duration {
	d := p.Backoff(attempt)
	j := min(max(p.Jitter, 0), 1)
	spread := int64(float64(d) * j)
	if spread <= 0 {
		return d
	}
	d += time.Duration(rand.Int64N(2*spread+1) - spread)
	return min(max(d, 0), p.maxDelay())
}

// Do calls op until it succeeds, fails with a fatal error, attempts run out
// or ctx is done. Waiting between attempts doesn't block other goroutines.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	wait := p.wait
	if wait == nil {
		wait = sleep
	}

	attempts := p.maxAttempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = p.attempt(ctx, op)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Join(lastErr, ctx.Err())
		}
		if !p.retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, lastErr)
		}
		if err := wait(ctx, delay); err != nil {
			return errors.Join(lastErr, err)
		}
	}

	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func (p *Policy) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return op(attemptCtx)
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
