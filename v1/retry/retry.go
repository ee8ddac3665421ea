// Package retry implements a bounded exponential-backoff policy for
// acquisition attempts. The policy is blind: it cannot distinguish
// contention from connectivity failures, so every error is retried up
// to the attempt ceiling and the final error is returned as-is.
package retry

import (
	"context"
	"math"
	"time"
)

// Policy configures retry behaviour.
type Policy struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // delay before the first retry
	Multiplier   float64       // exponential backoff multiplier
	MaxDelay     time.Duration // cap on the delay between attempts
}

// DefaultPolicy returns the default acquisition policy: 3 attempts,
// starting at 200ms with 2x backoff, capped at 2s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
	}
}

// Backoff returns the delay to sleep after the given zero-indexed failed
// attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, the attempt ceiling is reached, or ctx is
// cancelled. The error of the final attempt is returned unchanged so
// callers can inspect it.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(p.Backoff(i))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return err
}
