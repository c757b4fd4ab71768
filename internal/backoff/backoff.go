// Package backoff implements capped exponential retry delays.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Delay returns min(base * 2^(retryCount-1), max). retryCount is the number
// of failed attempts so far, starting at 1; values below 1 yield base. The
// result is non-decreasing in retryCount and capped at max.
func Delay(base, max time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	if max > 0 && base >= max {
		return max
	}

	shift := retryCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxShift {
		shift = maxShift
	}

	d := base << shift
	// Overflow from the shift shows up as a sign flip or a shrink.
	if d < base {
		return max
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// WithJitter returns a random duration in [d/2, d). Spreads concurrent
// retries without ever shrinking the delay below half the schedule.
func WithJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + rand.N(d-half)
}

// Sleep waits for d but returns early with the context error if ctx is
// cancelled first. Zero and negative durations return immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
