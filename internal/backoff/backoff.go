// Package backoff provides jittered exponential backoff for retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters of an exponential backoff series.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter in [0,1] randomizes each delay by up to that fraction.
	Jitter float64
}

// Default suits provider HTTP retries: 100ms..30s, doubling, 10% jitter.
func Default() Policy {
	return Policy{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// Reconnect suits transport watcher reconnects: 500ms..60s, slower growth.
func Reconnect() Policy {
	return Policy{Initial: 500 * time.Millisecond, Max: 60 * time.Second, Factor: 2.5, Jitter: 0.2}
}

// Delay computes the delay for attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

// delayWithRand takes the random value as a parameter so tests are deterministic.
func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep waits out the delay for attempt, honoring ctx cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times with the policy's delays between
// failures. It returns the first success or the last error; context
// cancellation wins over further attempts.
func Retry(ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			if err := p.Sleep(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return lastErr
}
