package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayGrowth(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		attempt  int
		random   float64
		expected time.Duration
	}{
		{
			name:     "first attempt uses initial",
			policy:   Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
			attempt:  1,
			random:   0.5,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "second attempt doubles",
			policy:   Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
			attempt:  2,
			random:   0.5,
			expected: 200 * time.Millisecond,
		},
		{
			name:     "fourth attempt is clamped by max",
			policy:   Policy{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, Factor: 2},
			attempt:  4,
			random:   0.5,
			expected: 300 * time.Millisecond,
		},
		{
			name:     "jitter adds up to the fraction",
			policy:   Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.1},
			attempt:  1,
			random:   1.0,
			expected: 110 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.delayWithRand(tt.attempt, tt.random)
			if got != tt.expected {
				t.Fatalf("delay = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}, 5, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryReturnsLastError(t *testing.T) {
	want := errors.New("still failing")
	err := Retry(context.Background(), Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}, 2, func(int) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, Default(), 3, func(int) error { return errors.New("x") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
