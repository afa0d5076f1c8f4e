package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, 1000).Draw(t, "base_ms")) * time.Millisecond
		jitter := rapid.Float64Range(0, 1).Draw(t, "jitter")
		attempt := rapid.IntRange(1, 10).Draw(t, "attempt")
		p := Policy{MaxAttempts: 10, BaseDelay: base, MaxDelay: 10 * base, Jitter: jitter}

		d := p.Backoff(attempt)
		if d < 0 || d > p.MaxDelay {
			t.Fatalf("delay %v outside [0,%v]", d, p.MaxDelay)
		}
	})
}

func TestDoStopsOnSuccess(t *testing.T) {
	var retries []int
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond},
		func(ctx context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return errors.New("transient")
			}
			return nil
		},
		OnRetry(func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) }),
		withSleeper(func(context.Context, time.Duration) error { return nil }),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 || len(retries) != 2 {
		t.Fatalf("calls=%d retries=%v", calls, retries)
	}
}

func TestDoGivesUpAfterBudget(t *testing.T) {
	gaveUp := 0
	boom := errors.New("boom")
	err := Do(context.Background(), Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		func(context.Context, int) error { return boom },
		OnGiveUp(func(attempts int, err error) { gaveUp = attempts }),
		withSleeper(func(context.Context, time.Duration) error { return nil }),
	)
	if !errors.Is(err, boom) || gaveUp != 2 {
		t.Fatalf("err=%v gaveUp=%d", err, gaveUp)
	}
}

func TestDoHonoursRetryableFilter(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{MaxAttempts: 5},
		func(context.Context, int) error { calls++; return errors.New("fatal") },
		If(func(error) bool { return false }),
	)
	if calls != 1 {
		t.Fatalf("non-retryable error should stop after first call, got %d", calls)
	}
}

func TestDoCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Hour},
		func(context.Context, int) error { return errors.New("again") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
