package coord

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryRetriesOnlyUnavailable(t *testing.T) {
	t.Parallel()
	r := NewRetry(RetryPolicy{Attempts: 4, Base: time.Millisecond, Max: 2 * time.Millisecond, RatePerSec: 1000})

	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Unavailable("op", errors.New("down"))
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d, want nil and 3", err, calls)
	}

	calls = 0
	boom := errors.New("boom")
	err = r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err=%v calls=%d, want boom after one call", err, calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	t.Parallel()
	r := NewRetry(RetryPolicy{Attempts: 3, Base: time.Millisecond, RatePerSec: 1000})
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return Unavailable("op", nil)
	})
	if !errors.Is(err, ErrUnavailable) || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetryInterruptedByContext(t *testing.T) {
	t.Parallel()
	r := NewRetry(RetryPolicy{Attempts: 10, Base: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.Do(ctx, "op", func(ctx context.Context) error { return Unavailable("op", nil) })
	if !errors.Is(err, ErrInterrupted) || !IsInterrupted(err) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	want := []time.Duration{10, 20, 40, 50, 50}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w*time.Millisecond {
			t.Fatalf("Backoff(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
}
