package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     4 * time.Millisecond,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("broker unavailable")
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", attempts, calls)
	}
}

func TestRetry_StopsAtMaxAttempts(t *testing.T) {
	var notified []int
	attempts, err := Retry(context.Background(), fastPolicy(4), func(ctx context.Context, attempt int) error {
		return errors.New("still down")
	}, func(attempt int, err error, wait time.Duration) {
		notified = append(notified, attempt)
	})

	if err == nil || err.Error() != "still down" {
		t.Fatalf("Retry() error = %v, want last error", err)
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
	if len(notified) != 3 {
		t.Errorf("notify called %d times, want 3", len(notified))
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	policy := fastPolicy(5)
	policy.Retryable = IsTransient

	permanent := errors.New("bad input")
	attempts, err := Retry(context.Background(), policy, func(ctx context.Context, attempt int) error {
		return permanent
	}, nil)

	if !errors.Is(err, permanent) {
		t.Fatalf("Retry() error = %v, want %v", err, permanent)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 100, InitialInterval: time.Hour, MaxInterval: time.Hour}

	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, policy, func(ctx context.Context, attempt int) error {
			return errors.New("down")
		}, nil)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Retry() error = nil, want error after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Retry() did not return after context cancel")
	}
}
