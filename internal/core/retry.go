package core

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds a retried operation: at most MaxAttempts calls with
// exponentially growing waits between them.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64 // default 2
	Jitter          float64 // randomization factor in [0,1), default 0

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
}

// NewBackOff returns fresh backoff state for one retried operation.
// The state is bounded by MaxAttempts and stops when ctx is done.
func (p RetryPolicy) NewBackOff(ctx context.Context) backoff.BackOff {
	b := p.exponential()
	maxRetries := uint64(0)
	if p.MaxAttempts > 1 {
		maxRetries = uint64(p.MaxAttempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier <= 1 {
		b.Multiplier = 2
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetryNotify is called before each wait with the failed attempt number.
type RetryNotify func(attempt int, err error, wait time.Duration)

// Retry runs op until it succeeds, returns a non-retryable error, the
// policy's attempts are used up, or ctx is done. It returns the number of
// attempts made and the last error.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context, attempt int) error, notify RetryNotify) (int, error) {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}
	}

	err := backoff.RetryNotify(operation, policy.NewBackOff(ctx), onRetry)
	return attempt, err
}
