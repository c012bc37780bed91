package remote

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds a retried operation
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	// OnRetry is called after a failed attempt that will be retried
	OnRetry func(attempt int, err error, next time.Duration)
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs fn until it succeeds, returns a Permanent error, the attempts
// are used up, or ctx is done. Attempts are numbered from 1 and separated by
// a fixed delay. The last error is returned unwrapped.
func Retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error) error {
	attempts := max(1, policy.Attempts)

	var b backoff.BackOff = backoff.NewConstantBackOff(policy.Delay)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return fn(attempt)
	}, b, func(err error, next time.Duration) {
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, next)
		}
	})
}
