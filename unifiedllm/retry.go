package unifiedllm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy retries retryable errors with jittered exponential backoff.
type RetryPolicy struct {
	// MaxRetries counts attempts after the first.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// OnRetry is called before each wait.
	OnRetry func(err error, delay time.Duration)
}

// DefaultRetryPolicy allows two retries starting one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.Multiplier = 2
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	return b
}

// Retry calls fn until it succeeds, fails with an error IsRetryable rejects,
// or the policy is spent. The last error is returned unchanged; a
// cancellation during a wait becomes an AbortError.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	res, err := backoff.Retry(ctx, func() (T, error) {
		res, err := fn(ctx)
		if err != nil && !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(max(p.MaxRetries, 0)+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(err, delay)
			}
		}),
	)
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Cause(ctx)) {
		var abort *AbortError
		if !errors.As(err, &abort) {
			err = &AbortError{SDKError{Message: "request cancelled", Cause: err}}
		}
	}
	return res, err
}
