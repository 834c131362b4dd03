package unifiedllm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryRecoversFromServerErrors(t *testing.T) {
	var delays []time.Duration
	p := fastPolicy(3)
	p.OnRetry = func(_ error, d time.Duration) { delays = append(delays, d) }

	calls := 0
	got, err := Retry(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &ServerError{ProviderError{Provider: "anthropic", StatusCode: 503}}
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Retry = %q, %v", got, err)
	}
	if calls != 3 || len(delays) != 2 {
		t.Errorf("calls = %d, retries notified = %d", calls, len(delays))
	}
	for _, d := range delays {
		if d <= 0 || d > 5*time.Millisecond {
			t.Errorf("delay %v outside (0, MaxDelay]", d)
		}
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	auth := &AuthenticationError{ProviderError{Provider: "openai", StatusCode: 401}}
	_, err := Retry(context.Background(), fastPolicy(3), func(context.Context) (int, error) {
		calls++
		return 0, auth
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, auth) {
		t.Errorf("err = %v, want the authentication error", err)
	}
}

func TestRetryReturnsLastErrorWhenSpent(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(2), func(context.Context) (int, error) {
		calls++
		return 0, &RateLimitError{ProviderError{Provider: "openai", StatusCode: 429}}
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Errorf("err = %T, want *RateLimitError", err)
	}
}

func TestRetryZeroPolicyTriesOnce(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), RetryPolicy{}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("connection reset")
	})
	if calls != 1 || err == nil {
		t.Errorf("calls = %d, err = %v", calls, err)
	}
}

func TestRetryCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	p.OnRetry = func(error, time.Duration) { cancel() }

	_, err := Retry(ctx, p, func(context.Context) (int, error) {
		return 0, &ServerError{ProviderError{Provider: "anthropic", StatusCode: 500}}
	})
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("err = %T %v, want *AbortError", err, err)
	}
	if IsRetryable(err) {
		t.Error("an aborted retry must not be retried again")
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxRetries != 2 || p.BaseDelay != time.Second {
		t.Errorf("DefaultRetryPolicy = %+v", p)
	}
	b := p.backOff()
	if b.InitialInterval != time.Second || b.MaxInterval != time.Minute || b.Multiplier != 2 {
		t.Errorf("backoff = %+v", b)
	}
}
