package unifiedllm

import (
	"context"
	"errors"
	"fmt"
)

// SDKError is embedded by every error this package returns.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error { return e.Cause }

// ProviderError is a failure reported by a model provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
}

type (
	AuthenticationError struct{ ProviderError }
	AccessDeniedError   struct{ ProviderError }
	NotFoundError       struct{ ProviderError }
	InvalidRequestError struct{ ProviderError }
	ContextLengthError  struct{ ProviderError }
	ContentFilterError  struct{ ProviderError }
	RateLimitError      struct{ ProviderError }
	ServerError         struct{ ProviderError }
)

type (
	RequestTimeoutError    struct{ SDKError }
	AbortError             struct{ SDKError }
	ConfigurationError     struct{ SDKError }
	NoObjectGeneratedError struct{ SDKError }
)

// statusError builds the typed error for an HTTP status. Statuses without a
// dedicated type become a retryable ProviderError.
func statusError(status int, pe ProviderError) error {
	pe.StatusCode = status
	pe.Retryable = false
	switch status {
	case 400, 422:
		return &InvalidRequestError{pe}
	case 401:
		return &AuthenticationError{pe}
	case 403:
		return &AccessDeniedError{pe}
	case 404:
		return &NotFoundError{pe}
	case 408:
		return &RequestTimeoutError{pe.SDKError}
	case 413:
		return &ContextLengthError{pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{pe}
	case 500, 502, 503, 504, 529:
		pe.Retryable = true
		return &ServerError{pe}
	}
	pe.Retryable = true
	return &pe
}

func (e *ProviderError) retryable() bool { return e.Retryable }

// Rate limits and server faults are transient whatever the provider said.
func (e *RateLimitError) retryable() bool { return true }
func (e *ServerError) retryable() bool    { return true }

// IsRetryable reports whether err is worth another attempt. The first typed
// error in the chain decides; untyped errors are retryable, cancellation is
// not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var (
		abort    *AbortError
		config   *ConfigurationError
		noObject *NoObjectGeneratedError
		timeout  *RequestTimeoutError
		provider interface{ retryable() bool }
	)
	switch {
	case errors.As(err, &abort), errors.As(err, &config), errors.As(err, &noObject):
		return false
	case errors.As(err, &timeout):
		return true
	case errors.As(err, &provider):
		return provider.retryable()
	}
	return true
}
