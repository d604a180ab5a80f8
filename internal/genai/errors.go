package genai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-checkable classification of a generation failure.
// It is computed once, at the provider boundary; everything downstream
// matches on the kind and never inspects error strings.
type Kind string

const (
	KindUnknown      Kind = "unknown"
	KindUnauthorized Kind = "unauthorized"
	KindRateLimited  Kind = "rate_limited"
	KindNotFound     Kind = "not_found"
	KindForbidden    Kind = "forbidden"
	KindTimeout      Kind = "timeout"
)

// Error is a classified generation failure. Retryable is decided together
// with the kind: timeouts, rate limits and transport resets are retryable;
// credential, permission and malformed-request failures are terminal.
type Error struct {
	Kind      Kind
	Retryable bool
	Message   string
	cause     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("generation failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("generation failed (%s)", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// StatusCode suggests an HTTP status for callers that need to surface the
// failure over a transport. The generation client itself never uses it.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts the classified form of err, wrapping unclassified errors
// as retryable unknowns so a misbehaving provider cannot bypass the retry
// budget by returning a bare error.
func AsError(err error) *Error {
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr
	}
	return &Error{Kind: KindUnknown, Retryable: true, Message: err.Error(), cause: err}
}

// IsRetryable reports whether err is a generation failure worth retrying.
func IsRetryable(err error) bool {
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr.Retryable
	}
	return false
}

// classifyStatus maps a provider HTTP status to a classified error.
func classifyStatus(status int, message string) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindUnauthorized, Message: message}
	case status == http.StatusForbidden:
		return &Error{Kind: KindForbidden, Message: message}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Message: message}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Retryable: true, Message: message}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, Retryable: true, Message: message}
	case status >= 500:
		// Provider-side trouble; worth another attempt.
		return &Error{Kind: KindUnknown, Retryable: true, Message: message}
	default:
		// 400 and friends: the request itself is malformed, retrying cannot help.
		return &Error{Kind: KindUnknown, Message: message}
	}
}

// classifyTransport maps request-level failures (the call never produced a
// provider status) to a classified error.
func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Retryable: true, Message: "generation attempt timed out", cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUnknown, Message: "generation canceled", cause: err}
	}
	// Connection resets, DNS hiccups and the like are transient.
	return &Error{Kind: KindUnknown, Retryable: true, Message: err.Error(), cause: err}
}
