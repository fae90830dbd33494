package model

import (
	"errors"
	"fmt"
)

// ProviderErrorKind classifies provider failures into a small set of
// categories suitable for retry decisions.
type ProviderErrorKind string

const (
	// KindAuth indicates authentication or authorization failures.
	KindAuth ProviderErrorKind = "auth"
	// KindInvalidRequest indicates the request is invalid and retrying
	// without changing it will not succeed.
	KindInvalidRequest ProviderErrorKind = "invalid_request"
	// KindRateLimited indicates the provider is throttling requests (429).
	KindRateLimited ProviderErrorKind = "rate_limited"
	// KindUnavailable indicates a transient provider failure (5xx, network)
	// where a retry may succeed.
	KindUnavailable ProviderErrorKind = "unavailable"
	// KindUnknown indicates an unclassified provider failure.
	KindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. It crosses
// package boundaries so the gateway can surface stable, structured
// information without inspecting SDK error types.
type ProviderError struct {
	provider  string
	operation string
	http      int
	kind      ProviderErrorKind
	message   string
	cause     error
}

// NewProviderError constructs a ProviderError. provider and kind are
// required; cause may be nil but is recommended to preserve the chain.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, message string, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		message:   message,
		cause:     cause,
	}
}

// Provider returns the provider identifier (for example, "bedrock").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code when available, else 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Retryable reports whether retrying the call may succeed without changing
// the request. Only throttling and transient unavailability qualify.
func (e *ProviderError) Retryable() bool {
	return e.kind == KindRateLimited || e.kind == KindUnavailable
}

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.http > 0 {
		return fmt.Sprintf("%s %s %d (%s): %s", e.provider, e.kind, e.http, op, msg)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.provider, e.kind, op, msg)
}

// Unwrap returns the underlying provider error.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ClassifyHTTP maps an HTTP status code to a provider error kind.
func ClassifyHTTP(status int) ProviderErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindUnavailable
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}
