// Package fault defines the single failure sum used across the pipeline.
// Every error that crosses a component boundary is classified into one of a
// small set of stable kinds so the dispatcher can map failures to transport
// status codes and task lifecycle events without inspecting component
// internals.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable failure classification. Kinds are identifiers, not Go type
// names: they appear verbatim in task.failed events and API responses.
type Kind string

const (
	// KindBadRequest indicates a malformed or semantically invalid request.
	KindBadRequest Kind = "BadRequest"
	// KindUnauthorized indicates the caller identity does not match the
	// request identity.
	KindUnauthorized Kind = "Unauthorized"
	// KindNotFound indicates a missing agent, artifact, or runner type.
	KindNotFound Kind = "NotFound"
	// KindConflict indicates an optimistic concurrency conflict that survived
	// the store's internal retries.
	KindConflict Kind = "Conflict"
	// KindUnconfigured indicates a model call with no provider/model resolved
	// from either the request options or the global model configuration.
	KindUnconfigured Kind = "Unconfigured"
	// KindUpstreamTimeout indicates a provider or external agent call that
	// exceeded its deadline.
	KindUpstreamTimeout Kind = "UpstreamTimeout"
	// KindUpstreamFailure indicates a provider or external agent failure
	// (5xx, 429 after retries, malformed response).
	KindUpstreamFailure Kind = "UpstreamFailure"
	// KindCancelled indicates cooperative cancellation observed before
	// completion.
	KindCancelled Kind = "Cancelled"
	// KindInternal is the fallback classification for unexpected failures.
	KindInternal Kind = "Internal"
)

// Error carries a failure kind together with a human-readable message and an
// optional cause. It is the only error type components are expected to return
// across package boundaries; plain errors are treated as KindInternal.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Message is a caller-safe description of the failure.
	Message string
	// Cause preserves the underlying error chain, if any.
	Cause error
}

// New constructs an Error with the given kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error with the given kind whose message and cause come
// from err. Wrapping a *fault.Error with the same kind returns it unchanged.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == kind {
		return fe
	}
	return &Error{Kind: kind, Message: err.Error(), Cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause to preserve the error chain.
func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the failure kind from err. Context cancellation and
// deadline errors are recognized even when they were not wrapped; any other
// unclassified error is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamTimeout
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// HTTPStatus maps a failure kind to the HTTP status code it surfaces as.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnconfigured:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamFailure:
		return http.StatusBadGateway
	case KindCancelled:
		// Nginx convention for client-closed requests; there is no standard
		// status for cooperative cancellation.
		return 499
	default:
		return http.StatusInternalServerError
	}
}
