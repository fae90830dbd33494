package fault_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stewardhq/steward/runtime/fault"
)

func TestNewFormatsMessage(t *testing.T) {
	err := fault.New(fault.KindNotFound, "agent %q not found", "writer")
	assert.Equal(t, fault.KindNotFound, err.Kind)
	assert.Equal(t, `NotFound: agent "writer" not found`, err.Error())
}

func TestWrapPreservesChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := fault.Wrap(fault.KindUpstreamFailure, cause)
	assert.Equal(t, fault.KindUpstreamFailure, err.Kind)
	assert.True(t, errors.Is(err, cause))
}

func TestWrapSameKindIsIdempotent(t *testing.T) {
	inner := fault.New(fault.KindConflict, "rev mismatch")
	assert.Same(t, inner, fault.Wrap(fault.KindConflict, inner))

	// A different kind re-classifies.
	rewrapped := fault.Wrap(fault.KindInternal, inner)
	assert.Equal(t, fault.KindInternal, rewrapped.Kind)
	assert.True(t, errors.Is(rewrapped, inner))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, fault.Wrap(fault.KindInternal, nil))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, fault.KindBadRequest, fault.KindOf(fault.New(fault.KindBadRequest, "bad")))
	assert.Equal(t, fault.KindNotFound, fault.KindOf(fmt.Errorf("loading: %w", fault.New(fault.KindNotFound, "gone"))))
	assert.Equal(t, fault.KindCancelled, fault.KindOf(context.Canceled))
	assert.Equal(t, fault.KindUpstreamTimeout, fault.KindOf(context.DeadlineExceeded))
	assert.Equal(t, fault.KindInternal, fault.KindOf(errors.New("surprise")))
	assert.Equal(t, fault.Kind(""), fault.KindOf(nil))
}

func TestIs(t *testing.T) {
	assert.True(t, fault.Is(fault.New(fault.KindConflict, "x"), fault.KindConflict))
	assert.False(t, fault.Is(fault.New(fault.KindConflict, "x"), fault.KindNotFound))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[fault.Kind]int{
		fault.KindBadRequest:      http.StatusBadRequest,
		fault.KindUnauthorized:    http.StatusUnauthorized,
		fault.KindNotFound:        http.StatusNotFound,
		fault.KindConflict:        http.StatusConflict,
		fault.KindUnconfigured:    http.StatusServiceUnavailable,
		fault.KindUpstreamTimeout: http.StatusGatewayTimeout,
		fault.KindUpstreamFailure: http.StatusBadGateway,
		fault.KindCancelled:       499,
		fault.KindInternal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, fault.HTTPStatus(kind), string(kind))
	}
}
