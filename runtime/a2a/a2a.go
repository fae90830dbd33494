// Package a2a defines the agent-to-agent call contract: JSON-RPC 2.0 with
// the method named "<mode>.<action>" and the identity capsule carried
// verbatim in the params. External agents echo the capsule in their result
// so newly assigned artifact identifiers propagate back to the caller.
package a2a

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/fault"
)

// JSON-RPC 2.0 error codes used on the wire. The -327xx codes follow the
// JSON-RPC specification; the -320xx application range carries pipeline
// fault kinds across process boundaries.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeUnauthorized = -32001
	CodeNotFound     = -32002
	CodeConflict     = -32003
	CodeUnconfigured = -32004
	CodeTimeout      = -32005
	CodeCancelled    = -32006
)

type (
	// Caller invokes one method on a remote agent. Implementations live in
	// the httpclient subpackage; tests substitute fakes.
	Caller interface {
		Call(ctx context.Context, req Request) (Response, error)
	}

	// Request is one outbound agent call. Mode and Action form the JSON-RPC
	// method name; the capsule travels verbatim under "context" in params.
	Request struct {
		// Mode is the execution mode (converse, plan, build, hitl).
		Mode string
		// Action is the mode-specific operation.
		Action string
		// Capsule is the caller's identity capsule. Required.
		Capsule *capsule.Capsule
		// Payload carries the action parameters.
		Payload map[string]any
	}

	// Response is the decoded result of one agent call.
	Response struct {
		// Capsule is the capsule echoed by the remote agent, carrying any
		// artifact identifiers it assigned.
		Capsule *capsule.Capsule
		// Result is the raw action result.
		Result json.RawMessage
	}

	// Error is a JSON-RPC error returned by a remote agent.
	Error struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
)

// Method returns the JSON-RPC method name for the request.
func (r Request) Method() string { return r.Mode + "." + r.Action }

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("a2a error %d: %s", e.Code, e.Message)
}

// Fault translates the remote error into the pipeline failure sum. Codes in
// the application range map to their originating kinds; protocol errors about
// the request shape are bad requests; everything else is an upstream failure.
func (e *Error) Fault() *fault.Error {
	kind := fault.KindUpstreamFailure
	switch e.Code {
	case CodeInvalidRequest, CodeInvalidParams, CodeParse:
		kind = fault.KindBadRequest
	case CodeMethodNotFound:
		kind = fault.KindNotFound
	case CodeUnauthorized:
		kind = fault.KindUnauthorized
	case CodeNotFound:
		kind = fault.KindNotFound
	case CodeConflict:
		kind = fault.KindConflict
	case CodeUnconfigured:
		kind = fault.KindUnconfigured
	case CodeTimeout:
		kind = fault.KindUpstreamTimeout
	case CodeCancelled:
		kind = fault.KindCancelled
	}
	return &fault.Error{Kind: kind, Message: e.Message, Cause: e}
}

// CodeForKind maps a pipeline fault kind to the wire error code, for servers
// exposing the A2A surface.
func CodeForKind(kind fault.Kind) int {
	switch kind {
	case fault.KindBadRequest:
		return CodeInvalidParams
	case fault.KindUnauthorized:
		return CodeUnauthorized
	case fault.KindNotFound:
		return CodeNotFound
	case fault.KindConflict:
		return CodeConflict
	case fault.KindUnconfigured:
		return CodeUnconfigured
	case fault.KindUpstreamTimeout:
		return CodeTimeout
	case fault.KindCancelled:
		return CodeCancelled
	default:
		return CodeInternal
	}
}
