package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/stewardhq/steward/runtime/fault"
)

// maxAPIResponseBytes bounds one bridged API response body.
const maxAPIResponseBytes = 4 << 20

// APIRunner bridges agents to plain HTTP APIs: the request payload is POSTed
// to the agent's endpoint as JSON together with the capsule, and the JSON
// response body becomes the result. Every mode maps to the same bridge; the
// mode and action travel in the request body so the API can branch on them.
type APIRunner struct {
	http *http.Client
}

// APIOption configures an APIRunner.
type APIOption func(*APIRunner)

// WithAPIHTTPClient overrides the bridge HTTP client.
func WithAPIHTTPClient(c *http.Client) APIOption {
	return func(r *APIRunner) {
		if c != nil {
			r.http = c
		}
	}
}

// NewAPIRunner constructs the API bridge runner.
func NewAPIRunner(opts ...APIOption) *APIRunner {
	r := &APIRunner{
		http: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

var _ Runner = (*APIRunner)(nil)

// Run implements Runner.
func (r *APIRunner) Run(ctx context.Context, req *Request) (*Response, error) {
	if !req.Mode.Valid() {
		return nil, fault.New(fault.KindBadRequest, "unknown mode %q", req.Mode)
	}
	if req.Agent.EndpointURL == "" {
		return nil, fault.New(fault.KindUnconfigured, "api agent %q has no endpoint", req.Agent.Slug)
	}

	snap := req.Capsule.Snapshot()
	body, err := json.Marshal(map[string]any{
		"context": &snap,
		"mode":    req.Mode,
		"action":  req.Action,
		"message": req.Message,
		"payload": req.Payload,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Agent.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(httpReq)
	if err != nil {
		switch {
		case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
			return nil, fault.Wrap(fault.KindCancelled, err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fault.Wrap(fault.KindUpstreamTimeout, err)
		default:
			return nil, fault.Wrap(fault.KindUpstreamFailure, err)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstreamFailure, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fault.New(fault.KindUpstreamFailure, "api agent returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fault.New(fault.KindBadRequest, "api agent rejected the request with status %d", resp.StatusCode)
	}

	var result any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fault.New(fault.KindUpstreamFailure, "api agent returned malformed JSON")
		}
	}
	return &Response{Result: result}, nil
}
