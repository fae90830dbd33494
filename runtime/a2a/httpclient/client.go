// Package httpclient implements the a2a.Caller contract over JSON-RPC HTTP.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/stewardhq/steward/runtime/a2a"
	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/fault"
)

type (
	// Option configures the HTTP client.
	Option func(*Client)

	// Client implements the a2a.Caller interface over JSON-RPC HTTP.
	Client struct {
		endpoint string
		http     *http.Client
		headers  http.Header
		id       uint64
	}

	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *a2a.Error      `json:"error"`
		ID      uint64          `json:"id"`
	}

	// envelope is the result shape every conforming agent returns: the
	// echoed capsule plus the action result.
	envelope struct {
		Context *capsule.Capsule `json:"context"`
		Result  json.RawMessage  `json:"result"`
	}
)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		if cl.headers == nil {
			cl.headers = make(http.Header)
		}
		cl.headers.Add(name, value)
	}
}

// WithBearerToken configures the client to send an Authorization Bearer token.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// New constructs a Client for the given JSON-RPC endpoint (for example,
// "https://agent.example.com/a2a").
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("a2a: endpoint is required")
	}
	cl := &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{Timeout: 30 * time.Second}
	}
	return cl, nil
}

// Ensure Client implements a2a.Caller.
var _ a2a.Caller = (*Client)(nil)

func (c *Client) nextID() uint64 {
	return atomic.AddUint64(&c.id, 1)
}

// Call invokes "<mode>.<action>" on the remote agent. The capsule snapshot
// travels verbatim under "context" in params; any artifact identifiers the
// remote agent assigned come back on the response capsule.
func (c *Client) Call(ctx context.Context, req a2a.Request) (a2a.Response, error) {
	if req.Capsule == nil {
		return a2a.Response{}, fault.New(fault.KindBadRequest, "a2a call requires a capsule")
	}
	snap := req.Capsule.Snapshot()
	params := map[string]any{
		"context": &snap,
	}
	if req.Payload != nil {
		params["payload"] = req.Payload
	}
	rpcReq := rpcRequest{
		JSONRPC: "2.0",
		Method:  req.Method(),
		ID:      c.nextID(),
		Params:  params,
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return a2a.Response{}, fault.Wrap(fault.KindInternal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return a2a.Response{}, fault.Wrap(fault.KindInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		switch {
		case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
			return a2a.Response{}, fault.Wrap(fault.KindCancelled, err)
		case errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)):
			return a2a.Response{}, fault.Wrap(fault.KindUpstreamTimeout, err)
		default:
			return a2a.Response{}, fault.Wrap(fault.KindUpstreamFailure, err)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return a2a.Response{}, fault.New(fault.KindUpstreamFailure, "a2a http status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return a2a.Response{}, fault.Wrap(fault.KindUpstreamFailure, err)
	}
	if rpcResp.Error != nil {
		return a2a.Response{}, rpcResp.Error.Fault()
	}

	var env envelope
	if err := json.Unmarshal(rpcResp.Result, &env); err != nil || env.Context == nil {
		// Agents that return a bare result without the envelope still get
		// their payload through; the capsule simply has nothing new.
		return a2a.Response{Result: rpcResp.Result}, nil
	}
	return a2a.Response{Capsule: env.Context, Result: env.Result}, nil
}
