package runner

import (
	"context"
	"errors"

	"github.com/stewardhq/steward/runtime/a2a"
	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/fault"
	"github.com/stewardhq/steward/runtime/telemetry"
)

// Dialer builds an a2a.Caller for a JSON-RPC endpoint. The production dialer
// wraps httpclient.New; tests substitute fakes.
type Dialer func(endpoint string) (a2a.Caller, error)

// ExternalRunner delegates every mode to a remote agent over the A2A
// protocol. The remote endpoint comes from the agent card discovered at the
// agent's base URL, falling back to the configured endpoint when the agent
// publishes no card.
type ExternalRunner struct {
	dial       Dialer
	discoverer *a2a.Discoverer
	logger     telemetry.Logger
}

// ExternalOption configures an ExternalRunner.
type ExternalOption func(*ExternalRunner)

// WithExternalDiscoverer sets the agent card discoverer.
func WithExternalDiscoverer(d *a2a.Discoverer) ExternalOption {
	return func(r *ExternalRunner) { r.discoverer = d }
}

// WithExternalLogger sets the runner logger.
func WithExternalLogger(l telemetry.Logger) ExternalOption {
	return func(r *ExternalRunner) { r.logger = l }
}

// NewExternalRunner constructs the external runner.
func NewExternalRunner(dial Dialer, opts ...ExternalOption) (*ExternalRunner, error) {
	if dial == nil {
		return nil, errors.New("runner: dialer is required")
	}
	r := &ExternalRunner{
		dial:       dial,
		discoverer: a2a.NewDiscoverer(),
		logger:     telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

var _ Runner = (*ExternalRunner)(nil)

// Run implements Runner. The remote method is "<mode>.<action>"; identifiers
// the remote agent assigned come back on the echoed capsule and are adopted
// through the capsule's one-shot assignment.
func (r *ExternalRunner) Run(ctx context.Context, req *Request) (*Response, error) {
	if !req.Mode.Valid() {
		return nil, fault.New(fault.KindBadRequest, "unknown mode %q", req.Mode)
	}
	if req.Agent.EndpointURL == "" {
		return nil, fault.New(fault.KindUnconfigured, "external agent %q has no endpoint", req.Agent.Slug)
	}

	endpoint := req.Agent.EndpointURL
	if card, err := r.discoverer.Discover(ctx, req.Agent.EndpointURL); err == nil {
		endpoint = card.URL
	} else if !fault.Is(err, fault.KindNotFound) {
		r.logger.Warn(ctx, "agent card discovery failed, using configured endpoint",
			"agent", req.Agent.Slug, "error", err.Error())
	}

	caller, err := r.dial(endpoint)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnconfigured, err)
	}

	action := req.Action
	if action == "" {
		action = "run"
	}
	payload := req.Payload
	if req.Message != "" {
		if payload == nil {
			payload = make(map[string]any, 1)
		}
		payload["message"] = req.Message
	}

	resp, err := caller.Call(ctx, a2a.Request{
		Mode:    string(req.Mode),
		Action:  action,
		Capsule: req.Capsule,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}

	r.adopt(ctx, req.Capsule, resp.Capsule)
	return &Response{Result: resp.Result}, nil
}

// adopt copies artifact identifiers the remote agent assigned onto the local
// capsule. Conflicting reassignments are logged and ignored: the local
// capsule's one-shot rule wins.
func (r *ExternalRunner) adopt(ctx context.Context, local, remote *capsule.Capsule) {
	if remote == nil {
		return
	}
	assign := func(field string, id string, try func(string) error) {
		if id == capsule.NIL {
			return
		}
		if err := try(id); err != nil && !errors.Is(err, capsule.ErrImmutable) {
			r.logger.Warn(ctx, "remote identifier rejected", "field", field, "error", err.Error())
		}
	}
	assign("taskId", remote.TaskID, local.TryAssignTaskID)
	assign("planId", remote.PlanID, local.TryAssignPlanID)
	assign("deliverableId", remote.DeliverableID, local.TryAssignDeliverableID)
}
