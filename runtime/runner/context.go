package runner

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/stewardhq/steward/runtime/artifact"
	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/fault"
	"github.com/stewardhq/steward/runtime/gateway"
	"github.com/stewardhq/steward/runtime/obs"
	"github.com/stewardhq/steward/runtime/telemetry"
)

// ContextRunner executes prompt-engineered agents: conversation and artifact
// work flow through the model gateway under the agent's system prompt, and
// plan/build actions are artifact actions against the store.
type ContextRunner struct {
	Base
	artifacts *artifact.Service
	gw        *gateway.Gateway
	bus       *obs.Bus
	logger    telemetry.Logger
}

// ContextOption configures a ContextRunner.
type ContextOption func(*ContextRunner)

// WithContextLogger sets the runner logger.
func WithContextLogger(l telemetry.Logger) ContextOption {
	return func(r *ContextRunner) { r.logger = l }
}

// WithContextBus wires the observability bus.
func WithContextBus(b *obs.Bus) ContextOption {
	return func(r *ContextRunner) { r.bus = b }
}

// NewContextRunner constructs the context runner. Both the artifact service
// and the gateway are required.
func NewContextRunner(artifacts *artifact.Service, gw *gateway.Gateway, opts ...ContextOption) (*ContextRunner, error) {
	if artifacts == nil {
		return nil, errors.New("runner: artifact service is required")
	}
	if gw == nil {
		return nil, errors.New("runner: gateway is required")
	}
	r := &ContextRunner{
		artifacts: artifacts,
		gw:        gw,
		logger:    telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.Base = NewBase(Handlers{
		Converse: r.runConverse,
		Plan:     r.runPlan,
		Build:    r.runBuild,
		HITL:     r.runHITL,
	})
	return r, nil
}

var _ Runner = (*ContextRunner)(nil)

func (r *ContextRunner) runConverse(ctx context.Context, req *Request) (*Response, error) {
	res, err := r.gw.Generate(ctx, req.Capsule, req.Agent.SystemPrompt, req.Message, gateway.Options{
		Provider: req.Agent.Provider,
		Model:    req.Agent.Model,
	})
	if err != nil {
		return nil, err
	}
	return &Response{Output: res.Content}, nil
}

func (r *ContextRunner) runPlan(ctx context.Context, req *Request) (*Response, error) {
	action := req.Action
	if action == "" {
		action = artifact.ActionCreate
	}
	in, err := actionInput(req)
	if err != nil {
		return nil, err
	}
	if action == artifact.ActionCreate && in.Content == "" && in.Prompt == "" {
		in.System = req.Agent.SystemPrompt
		in.Prompt = req.Message
	}
	res, err := r.artifacts.Do(ctx, req.Capsule, artifact.KindPlan, action, in)
	if err != nil {
		return nil, err
	}
	if action == artifact.ActionCreate {
		if err := req.Capsule.TryAssignPlanID(res.Artifact.ID); err != nil && !errors.Is(err, capsule.ErrImmutable) {
			return nil, err
		}
	}
	return &Response{Result: res}, nil
}

func (r *ContextRunner) runBuild(ctx context.Context, req *Request) (*Response, error) {
	action := req.Action
	if action == "" {
		action = artifact.ActionCreate
	}
	in, err := actionInput(req)
	if err != nil {
		return nil, err
	}
	if action == artifact.ActionCreate && in.Content == "" && in.Prompt == "" {
		in.System = req.Agent.SystemPrompt
		in.Prompt = r.buildPrompt(ctx, req)
	}
	res, err := r.artifacts.Do(ctx, req.Capsule, artifact.KindDeliverable, action, in)
	if err != nil {
		return nil, err
	}
	if action == artifact.ActionCreate {
		if err := req.Capsule.TryAssignDeliverableID(res.Artifact.ID); err != nil && !errors.Is(err, capsule.ErrImmutable) {
			return nil, err
		}
	}
	return &Response{Result: res}, nil
}

// buildPrompt folds the conversation's current plan into the build prompt so
// deliverables follow the plan the user approved. Requests without a plan
// build from the message alone.
func (r *ContextRunner) buildPrompt(ctx context.Context, req *Request) string {
	prompt := req.Message
	plan, err := r.artifacts.Do(ctx, req.Capsule, artifact.KindPlan, artifact.ActionRead, artifact.ActionInput{})
	if err != nil {
		if !fault.Is(err, fault.KindNotFound) {
			r.logger.Warn(ctx, "current plan unavailable for build", "error", err.Error())
		}
		return prompt
	}
	return "Follow this plan:\n\n" + plan.Version.Content + "\n\nRequest: " + prompt
}

// runHITL resumes work waiting on a human decision. Approval triggers the
// build the plan was waiting for; rejection records the decision and stops.
func (r *ContextRunner) runHITL(ctx context.Context, req *Request) (*Response, error) {
	decision, _ := req.Payload["decision"].(string)
	switch decision {
	case "approve":
		r.emitDecision(req, "approved")
		return r.runBuild(ctx, req)
	case "reject":
		r.emitDecision(req, "rejected")
		reason, _ := req.Payload["reason"].(string)
		return &Response{Output: "Understood, stopping here.", Result: map[string]any{"decision": "rejected", "reason": reason}}, nil
	default:
		return nil, fault.New(fault.KindBadRequest, "hitl requires a decision of approve or reject")
	}
}

func (r *ContextRunner) emitDecision(req *Request, status string) {
	if r.bus == nil {
		return
	}
	r.bus.Push(&obs.Event{
		Capsule:   req.Capsule.Snapshot(),
		SourceApp: "steward",
		EventType: "hitl.decision",
		Status:    status,
	})
}

// actionInput decodes the request payload into artifact action parameters.
func actionInput(req *Request) (artifact.ActionInput, error) {
	var in artifact.ActionInput
	if len(req.Payload) == 0 {
		return in, nil
	}
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return in, fault.Wrap(fault.KindBadRequest, err)
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fault.Wrap(fault.KindBadRequest, err)
	}
	return in, nil
}
