package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/stewardhq/steward/runtime/fault"
	"github.com/stewardhq/steward/runtime/obs"
	"github.com/stewardhq/steward/runtime/telemetry"
)

// SubDispatcher dispatches one step to another agent on behalf of the
// orchestrator. The dispatch package provides the production implementation;
// the indirection breaks the dependency cycle between runners and the
// dispatcher.
type SubDispatcher interface {
	DispatchSub(ctx context.Context, parent *Request, agentSlug string, mode Mode, action, message string, payload map[string]any) (*Response, error)
}

// OrchestratorRunner sequences other agents: the request payload lists steps
// and each step is dispatched to its agent in order, with earlier outputs
// available to later steps. A failing step fails the whole run.
type OrchestratorRunner struct {
	sub    SubDispatcher
	bus    *obs.Bus
	logger telemetry.Logger
}

// OrchestratorOption configures an OrchestratorRunner.
type OrchestratorOption func(*OrchestratorRunner)

// WithOrchestratorBus wires the observability bus.
func WithOrchestratorBus(b *obs.Bus) OrchestratorOption {
	return func(r *OrchestratorRunner) { r.bus = b }
}

// WithOrchestratorLogger sets the runner logger.
func WithOrchestratorLogger(l telemetry.Logger) OrchestratorOption {
	return func(r *OrchestratorRunner) { r.logger = l }
}

// NewOrchestratorRunner constructs the orchestrator runner.
func NewOrchestratorRunner(sub SubDispatcher, opts ...OrchestratorOption) (*OrchestratorRunner, error) {
	if sub == nil {
		return nil, errors.New("runner: sub-dispatcher is required")
	}
	r := &OrchestratorRunner{
		sub:    sub,
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

var _ Runner = (*OrchestratorRunner)(nil)

// step is one entry of the orchestration payload.
type step struct {
	Agent   string         `json:"agent"`
	Mode    string         `json:"mode"`
	Action  string         `json:"action,omitempty"`
	Message string         `json:"message,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Run implements Runner.
func (r *OrchestratorRunner) Run(ctx context.Context, req *Request) (*Response, error) {
	if !req.Mode.Valid() {
		return nil, fault.New(fault.KindBadRequest, "unknown mode %q", req.Mode)
	}
	steps, err := decodeSteps(req.Payload)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fault.New(fault.KindBadRequest, "orchestration requires at least one step")
	}

	outputs := make([]any, 0, len(steps))
	for i, st := range steps {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.KindCancelled, err)
		}
		mode := Mode(st.Mode)
		if st.Mode == "" {
			mode = req.Mode
		}
		if !mode.Valid() {
			return nil, fault.New(fault.KindBadRequest, "step %d has unknown mode %q", i+1, st.Mode)
		}
		if st.Agent == "" {
			return nil, fault.New(fault.KindBadRequest, "step %d names no agent", i+1)
		}

		r.emitStep(req, i+1, len(steps), st.Agent)
		message := st.Message
		if message == "" {
			message = req.Message
		}
		payload := st.Payload
		if len(outputs) > 0 {
			if payload == nil {
				payload = make(map[string]any, 1)
			}
			payload["previousResults"] = outputs
		}

		resp, err := r.sub.DispatchSub(ctx, req, st.Agent, mode, st.Action, message, payload)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, st.Agent, err)
		}
		if resp.Result != nil {
			outputs = append(outputs, resp.Result)
		} else {
			outputs = append(outputs, resp.Output)
		}
	}

	return &Response{Result: map[string]any{"steps": outputs}}, nil
}

func (r *OrchestratorRunner) emitStep(req *Request, n, total int, agent string) {
	if r.bus == nil {
		return
	}
	progress := n * 100 / total
	r.bus.Push(&obs.Event{
		Capsule:   req.Capsule.Snapshot(),
		SourceApp: "steward",
		EventType: "orchestration.step",
		Status:    "running",
		Step:      agent,
		Progress:  &progress,
	})
}

func decodeSteps(payload map[string]any) ([]step, error) {
	raw, ok := payload["steps"]
	if !ok {
		return nil, fault.New(fault.KindBadRequest, "orchestration payload carries no steps")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fault.New(fault.KindBadRequest, "orchestration steps must be a list")
	}
	steps := make([]step, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fault.New(fault.KindBadRequest, "step %d is not an object", i+1)
		}
		var st step
		st.Agent, _ = m["agent"].(string)
		st.Mode, _ = m["mode"].(string)
		st.Action, _ = m["action"].(string)
		st.Message, _ = m["message"].(string)
		if p, ok := m["payload"].(map[string]any); ok {
			st.Payload = p
		}
		steps = append(steps, st)
	}
	return steps, nil
}
