// Package dispatch implements the request dispatcher: the single entry point
// that validates a request, accepts its identity capsule, loads the agent,
// opens the task, hands the work to the agent's runner under the dispatch
// deadline, and closes the task with a terminal status. Every response is an
// envelope echoing the capsule so callers adopt newly assigned identifiers.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stewardhq/steward/runtime/artifact"
	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/config"
	"github.com/stewardhq/steward/runtime/fault"
	"github.com/stewardhq/steward/runtime/runner"
	"github.com/stewardhq/steward/runtime/telemetry"
)

// ErrAgentNotFound is returned by directories when no agent matches.
var ErrAgentNotFound = errors.New("dispatch: agent not found")

type (
	// Directory resolves agent definitions. Resolution checks the caller's
	// organization first and falls back to the global catalog.
	Directory interface {
		// FindAgent returns the agent with the given slug visible to orgSlug.
		FindAgent(ctx context.Context, orgSlug, slug string) (*runner.Agent, error)
	}

	// Request is one inbound dispatch.
	Request struct {
		// Capsule is the raw identity capsule sent by the caller.
		Capsule *capsule.Capsule `json:"context"`
		// Mode is the requested execution mode.
		Mode string `json:"mode"`
		// Action is the mode-specific operation.
		Action string `json:"action,omitempty"`
		// Message is the user message, when the mode takes one.
		Message string `json:"message,omitempty"`
		// Payload carries action parameters.
		Payload map[string]any `json:"payload,omitempty"`
	}

	// Envelope is the dispatch response. The capsule is always present, on
	// success and failure alike, so callers can adopt assigned identifiers.
	Envelope struct {
		// Context is the capsule as of the end of the dispatch.
		Context capsule.Capsule `json:"context"`
		// Output is the user-facing text result, when any.
		Output string `json:"output,omitempty"`
		// Result carries the structured result, when any.
		Result any `json:"result,omitempty"`
		// Error describes the failure when the dispatch did not succeed.
		Error *EnvelopeError `json:"error,omitempty"`
	}

	// EnvelopeError is the wire form of a dispatch failure.
	EnvelopeError struct {
		// Kind is the stable failure classification.
		Kind string `json:"kind"`
		// Message is a caller-safe description.
		Message string `json:"message"`
	}

	// Dispatcher executes dispatches. Construct with New and share it.
	Dispatcher struct {
		registry  *runner.Registry
		directory Directory
		artifacts *artifact.Service
		validator *Validator
		timeout   time.Duration
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}

	// Option configures a Dispatcher.
	Option func(*Dispatcher)
)

// WithTimeout overrides the default dispatch deadline.
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithValidator overrides the request validator.
func WithValidator(v *Validator) Option {
	return func(dp *Dispatcher) { dp.validator = v }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l telemetry.Logger) Option {
	return func(dp *Dispatcher) { dp.logger = l }
}

// WithMetrics sets the dispatcher metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// New constructs a Dispatcher. Registry, directory, and artifact service are
// required.
func New(registry *runner.Registry, directory Directory, artifacts *artifact.Service, opts ...Option) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("dispatch: runner registry is required")
	}
	if directory == nil {
		return nil, errors.New("dispatch: agent directory is required")
	}
	if artifacts == nil {
		return nil, errors.New("dispatch: artifact service is required")
	}
	d := &Dispatcher{
		registry:  registry,
		directory: directory,
		artifacts: artifacts,
		timeout:   config.DefaultDispatchTimeout,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.validator == nil {
		v, err := NewValidator()
		if err != nil {
			return nil, err
		}
		d.validator = v
	}
	return d, nil
}

// Dispatch executes one request on behalf of the authenticated user. It
// never returns a Go error: failures are classified into the envelope so the
// transport layer maps them uniformly.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, authenticatedUserID string) *Envelope {
	if req == nil {
		return failedEnvelope(nil, fault.New(fault.KindBadRequest, "request body is required"))
	}
	if err := d.validate(req); err != nil {
		return failedEnvelope(req.Capsule, err)
	}

	caps, err := capsule.Accept(req.Capsule, authenticatedUserID)
	if err != nil {
		return failedEnvelope(req.Capsule, err)
	}

	agent, err := d.loadAgent(ctx, caps)
	if err != nil {
		return failedEnvelope(caps, err)
	}

	if _, err := d.artifacts.EnsureConversation(ctx, caps); err != nil {
		return failedEnvelope(caps, err)
	}
	if _, err := d.artifacts.StartTask(ctx, caps, req.Mode); err != nil {
		return failedEnvelope(caps, err)
	}

	started := time.Now()
	resp, err := d.run(ctx, caps, agent, req)
	d.metrics.RecordTimer("dispatch.duration", time.Since(started))

	if err != nil {
		d.closeTask(caps, err)
		d.metrics.IncCounter("dispatch.failed", 1)
		return failedEnvelope(caps, err)
	}

	if finishErr := d.artifacts.FinishTask(context.WithoutCancel(ctx), caps, artifact.TaskSucceeded, nil); finishErr != nil {
		d.logger.Warn(ctx, "task close failed", "taskId", caps.Snapshot().TaskID, "error", finishErr.Error())
	}
	d.metrics.IncCounter("dispatch.succeeded", 1)
	env := &Envelope{Context: caps.Snapshot()}
	if resp != nil {
		env.Output = resp.Output
		env.Result = resp.Result
	}
	return env
}

// run resolves the runner and executes it under the dispatch deadline.
func (d *Dispatcher) run(ctx context.Context, caps *capsule.Capsule, agent *runner.Agent, req *Request) (*runner.Response, error) {
	rn, err := d.registry.Resolve(agent.Type)
	if err != nil {
		return nil, err
	}

	timeout := d.timeout
	if agent.DispatchTimeout > 0 {
		timeout = agent.DispatchTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := rn.Run(runCtx, &runner.Request{
		Capsule: caps,
		Agent:   agent,
		Mode:    runner.Mode(req.Mode),
		Action:  req.Action,
		Message: req.Message,
		Payload: req.Payload,
	})
	if err != nil {
		// Distinguish the dispatch deadline from the caller going away.
		if runCtx.Err() != nil && ctx.Err() == nil && fault.KindOf(err) == fault.KindCancelled {
			return nil, fault.New(fault.KindUpstreamTimeout, "dispatch exceeded %s", timeout)
		}
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) validate(req *Request) error {
	// Round-trip through JSON so schema validation sees the wire shape.
	raw, err := json.Marshal(req)
	if err != nil {
		return fault.Wrap(fault.KindBadRequest, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fault.Wrap(fault.KindBadRequest, err)
	}
	if err := d.validator.ValidateRequest(doc); err != nil {
		return err
	}
	method := req.Mode
	if req.Action != "" {
		method = req.Mode + "." + req.Action
	}
	return d.validator.ValidatePayload(method, req.Payload)
}

// loadAgent resolves the capsule's agent within its organization, falling
// back to the global catalog, and checks the record against the capsule.
func (d *Dispatcher) loadAgent(ctx context.Context, caps *capsule.Capsule) (*runner.Agent, error) {
	snap := caps.Snapshot()
	agent, err := d.directory.FindAgent(ctx, snap.OrgSlug, snap.AgentSlug)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return nil, fault.New(fault.KindNotFound, "agent %q not found", snap.AgentSlug)
		}
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	if string(agent.Type) != snap.AgentType {
		return nil, fault.New(fault.KindBadRequest,
			"capsule agent type %q does not match agent %q", snap.AgentType, agent.Type)
	}
	return agent, nil
}

// closeTask records the terminal status matching the failure. The close uses
// a detached context so cancellation of the request cannot lose the status.
func (d *Dispatcher) closeTask(caps *capsule.Capsule, runErr error) {
	status := artifact.TaskFailed
	if fault.KindOf(runErr) == fault.KindCancelled {
		status = artifact.TaskCancelled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.artifacts.FinishTask(ctx, caps, status, runErr); err != nil {
		d.logger.Warn(ctx, "task close failed", "taskId", caps.Snapshot().TaskID, "error", err.Error())
	}
}

func failedEnvelope(caps *capsule.Capsule, err error) *Envelope {
	env := &Envelope{
		Error: &EnvelopeError{
			Kind:    string(fault.KindOf(err)),
			Message: errMessage(err),
		},
	}
	if caps != nil {
		env.Context = caps.Snapshot()
	}
	return env
}

func errMessage(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// DispatchSub implements runner.SubDispatcher: orchestrators delegate one
// step to another agent. The step runs on the parent's capsule and task; no
// new task row is opened.
func (d *Dispatcher) DispatchSub(ctx context.Context, parent *runner.Request, agentSlug string, mode runner.Mode, action, message string, payload map[string]any) (*runner.Response, error) {
	snap := parent.Capsule.Snapshot()
	agent, err := d.directory.FindAgent(ctx, snap.OrgSlug, agentSlug)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return nil, fault.New(fault.KindNotFound, "agent %q not found", agentSlug)
		}
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	rn, err := d.registry.Resolve(agent.Type)
	if err != nil {
		return nil, err
	}
	return rn.Run(ctx, &runner.Request{
		Capsule: parent.Capsule,
		Agent:   agent,
		Mode:    mode,
		Action:  action,
		Message: message,
		Payload: payload,
	})
}

var _ runner.SubDispatcher = (*Dispatcher)(nil)
