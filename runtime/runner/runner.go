// Package runner defines the execution strategies behind agents. Every agent
// record names a runner type; the dispatcher resolves the type through the
// Registry and hands the request to the runner for the requested mode.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/fault"
)

// Mode is the execution mode requested by the caller.
type Mode string

const (
	// ModeConverse is free-form conversational exchange.
	ModeConverse Mode = "converse"
	// ModePlan produces or mutates a plan artifact.
	ModePlan Mode = "plan"
	// ModeBuild produces or mutates a deliverable artifact.
	ModeBuild Mode = "build"
	// ModeHITL resumes work waiting on a human decision.
	ModeHITL Mode = "hitl"
)

// Modes returns the recognized execution modes.
func Modes() []Mode { return []Mode{ModeConverse, ModePlan, ModeBuild, ModeHITL} }

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeConverse, ModePlan, ModeBuild, ModeHITL:
		return true
	}
	return false
}

// Type identifies a runner implementation.
type Type string

const (
	// TypeContext runs prompt-engineered agents on the model gateway.
	TypeContext Type = "context"
	// TypeAPI bridges agents to plain HTTP APIs.
	TypeAPI Type = "api"
	// TypeExternal delegates to remote agents over the A2A protocol.
	TypeExternal Type = "external"
	// TypeOrchestrator sequences other agents.
	TypeOrchestrator Type = "orchestrator"
	// TypeRAG augments model calls with retrieved documents.
	TypeRAG Type = "rag"
	// TypeMedia produces media generation deliverables.
	TypeMedia Type = "media"
)

type (
	// Agent is the stored definition of one agent: who it belongs to, which
	// runner executes it, and how it talks to its model or remote endpoint.
	Agent struct {
		// Slug is the agent identifier within its organization.
		Slug string `json:"slug" bson:"slug"`
		// OrgSlug is the owning organization. Global agents leave it empty
		// and set Global.
		OrgSlug string `json:"orgSlug,omitempty" bson:"org_slug,omitempty"`
		// Global marks agents available to every organization.
		Global bool `json:"global,omitempty" bson:"global,omitempty"`
		// Name is the display name.
		Name string `json:"name" bson:"name"`
		// Type names the runner executing this agent.
		Type Type `json:"type" bson:"type"`
		// SystemPrompt seeds model calls made on the agent's behalf.
		SystemPrompt string `json:"systemPrompt,omitempty" bson:"system_prompt,omitempty"`
		// Provider and Model select the default model for this agent.
		Provider string `json:"provider,omitempty" bson:"provider,omitempty"`
		Model    string `json:"model,omitempty" bson:"model,omitempty"`
		// EndpointURL is the remote base URL for external and api agents.
		EndpointURL string `json:"endpointUrl,omitempty" bson:"endpoint_url,omitempty"`
		// DispatchTimeout overrides the default dispatch deadline when
		// positive.
		DispatchTimeout time.Duration `json:"dispatchTimeoutMs,omitempty" bson:"dispatch_timeout_ms,omitempty"`
	}

	// Request is one unit of work handed to a runner.
	Request struct {
		// Capsule is the accepted identity capsule. Runners assign artifact
		// identifiers onto it as they create artifacts.
		Capsule *capsule.Capsule
		// Agent is the resolved agent definition.
		Agent *Agent
		// Mode is the requested execution mode.
		Mode Mode
		// Action is the mode-specific operation (artifact actions for plan
		// and build, free-form for the rest).
		Action string
		// Message is the user's message, when the mode takes one.
		Message string
		// Payload carries action parameters.
		Payload map[string]any
	}

	// Response is the runner's result.
	Response struct {
		// Output is the text surfaced to the user, when any.
		Output string `json:"output,omitempty"`
		// Result carries structured action results.
		Result any `json:"result,omitempty"`
	}

	// Runner executes requests for one runner type.
	Runner interface {
		Run(ctx context.Context, req *Request) (*Response, error)
	}

	// Registry maps runner types to their implementations. Safe for
	// concurrent use; registration normally happens at startup.
	Registry struct {
		mu      sync.RWMutex
		runners map[Type]Runner
	}
)

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[Type]Runner)}
}

// Register installs the runner for a type. Registering a type twice
// replaces the runner.
func (r *Registry) Register(t Type, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[t] = runner
}

// Resolve returns the runner for a type. Unknown types fail with a
// not-found fault: the agent record references a runner this deployment
// does not carry.
func (r *Registry) Resolve(t Type) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[t]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "no runner registered for type %q", t)
	}
	return runner, nil
}

// Types returns the registered runner types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.runners))
	for t := range r.runners {
		out = append(out, t)
	}
	return out
}

// Base dispatches requests to per-mode handlers. Concrete runners embed it
// and install handlers for the modes they support; a request for a mode
// without a handler fails with a bad request fault.
type Base struct {
	converse func(ctx context.Context, req *Request) (*Response, error)
	plan     func(ctx context.Context, req *Request) (*Response, error)
	build    func(ctx context.Context, req *Request) (*Response, error)
	hitl     func(ctx context.Context, req *Request) (*Response, error)
}

// Handlers bundles the per-mode handlers for NewBase. Nil entries leave the
// mode unsupported.
type Handlers struct {
	Converse func(ctx context.Context, req *Request) (*Response, error)
	Plan     func(ctx context.Context, req *Request) (*Response, error)
	Build    func(ctx context.Context, req *Request) (*Response, error)
	HITL     func(ctx context.Context, req *Request) (*Response, error)
}

// NewBase constructs the mode dispatcher.
func NewBase(h Handlers) Base {
	return Base{converse: h.Converse, plan: h.Plan, build: h.Build, hitl: h.HITL}
}

// Run implements Runner.
func (b *Base) Run(ctx context.Context, req *Request) (*Response, error) {
	if !req.Mode.Valid() {
		return nil, fault.New(fault.KindBadRequest, "unknown mode %q", req.Mode)
	}
	var h func(ctx context.Context, req *Request) (*Response, error)
	switch req.Mode {
	case ModeConverse:
		h = b.converse
	case ModePlan:
		h = b.plan
	case ModeBuild:
		h = b.build
	case ModeHITL:
		h = b.hitl
	}
	if h == nil {
		return nil, fault.New(fault.KindBadRequest, "mode %q is not supported by this agent", req.Mode)
	}
	return h(ctx, req)
}
