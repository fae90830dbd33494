package runner

import (
	"context"
	"errors"

	"github.com/stewardhq/steward/runtime/artifact"
	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/gateway"
)

// MediaRunner produces media generation deliverables. The model call expands
// the user's request into a production-ready generation prompt which is
// stored as a deliverable of type "media"; downstream renderers pick the
// deliverable up from the store.
type MediaRunner struct {
	Base
	artifacts *artifact.Service
	gw        *gateway.Gateway
}

// NewMediaRunner constructs the media runner.
func NewMediaRunner(artifacts *artifact.Service, gw *gateway.Gateway) (*MediaRunner, error) {
	if artifacts == nil {
		return nil, errors.New("runner: artifact service is required")
	}
	if gw == nil {
		return nil, errors.New("runner: gateway is required")
	}
	r := &MediaRunner{artifacts: artifacts, gw: gw}
	r.Base = NewBase(Handlers{
		Converse: r.runConverse,
		Build:    r.runBuild,
	})
	return r, nil
}

var _ Runner = (*MediaRunner)(nil)

const mediaSystemPrompt = "You turn user requests into detailed media generation prompts: subject, composition, style, lighting, and format."

func (r *MediaRunner) runConverse(ctx context.Context, req *Request) (*Response, error) {
	system := req.Agent.SystemPrompt
	if system == "" {
		system = mediaSystemPrompt
	}
	res, err := r.gw.Generate(ctx, req.Capsule, system, req.Message, gateway.Options{
		Provider: req.Agent.Provider,
		Model:    req.Agent.Model,
	})
	if err != nil {
		return nil, err
	}
	return &Response{Output: res.Content}, nil
}

func (r *MediaRunner) runBuild(ctx context.Context, req *Request) (*Response, error) {
	action := req.Action
	if action == "" {
		action = artifact.ActionCreate
	}
	in, err := actionInput(req)
	if err != nil {
		return nil, err
	}
	if action == artifact.ActionCreate {
		in.Type = "media"
		if in.Content == "" && in.Prompt == "" {
			in.System = req.Agent.SystemPrompt
			if in.System == "" {
				in.System = mediaSystemPrompt
			}
			in.Prompt = req.Message
		}
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
