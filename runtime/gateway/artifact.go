package gateway

import (
	"context"

	"github.com/stewardhq/steward/runtime/artifact"
	"github.com/stewardhq/steward/runtime/capsule"
)

// ArtifactGenerator adapts the gateway to the artifact service's generation
// contract so artifact actions that produce content run through the full
// call pipeline.
type ArtifactGenerator struct {
	gw *Gateway
}

// NewArtifactGenerator wraps a gateway.
func NewArtifactGenerator(gw *Gateway) *ArtifactGenerator {
	return &ArtifactGenerator{gw: gw}
}

var _ artifact.Generator = (*ArtifactGenerator)(nil)

// GenerateArtifact implements artifact.Generator.
func (a *ArtifactGenerator) GenerateArtifact(ctx context.Context, caps *capsule.Capsule, req artifact.GenerateRequest) (*artifact.GenerateResult, error) {
	res, err := a.gw.Generate(ctx, caps, req.System, req.Prompt, Options{
		Provider:    req.Provider,
		Model:       req.Model,
		Temperature: req.Temperature,
		CallerType:  CallerArtifact,
	})
	if err != nil {
		return nil, err
	}
	return &artifact.GenerateResult{
		Content:  res.Content,
		Provider: res.Provider,
		Model:    res.Model,
	}, nil
}
