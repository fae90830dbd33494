package runner

import (
	"context"
	"errors"
	"strings"

	"github.com/stewardhq/steward/runtime/gateway"
	"github.com/stewardhq/steward/runtime/telemetry"
)

type (
	// Document is one retrieved passage with its source reference.
	Document struct {
		// Source identifies where the passage came from.
		Source string
		// Content is the passage text.
		Content string
		// Score is the retrieval relevance score, when the retriever
		// provides one.
		Score float64
	}

	// Retriever finds passages relevant to a query within an organization's
	// corpus.
	Retriever interface {
		Retrieve(ctx context.Context, orgSlug, query string, limit int) ([]Document, error)
	}
)

// ragRetrieveLimit bounds passages folded into one prompt.
const ragRetrieveLimit = 8

// RAGRunner augments model calls with retrieved documents: the user's query
// runs through the retriever and the hits are folded into the prompt before
// the gateway call. Retrieval failures degrade to a plain model call with a
// warning rather than failing the request.
type RAGRunner struct {
	Base
	retriever Retriever
	gw        *gateway.Gateway
	logger    telemetry.Logger
}

// RAGOption configures a RAGRunner.
type RAGOption func(*RAGRunner)

// WithRAGLogger sets the runner logger.
func WithRAGLogger(l telemetry.Logger) RAGOption {
	return func(r *RAGRunner) { r.logger = l }
}

// NewRAGRunner constructs the retrieval-augmented runner.
func NewRAGRunner(retriever Retriever, gw *gateway.Gateway, opts ...RAGOption) (*RAGRunner, error) {
	if retriever == nil {
		return nil, errors.New("runner: retriever is required")
	}
	if gw == nil {
		return nil, errors.New("runner: gateway is required")
	}
	r := &RAGRunner{
		retriever: retriever,
		gw:        gw,
		logger:    telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.Base = NewBase(Handlers{Converse: r.runConverse})
	return r, nil
}

var _ Runner = (*RAGRunner)(nil)

func (r *RAGRunner) runConverse(ctx context.Context, req *Request) (*Response, error) {
	snap := req.Capsule.Snapshot()
	docs, err := r.retriever.Retrieve(ctx, snap.OrgSlug, req.Message, ragRetrieveLimit)
	if err != nil {
		r.logger.Warn(ctx, "retrieval failed, answering without context",
			"agent", req.Agent.Slug, "error", err.Error())
		docs = nil
	}

	prompt := req.Message
	if len(docs) > 0 {
		var b strings.Builder
		b.WriteString("Answer using the following sources. Cite the source of every claim.\n\n")
		for _, d := range docs {
			b.WriteString("Source: ")
			b.WriteString(d.Source)
			b.WriteString("\n")
			b.WriteString(d.Content)
			b.WriteString("\n\n")
		}
		b.WriteString("Question: ")
		b.WriteString(req.Message)
		prompt = b.String()
	}

	res, err := r.gw.Generate(ctx, req.Capsule, req.Agent.SystemPrompt, prompt, gateway.Options{
		Provider: req.Agent.Provider,
		Model:    req.Agent.Model,
	})
	if err != nil {
		return nil, err
	}

	sources := make([]string, 0, len(docs))
	for _, d := range docs {
		sources = append(sources, d.Source)
	}
	return &Response{Output: res.Content, Result: map[string]any{"sources": sources}}, nil
}
