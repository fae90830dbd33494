// Package model defines the provider-agnostic contract for LLM invocations.
// It abstracts over chat completion APIs (OpenAI, Anthropic, Bedrock) so the
// gateway can invoke models without coupling to specific SDKs. Adapters under
// features/model translate these normalized types into provider formats.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract the gateway uses to invoke a model provider.
	// Implementations wrap provider SDKs and should be thread-safe and
	// reusable across calls.
	//
	// The pipeline is deliberately unary: prompt pseudonymization must be
	// reversed on the complete output before it reaches the caller, so
	// incremental provider streaming stays inside the adapter.
	Client interface {
		// Complete sends a chat completion request and returns the generated
		// response. Failures should be returned as *ProviderError so the
		// gateway can classify them for retry decisions.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters for one model invocation.
	Request struct {
		// Model is the provider-specific model identifier. Required.
		Model string
		// System is the system prompt, already pseudonymized by the gateway.
		System string
		// Messages is the ordered chat history. For the pipeline this is
		// typically a single user message, also pseudonymized.
		Messages []Message
		// Temperature controls sampling temperature. Zero means provider
		// default.
		Temperature float64
		// MaxTokens caps completion tokens. Zero means provider default.
		MaxTokens int
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role is "user", "assistant", or "system".
		Role string
		// Content is the message text.
		Content string
	}

	// Response wraps the generated content and provider-reported usage.
	Response struct {
		// Content is the assistant text produced by the model.
		Content string
		// Usage reports token counts when the provider supplies them.
		Usage TokenUsage
		// StopReason explains why generation stopped. Provider-specific and
		// may be empty.
		StopReason string
	}

	// TokenUsage records the token counts reported by the provider for one
	// call. Zero values mean the provider did not report the dimension.
	TokenUsage struct {
		// PromptTokens counts tokens consumed by the prompt.
		PromptTokens int
		// CompletionTokens counts tokens produced by the model.
		CompletionTokens int
		// CachedInputTokens counts prompt tokens served from a provider-side
		// cache, when reported.
		CachedInputTokens int
		// ThinkingTokens counts reasoning tokens, when reported.
		ThinkingTokens int
	}
)

// Total returns the provider-reported total for the call.
func (u TokenUsage) Total() int { return u.PromptTokens + u.CompletionTokens }

// ErrRateLimited marks provider throttling so rate-limiting middleware and
// the gateway backoff can react without string matching.
var ErrRateLimited = errors.New("model: rate limited")
