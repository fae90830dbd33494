package gateway

import (
	"github.com/stewardhq/steward/runtime/model"
)

type (
	// Price is the per-million-token rate card for one model, in cents.
	Price struct {
		// InputCentsPerMTok prices uncached prompt tokens.
		InputCentsPerMTok int64
		// CachedInputCentsPerMTok prices prompt tokens served from the
		// provider cache. Zero falls back to the input rate.
		CachedInputCentsPerMTok int64
		// OutputCentsPerMTok prices completion tokens, thinking included.
		OutputCentsPerMTok int64
	}

	// PriceTable maps "<provider>/<model>" to its rate card. Models missing
	// from the table cost zero; the gateway still records their token usage.
	PriceTable map[string]Price
)

// DefaultPrices returns the built-in rate card. Deployments replace it with
// their negotiated rates through WithPrices.
func DefaultPrices() PriceTable {
	return PriceTable{
		"openai/gpt-4o":               {InputCentsPerMTok: 250, CachedInputCentsPerMTok: 125, OutputCentsPerMTok: 1000},
		"openai/gpt-4o-mini":          {InputCentsPerMTok: 15, CachedInputCentsPerMTok: 8, OutputCentsPerMTok: 60},
		"anthropic/claude-sonnet-4-0": {InputCentsPerMTok: 300, CachedInputCentsPerMTok: 30, OutputCentsPerMTok: 1500},
		"anthropic/claude-haiku-3-5":  {InputCentsPerMTok: 80, CachedInputCentsPerMTok: 8, OutputCentsPerMTok: 400},
		"bedrock/claude-sonnet-4-0":   {InputCentsPerMTok: 300, CachedInputCentsPerMTok: 30, OutputCentsPerMTok: 1500},
	}
}

// Cost prices one call in cents, rounding each component up so the cost
// never decreases when any token count grows. Unknown models cost zero.
func (t PriceTable) Cost(provider, mdl string, u model.TokenUsage) int64 {
	p, ok := t[provider+"/"+mdl]
	if !ok {
		return 0
	}
	cachedRate := p.CachedInputCentsPerMTok
	if cachedRate == 0 {
		cachedRate = p.InputCentsPerMTok
	}
	uncached := u.PromptTokens - u.CachedInputTokens
	if uncached < 0 {
		uncached = 0
	}
	output := u.CompletionTokens + u.ThinkingTokens

	return ceilDiv(int64(uncached)*p.InputCentsPerMTok, 1_000_000) +
		ceilDiv(int64(u.CachedInputTokens)*cachedRate, 1_000_000) +
		ceilDiv(int64(output)*p.OutputCentsPerMTok, 1_000_000)
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
