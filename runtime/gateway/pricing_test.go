package gateway_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/stewardhq/steward/runtime/gateway"
	"github.com/stewardhq/steward/runtime/model"
)

func TestCostKnownModel(t *testing.T) {
	prices := gateway.DefaultPrices()

	cost := prices.Cost("openai", "gpt-4o", model.TokenUsage{
		PromptTokens:     2_000_000,
		CompletionTokens: 1_000_000,
	})
	assert.Equal(t, int64(2*250+1000), cost)

	// Cached prompt tokens bill at the cached rate.
	cost = prices.Cost("openai", "gpt-4o", model.TokenUsage{
		PromptTokens:      2_000_000,
		CachedInputTokens: 1_000_000,
		CompletionTokens:  0,
	})
	assert.Equal(t, int64(250+125), cost)
}

func TestCostUnknownModelIsZero(t *testing.T) {
	prices := gateway.DefaultPrices()
	cost := prices.Cost("openai", "gpt-99", model.TokenUsage{PromptTokens: 1_000_000})
	assert.Zero(t, cost)
}

func TestCostRoundsUp(t *testing.T) {
	prices := gateway.PriceTable{
		"p/m": {InputCentsPerMTok: 100, OutputCentsPerMTok: 100},
	}
	// One token is far below a cent but still bills one.
	cost := prices.Cost("p", "m", model.TokenUsage{PromptTokens: 1})
	assert.Equal(t, int64(1), cost)
}

// TestCostMonotone checks that growing any token dimension never lowers the
// priced cost.
func TestCostMonotone(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	prices := gateway.DefaultPrices()
	tokens := gen.IntRange(0, 5_000_000)

	properties.Property("cost never decreases with more tokens", prop.ForAll(
		func(prompt, cached, completion, thinking, extra int) bool {
			if cached > prompt {
				cached = prompt
			}
			base := model.TokenUsage{
				PromptTokens:      prompt,
				CachedInputTokens: cached,
				CompletionTokens:  completion,
				ThinkingTokens:    thinking,
			}
			grown := base
			grown.PromptTokens += extra
			grown.CompletionTokens += extra
			c1 := prices.Cost("anthropic", "claude-sonnet-4-0", base)
			c2 := prices.Cost("anthropic", "claude-sonnet-4-0", grown)
			return c1 >= 0 && c2 >= c1
		},
		tokens, tokens, tokens, tokens, gen.IntRange(0, 1_000_000),
	))

	properties.TestingRun(t)
}
