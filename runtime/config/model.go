package config

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"

	"github.com/stewardhq/steward/runtime/telemetry"
)

type (
	// ModelConfig is the org-scoped global model selection consulted by the
	// gateway when a request does not name a provider and model explicitly.
	// There are no further defaults: when neither the request options nor
	// this configuration supply both fields, the call fails.
	ModelConfig struct {
		// Provider is the model provider identifier (for example, "openai").
		Provider string `json:"provider"`
		// Model is the provider-specific model identifier.
		Model string `json:"model"`
		// Temperature is the default sampling temperature, when set.
		Temperature *float64 `json:"temperature,omitempty"`
		// MaxTokens is the default completion cap, when set.
		MaxTokens int `json:"maxTokens,omitempty"`
	}

	// ModelConfigStore holds the current global model configuration behind an
	// atomic reference. Reads are lock-free; writes swap the whole reference.
	//
	// When MODEL_CONFIG_GLOBAL_JSON is set in the environment the store is
	// pinned: Set calls are shadowed (the persisted write is ignored with a
	// warning) so operators can force a fleet-wide model without racing
	// database state.
	ModelConfigStore struct {
		current atomic.Pointer[ModelConfig]
		pinned  bool
		logger  telemetry.Logger
	}
)

// NewModelConfigStore builds the global model config store. It reads
// MODEL_CONFIG_GLOBAL_JSON once: when set and valid the store starts pinned
// to the decoded value.
func NewModelConfigStore(logger telemetry.Logger) *ModelConfigStore {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &ModelConfigStore{logger: logger}
	if raw := os.Getenv(EnvModelConfigGlobal); raw != "" {
		var cfg ModelConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			logger.Warn(context.Background(), "invalid model config override ignored",
				"env", EnvModelConfigGlobal, "error", err.Error())
		} else {
			s.current.Store(&cfg)
			s.pinned = true
		}
	}
	return s
}

// Get returns the current global model configuration, or nil when none is
// configured.
func (s *ModelConfigStore) Get() *ModelConfig {
	return s.current.Load()
}

// Set swaps the global model configuration. When the store is pinned by the
// environment override the write is shadowed and a warning is emitted; the
// pinned value stays in effect.
func (s *ModelConfigStore) Set(ctx context.Context, cfg *ModelConfig) {
	if s.pinned {
		s.logger.Warn(ctx, "model config write shadowed by environment override",
			"env", EnvModelConfigGlobal)
		return
	}
	s.current.Store(cfg)
}

// Pinned reports whether the store is pinned by MODEL_CONFIG_GLOBAL_JSON.
func (s *ModelConfigStore) Pinned() bool { return s.pinned }
