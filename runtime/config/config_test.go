package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/runtime/config"
)

func TestLoadDefaults(t *testing.T) {
	rt := config.Load()
	assert.Equal(t, config.DefaultObsBufferCapacity, rt.ObsBufferCapacity)
	assert.Equal(t, config.DefaultObsSubscriberQueue, rt.ObsSubscriberQueue)
	assert.Equal(t, config.DefaultDispatchTimeout, rt.DispatchTimeout)
	assert.Equal(t, config.DefaultProviderTimeout, rt.ProviderTimeout)
	assert.Equal(t, config.DefaultUsageBatchWindow, rt.UsageBatchWindow)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv(config.EnvObsBufferCapacity, "64")
	t.Setenv(config.EnvDispatchTimeoutMS, "2500")

	rt := config.Load()
	assert.Equal(t, 64, rt.ObsBufferCapacity)
	assert.Equal(t, 2500*time.Millisecond, rt.DispatchTimeout)
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv(config.EnvObsBufferCapacity, "not-a-number")
	t.Setenv(config.EnvProviderTimeoutMS, "-5")

	rt := config.Load()
	assert.Equal(t, config.DefaultObsBufferCapacity, rt.ObsBufferCapacity)
	assert.Equal(t, config.DefaultProviderTimeout, rt.ProviderTimeout)
}

func TestModelConfigStoreSetAndGet(t *testing.T) {
	store := config.NewModelConfigStore(nil)
	assert.Nil(t, store.Get())
	assert.False(t, store.Pinned())

	store.Set(context.Background(), &config.ModelConfig{Provider: "openai", Model: "gpt-4o"})
	got := store.Get()
	require.NotNil(t, got)
	assert.Equal(t, "openai", got.Provider)
}

func TestModelConfigStorePinnedByEnvironment(t *testing.T) {
	t.Setenv(config.EnvModelConfigGlobal, `{"provider":"anthropic","model":"claude-sonnet-4-0"}`)

	store := config.NewModelConfigStore(nil)
	assert.True(t, store.Pinned())
	require.NotNil(t, store.Get())
	assert.Equal(t, "anthropic", store.Get().Provider)

	// Writes are shadowed while pinned.
	store.Set(context.Background(), &config.ModelConfig{Provider: "openai", Model: "gpt-4o"})
	assert.Equal(t, "anthropic", store.Get().Provider)
}

func TestModelConfigStoreIgnoresInvalidOverride(t *testing.T) {
	t.Setenv(config.EnvModelConfigGlobal, "{not json")

	store := config.NewModelConfigStore(nil)
	assert.False(t, store.Pinned())
	assert.Nil(t, store.Get())
}
