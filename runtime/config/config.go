// Package config holds process-wide configuration for the pipeline: the
// recognized environment keys with their defaults, and the global model
// configuration behind an atomic reference.
package config

import (
	"os"
	"strconv"
	"time"
)

// Recognized environment keys. Values are read once at startup by Load;
// MODEL_CONFIG_GLOBAL_JSON is also consulted on every model config write
// because it shadows persisted configuration.
const (
	EnvModelConfigGlobal   = "MODEL_CONFIG_GLOBAL_JSON"
	EnvObsBufferCapacity   = "OBS_BUFFER_CAPACITY"
	EnvObsSubscriberQueue  = "OBS_SUBSCRIBER_QUEUE"
	EnvDispatchTimeoutMS   = "DISPATCH_TIMEOUT_MS"
	EnvProviderTimeoutMS   = "PROVIDER_TIMEOUT_MS"
	EnvUsageBatchWindowMS  = "USAGE_BATCH_WINDOW_MS"
)

// Defaults applied when the corresponding environment key is unset or
// unparsable.
const (
	DefaultObsBufferCapacity  = 500
	DefaultObsSubscriberQueue = 128
	DefaultDispatchTimeout    = 600 * time.Second
	DefaultProviderTimeout    = 120 * time.Second
	DefaultUsageBatchWindow   = 50 * time.Millisecond
	DefaultUsageBatchSize     = 64
)

// Runtime bundles the tunables read from the environment.
type Runtime struct {
	// ObsBufferCapacity is the observability ring buffer capacity.
	ObsBufferCapacity int
	// ObsSubscriberQueue is the per-subscriber queue depth before tail-drop.
	ObsSubscriberQueue int
	// DispatchTimeout bounds one dispatch end to end unless overridden per
	// agent.
	DispatchTimeout time.Duration
	// ProviderTimeout bounds a single model provider call.
	ProviderTimeout time.Duration
	// UsageBatchWindow is the flush window for the usage record batcher.
	UsageBatchWindow time.Duration
}

// Load reads the runtime tunables from the environment, applying defaults
// for unset or invalid values.
func Load() Runtime {
	return Runtime{
		ObsBufferCapacity:  envInt(EnvObsBufferCapacity, DefaultObsBufferCapacity),
		ObsSubscriberQueue: envInt(EnvObsSubscriberQueue, DefaultObsSubscriberQueue),
		DispatchTimeout:    envMillis(EnvDispatchTimeoutMS, DefaultDispatchTimeout),
		ProviderTimeout:    envMillis(EnvProviderTimeoutMS, DefaultProviderTimeout),
		UsageBatchWindow:   envMillis(EnvUsageBatchWindowMS, DefaultUsageBatchWindow),
	}
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envMillis(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
