// Package gateway implements the model gateway: the single funnel every
// model invocation goes through. A call resolves its provider and model,
// pseudonymizes the prompt, invokes the provider adapter under a deadline
// with bounded retries, reverses the pseudonyms in the output, prices the
// reported token usage, records a usage row, and emits lifecycle events.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/config"
	"github.com/stewardhq/steward/runtime/fault"
	"github.com/stewardhq/steward/runtime/model"
	"github.com/stewardhq/steward/runtime/obs"
	"github.com/stewardhq/steward/runtime/pii"
	"github.com/stewardhq/steward/runtime/telemetry"
)

type (
	// Options carries per-call overrides. Unset fields fall through to the
	// capsule selection and then the global model configuration.
	Options struct {
		// Provider overrides the provider selection.
		Provider string
		// Model overrides the model selection.
		Model string
		// Temperature overrides the sampling temperature.
		Temperature *float64
		// MaxTokens overrides the completion token cap.
		MaxTokens int
		// CallerType and CallerName attribute the call's usage row to the
		// component that initiated it. Unset CallerType records the call as
		// a direct gateway invocation.
		CallerType string
		CallerName string
	}

	// Result is the outcome of one gateway call.
	Result struct {
		// Content is the model output with pseudonyms reversed.
		Content string
		// Provider and Model identify what actually served the call.
		Provider string
		Model    string
		// Usage is the provider-reported token usage.
		Usage model.TokenUsage
		// CostCents is the priced cost of the call in cents, zero when the
		// model is not in the price table.
		CostCents int64
		// PIIDegraded reports that the pseudonym dictionary failed to load and
		// only pattern substitution protected the prompt.
		PIIDegraded bool
	}

	// Gateway funnels model invocations through the transformation, retry,
	// pricing, and accounting pipeline. Construct one with New and share it.
	Gateway struct {
		mu      sync.RWMutex
		clients map[string]model.Client

		cfg     *config.ModelConfigStore
		engine  *pii.Engine
		prices  PriceTable
		usage   *Batcher
		bus     *obs.Bus
		timeout time.Duration
		logger  telemetry.Logger
		metrics telemetry.Metrics
		sleep   func(context.Context, time.Duration) error
	}

	// Option configures a Gateway.
	Option func(*Gateway)
)

// WithModelConfig wires the global model configuration consulted when
// neither the call options nor the capsule resolve a provider and model.
func WithModelConfig(s *config.ModelConfigStore) Option {
	return func(g *Gateway) { g.cfg = s }
}

// WithPII wires the pseudonymization engine. Without it prompts leave the
// process untransformed.
func WithPII(e *pii.Engine) Option {
	return func(g *Gateway) { g.engine = e }
}

// WithPrices sets the price table used to cost calls.
func WithPrices(t PriceTable) Option {
	return func(g *Gateway) { g.prices = t }
}

// WithUsage wires the usage record batcher.
func WithUsage(b *Batcher) Option {
	return func(g *Gateway) { g.usage = b }
}

// WithBus wires the observability bus for call lifecycle events.
func WithBus(b *obs.Bus) Option {
	return func(g *Gateway) { g.bus = b }
}

// WithTimeout overrides the per-attempt provider deadline.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(l telemetry.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics sets the gateway metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New constructs a Gateway with no providers registered. Register adapters
// with Register before serving calls.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		clients: make(map[string]model.Client),
		prices:  DefaultPrices(),
		timeout: config.DefaultProviderTimeout,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Register installs the adapter serving the named provider. Registering the
// same provider twice replaces the adapter.
func (g *Gateway) Register(provider string, c model.Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[provider] = c
}

// Providers returns the registered provider names.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.clients))
	for name := range g.clients {
		out = append(out, name)
	}
	return out
}

// Generate runs one model call through the full pipeline. The prompt and
// system text are pseudonymized before they leave the process and the output
// is reversed before it is returned. Selection resolves call options first,
// then the capsule, then the global model configuration; when neither yields
// both a provider and a model the call fails as unconfigured.
func (g *Gateway) Generate(ctx context.Context, caps *capsule.Capsule, system, prompt string, opts Options) (*Result, error) {
	provider, mdl, err := g.resolve(caps, opts)
	if err != nil {
		return nil, err
	}
	client, err := g.client(provider)
	if err != nil {
		return nil, err
	}

	caller := opts.CallerType
	if caller == "" {
		caller = CallerGateway
	}

	snap := caps.Snapshot()
	g.emit(&snap, obs.EventLLMStarted, "running", map[string]any{
		"provider": provider,
		"model":    mdl,
	})

	started := time.Now()
	res, err := g.run(ctx, caps, client, provider, mdl, system, prompt, opts)
	elapsed := time.Since(started)
	g.metrics.RecordTimer("gateway.call.duration", elapsed)

	if err != nil {
		status := StatusFailed
		if fault.KindOf(err) == fault.KindCancelled {
			status = StatusCancelled
		}
		// Failed attempts land in accounting too, with zero tokens when the
		// provider reported none.
		g.record(&snap, &Result{Provider: provider, Model: mdl}, caller, opts.CallerName, status, elapsed)
		g.emit(&snap, obs.EventLLMCompleted, "failed", map[string]any{
			"provider":  provider,
			"model":     mdl,
			"faultKind": string(fault.KindOf(err)),
		})
		return nil, err
	}

	g.record(&snap, res, caller, opts.CallerName, StatusCompleted, elapsed)
	g.emit(&snap, obs.EventLLMCompleted, "succeeded", map[string]any{
		"provider":     provider,
		"model":        mdl,
		"promptTokens": res.Usage.PromptTokens,
		"outputTokens": res.Usage.CompletionTokens,
		"costCents":    res.CostCents,
	})
	return res, nil
}

// run executes the transformation and provider call halves of the pipeline.
func (g *Gateway) run(ctx context.Context, caps *capsule.Capsule, client model.Client, provider, mdl, system, prompt string, opts Options) (*Result, error) {
	mappings := make(map[string]string)
	degraded := false

	transform := func(text string) (string, error) {
		if g.engine == nil || text == "" {
			return text, nil
		}
		r, err := g.engine.Pseudonymize(ctx, text, caps)
		if err != nil {
			return "", fault.Wrap(fault.KindInternal, err)
		}
		for tok, orig := range r.Mappings {
			mappings[tok] = orig
		}
		degraded = degraded || r.Degraded
		return r.Text, nil
	}

	safeSystem, err := transform(system)
	if err != nil {
		return nil, err
	}
	safePrompt, err := transform(prompt)
	if err != nil {
		return nil, err
	}

	req := model.Request{
		Model:     mdl,
		System:    safeSystem,
		Messages:  []model.Message{{Role: "user", Content: safePrompt}},
		MaxTokens: opts.MaxTokens,
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	} else if g.cfg != nil {
		if c := g.cfg.Get(); c != nil && c.Temperature != nil {
			req.Temperature = *c.Temperature
		}
	}

	resp, err := g.invoke(ctx, client, provider, req)
	if err != nil {
		return nil, err
	}

	return &Result{
		Content:     pii.Reverse(resp.Content, mappings),
		Provider:    provider,
		Model:       mdl,
		Usage:       resp.Usage,
		CostCents:   g.prices.Cost(provider, mdl, resp.Usage),
		PIIDegraded: degraded,
	}, nil
}

// invoke calls the provider under the per-attempt deadline, retrying
// throttling and transient failures with jittered exponential backoff.
func (g *Gateway) invoke(ctx context.Context, client model.Client, provider string, req model.Request) (model.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, backoffDelay(attempt-1)); err != nil {
				return model.Response{}, fault.Wrap(fault.KindCancelled, err)
			}
			g.logger.Debug(ctx, "retrying provider call", "provider", provider, "attempt", attempt+1)
			g.metrics.IncCounter("gateway.call.retries", 1)
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := client.Complete(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		switch {
		case ctx.Err() != nil:
			// The caller's context ended, not the attempt deadline.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return model.Response{}, fault.Wrap(fault.KindUpstreamTimeout, err)
			}
			return model.Response{}, fault.Wrap(fault.KindCancelled, err)
		case errors.Is(err, context.DeadlineExceeded):
			return model.Response{}, &fault.Error{
				Kind:    fault.KindUpstreamTimeout,
				Message: "provider call exceeded " + g.timeout.String(),
				Cause:   err,
			}
		}

		if pe, ok := model.AsProviderError(err); ok && pe.Retryable() {
			continue
		}
		if errors.Is(err, model.ErrRateLimited) {
			continue
		}
		break
	}
	return model.Response{}, fault.Wrap(fault.KindUpstreamFailure, lastErr)
}

// resolve determines the provider and model for one call.
func (g *Gateway) resolve(caps *capsule.Capsule, opts Options) (provider, mdl string, err error) {
	provider, mdl = opts.Provider, opts.Model
	if provider == "" || mdl == "" {
		snap := caps.Snapshot()
		if provider == "" {
			provider = snap.Provider
		}
		if mdl == "" {
			mdl = snap.Model
		}
	}
	if (provider == "" || mdl == "") && g.cfg != nil {
		if c := g.cfg.Get(); c != nil {
			if provider == "" {
				provider = c.Provider
			}
			if mdl == "" {
				mdl = c.Model
			}
		}
	}
	if provider == "" || mdl == "" {
		return "", "", fault.New(fault.KindUnconfigured, "no provider and model resolved for this call")
	}
	return provider, mdl, nil
}

func (g *Gateway) client(provider string) (model.Client, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.clients[provider]
	if !ok {
		return nil, fault.New(fault.KindUnconfigured, "no adapter registered for provider %q", provider)
	}
	return c, nil
}

// Report describes a model call made outside the gateway, submitted by an
// external agent for accounting.
type Report struct {
	Provider   string
	Model      string
	Usage      model.TokenUsage
	Duration   time.Duration
	CallerName string
	// Status defaults to completed when the report leaves it empty.
	Status string
}

// RecordUsage accounts a model call made outside the gateway. The call is
// priced with the same table as gateway calls and lands in the same usage
// store, attributed to the external caller.
func (g *Gateway) RecordUsage(caps *capsule.Capsule, rep Report) {
	if g.usage == nil {
		return
	}
	status := rep.Status
	if status == "" {
		status = StatusCompleted
	}
	snap := caps.Snapshot()
	g.usage.Record(&UsageRecord{
		Capsule:    snap,
		Provider:   rep.Provider,
		Model:      rep.Model,
		CallerType: CallerExternal,
		CallerName: rep.CallerName,
		Status:     status,
		Usage:      rep.Usage,
		CostCents:  g.prices.Cost(rep.Provider, rep.Model, rep.Usage),
		DurationMS: rep.Duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	})
}

func (g *Gateway) record(snap *capsule.Capsule, res *Result, callerType, callerName, status string, elapsed time.Duration) {
	if g.usage == nil {
		return
	}
	g.usage.Record(&UsageRecord{
		Capsule:     *snap,
		Provider:    res.Provider,
		Model:       res.Model,
		CallerType:  callerType,
		CallerName:  callerName,
		Status:      status,
		Usage:       res.Usage,
		CostCents:   res.CostCents,
		PIIDegraded: res.PIIDegraded,
		DurationMS:  elapsed.Milliseconds(),
		Timestamp:   time.Now().UTC(),
	})
}

func (g *Gateway) emit(snap *capsule.Capsule, eventType, status string, payload map[string]any) {
	if g.bus == nil {
		return
	}
	g.bus.Push(&obs.Event{
		Capsule:   *snap,
		SourceApp: "steward",
		EventType: eventType,
		Status:    status,
		Payload:   payload,
	})
}

// sleepCtx waits d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
