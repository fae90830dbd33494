package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/fault"
	"github.com/stewardhq/steward/runtime/gateway"
	"github.com/stewardhq/steward/runtime/model"
	"github.com/stewardhq/steward/runtime/pii"
)

func testCapsule() *capsule.Capsule {
	caps, err := capsule.Accept(&capsule.Capsule{
		OrgSlug:        "acme",
		UserID:         "u-1",
		ConversationID: "c-1",
		AgentSlug:      "writer",
		AgentType:      "context",
		Provider:       "openai",
		Model:          "gpt-4o",
	}, "u-1")
	if err != nil {
		panic(err)
	}
	return caps
}

// fakeClient scripts per-attempt outcomes: each call pops the next error, a
// nil meaning success.
type fakeClient struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	lastReq  model.Request
	response model.Response
}

func (c *fakeClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.lastReq = req
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return model.Response{}, err
		}
	}
	return c.response, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newGateway(client model.Client, opts ...gateway.Option) *gateway.Gateway {
	g := gateway.New(append(opts, gateway.WithSleep(noSleep))...)
	if client != nil {
		g.Register("openai", client)
	}
	return g
}

func TestGenerateSuccess(t *testing.T) {
	client := &fakeClient{response: model.Response{
		Content: "hello world",
		Usage:   model.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 500_000},
	}}
	g := newGateway(client)

	res, err := g.Generate(context.Background(), testCapsule(), "be brief", "say hello", gateway.Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Content)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, "gpt-4o", res.Model)
	assert.Equal(t, 1, client.calls)
	// 1M prompt tokens at 250 + 0.5M output at 1000.
	assert.Equal(t, int64(250+500), res.CostCents)
	assert.Equal(t, "gpt-4o", client.lastReq.Model)
	assert.Equal(t, "be brief", client.lastReq.System)
	require.Len(t, client.lastReq.Messages, 1)
	assert.Equal(t, "say hello", client.lastReq.Messages[0].Content)
}

func TestGenerateUnconfigured(t *testing.T) {
	g := newGateway(&fakeClient{})
	caps := &capsule.Capsule{OrgSlug: "acme", UserID: "u-1"}

	_, err := g.Generate(context.Background(), caps, "", "hi", gateway.Options{})
	assert.Equal(t, fault.KindUnconfigured, fault.KindOf(err))
}

func TestGenerateUnknownProviderIsUnconfigured(t *testing.T) {
	g := newGateway(&fakeClient{})
	_, err := g.Generate(context.Background(), testCapsule(), "", "hi", gateway.Options{Provider: "mystery", Model: "m"})
	assert.Equal(t, fault.KindUnconfigured, fault.KindOf(err))
}

func TestOptionsOverrideCapsuleSelection(t *testing.T) {
	client := &fakeClient{response: model.Response{Content: "ok"}}
	g := newGateway(nil)
	g.Register("anthropic", client)

	res, err := g.Generate(context.Background(), testCapsule(), "", "hi", gateway.Options{
		Provider: "anthropic",
		Model:    "claude-sonnet-4-0",
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, "claude-sonnet-4-0", res.Model)
	assert.Equal(t, "claude-sonnet-4-0", client.lastReq.Model)
}

func TestRetryOnThrottlingThenSucceed(t *testing.T) {
	throttle := model.NewProviderError("openai", "chat", 429, model.KindRateLimited, "slow down", nil)
	client := &fakeClient{
		errs:     []error{throttle, throttle, nil},
		response: model.Response{Content: "third time lucky"},
	}
	g := newGateway(client)

	res, err := g.Generate(context.Background(), testCapsule(), "", "hi", gateway.Options{})
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", res.Content)
	assert.Equal(t, 3, client.calls)
}

func TestRetriesExhaustedSurfaceUpstreamFailure(t *testing.T) {
	unavailable := model.NewProviderError("openai", "chat", 503, model.KindUnavailable, "down", nil)
	client := &fakeClient{errs: []error{unavailable, unavailable, unavailable}}
	g := newGateway(client)

	_, err := g.Generate(context.Background(), testCapsule(), "", "hi", gateway.Options{})
	assert.Equal(t, fault.KindUpstreamFailure, fault.KindOf(err))
	assert.Equal(t, 3, client.calls)
}

func TestNonRetryableFailsFirstAttempt(t *testing.T) {
	badKey := model.NewProviderError("openai", "chat", 401, model.KindAuth, "bad key", nil)
	client := &fakeClient{errs: []error{badKey}}
	g := newGateway(client)

	_, err := g.Generate(context.Background(), testCapsule(), "", "hi", gateway.Options{})
	assert.Equal(t, fault.KindUpstreamFailure, fault.KindOf(err))
	assert.Equal(t, 1, client.calls)
}

// blockingClient waits for its context to end and returns its error.
type blockingClient struct{}

func (blockingClient) Complete(ctx context.Context, _ model.Request) (model.Response, error) {
	<-ctx.Done()
	return model.Response{}, ctx.Err()
}

func TestAttemptTimeoutIsUpstreamTimeout(t *testing.T) {
	g := gateway.New(gateway.WithSleep(noSleep), gateway.WithTimeout(5*time.Millisecond))
	g.Register("openai", blockingClient{})

	_, err := g.Generate(context.Background(), testCapsule(), "", "hi", gateway.Options{})
	assert.Equal(t, fault.KindUpstreamTimeout, fault.KindOf(err))
}

func TestCallerCancellationIsCancelled(t *testing.T) {
	g := gateway.New(gateway.WithSleep(noSleep))
	g.Register("openai", blockingClient{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := g.Generate(ctx, testCapsule(), "", "hi", gateway.Options{})
	assert.Equal(t, fault.KindCancelled, fault.KindOf(err))
}

type staticDict map[string]string

func (d staticDict) Load(context.Context, string, string) (map[string]string, error) {
	return d, nil
}

type failingDict struct{}

func (failingDict) Load(context.Context, string, string) (map[string]string, error) {
	return nil, errors.New("dictionary store unreachable")
}

// echoClient returns the prompt it received so tests can observe what left
// the process.
type echoClient struct {
	mu   sync.Mutex
	seen string
}

func (c *echoClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = req.Messages[0].Content
	return model.Response{Content: req.Messages[0].Content}, nil
}

func TestPseudonymsNeverLeaveAndAlwaysReturn(t *testing.T) {
	engine := pii.NewEngine(staticDict{"Project Neptune": "neptune"})
	client := &echoClient{}
	g := gateway.New(gateway.WithSleep(noSleep), gateway.WithPII(engine))
	g.Register("openai", client)

	res, err := g.Generate(context.Background(), testCapsule(), "",
		"Summarize Project Neptune for alice@example.com", gateway.Options{})
	require.NoError(t, err)

	assert.NotContains(t, client.seen, "Project Neptune")
	assert.NotContains(t, client.seen, "alice@example.com")
	assert.Contains(t, client.seen, "@neptune")

	// The caller sees the originals restored.
	assert.Contains(t, res.Content, "Project Neptune")
	assert.Contains(t, res.Content, "alice@example.com")
	assert.False(t, res.PIIDegraded)
}

func TestDictionaryFailureDegradesToPatterns(t *testing.T) {
	engine := pii.NewEngine(failingDict{})
	client := &echoClient{}
	g := gateway.New(gateway.WithSleep(noSleep), gateway.WithPII(engine))
	g.Register("openai", client)

	res, err := g.Generate(context.Background(), testCapsule(), "",
		"Email alice@example.com about the launch", gateway.Options{})
	require.NoError(t, err)
	assert.True(t, res.PIIDegraded)
	assert.NotContains(t, client.seen, "alice@example.com")
	assert.Contains(t, res.Content, "alice@example.com")
}

type captureUsage struct {
	mu      sync.Mutex
	records []*gateway.UsageRecord
}

func (c *captureUsage) InsertUsage(_ context.Context, recs []*gateway.UsageRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, recs...)
	return nil
}

func TestUsageRecorded(t *testing.T) {
	store := &captureUsage{}
	batcher := gateway.NewBatcher(store, gateway.WithBatchWindow(time.Millisecond))
	client := &fakeClient{response: model.Response{
		Content: "ok",
		Usage:   model.TokenUsage{PromptTokens: 100, CompletionTokens: 50},
	}}
	g := newGateway(client, gateway.WithUsage(batcher))

	caps := testCapsule()
	require.NoError(t, caps.TryAssignTaskID("t-9"))
	_, err := g.Generate(context.Background(), caps, "", "hi", gateway.Options{})
	require.NoError(t, err)

	require.NoError(t, batcher.Close(context.Background()))
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, "openai", rec.Provider)
	assert.Equal(t, "gpt-4o", rec.Model)
	assert.Equal(t, 100, rec.Usage.PromptTokens)
	assert.Equal(t, "t-9", rec.Capsule.TaskID)
	assert.Equal(t, "acme", rec.Capsule.OrgSlug)
	assert.Equal(t, gateway.CallerGateway, rec.CallerType)
	assert.Equal(t, gateway.StatusCompleted, rec.Status)
}

func TestUsageRecordedOnFailure(t *testing.T) {
	store := &captureUsage{}
	batcher := gateway.NewBatcher(store, gateway.WithBatchWindow(time.Millisecond))
	badKey := model.NewProviderError("openai", "chat", 401, model.KindAuth, "bad key", nil)
	g := newGateway(&fakeClient{errs: []error{badKey}}, gateway.WithUsage(batcher))

	_, err := g.Generate(context.Background(), testCapsule(), "", "hi", gateway.Options{})
	require.Error(t, err)

	require.NoError(t, batcher.Close(context.Background()))
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, gateway.StatusFailed, rec.Status)
	assert.Equal(t, "openai", rec.Provider)
	assert.Equal(t, "gpt-4o", rec.Model)
	assert.Zero(t, rec.Usage.PromptTokens)
	assert.Zero(t, rec.Usage.CompletionTokens)
	assert.Zero(t, rec.CostCents)
}

func TestUsageRecordedOnCancellation(t *testing.T) {
	store := &captureUsage{}
	batcher := gateway.NewBatcher(store, gateway.WithBatchWindow(time.Millisecond))
	g := gateway.New(gateway.WithSleep(noSleep), gateway.WithUsage(batcher))
	g.Register("openai", blockingClient{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := g.Generate(ctx, testCapsule(), "", "hi", gateway.Options{})
	require.Equal(t, fault.KindCancelled, fault.KindOf(err))

	require.NoError(t, batcher.Close(context.Background()))
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.records, 1)
	assert.Equal(t, gateway.StatusCancelled, store.records[0].Status)
	assert.Zero(t, store.records[0].Usage.PromptTokens)
}

func TestCallerAttributionFlowsToUsage(t *testing.T) {
	store := &captureUsage{}
	batcher := gateway.NewBatcher(store, gateway.WithBatchWindow(time.Millisecond))
	client := &fakeClient{response: model.Response{Content: "ok"}}
	g := newGateway(client, gateway.WithUsage(batcher))

	_, err := g.Generate(context.Background(), testCapsule(), "", "hi", gateway.Options{
		CallerType: gateway.CallerArtifact,
		CallerName: "plan",
	})
	require.NoError(t, err)

	require.NoError(t, batcher.Close(context.Background()))
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.records, 1)
	assert.Equal(t, gateway.CallerArtifact, store.records[0].CallerType)
	assert.Equal(t, "plan", store.records[0].CallerName)
}

func TestRecordUsageAttributesExternalCaller(t *testing.T) {
	store := &captureUsage{}
	batcher := gateway.NewBatcher(store, gateway.WithBatchWindow(time.Millisecond))
	g := gateway.New(gateway.WithUsage(batcher))

	g.RecordUsage(testCapsule(), gateway.Report{
		Provider:   "openai",
		Model:      "gpt-4o",
		Usage:      model.TokenUsage{PromptTokens: 1_000_000},
		Duration:   800 * time.Millisecond,
		CallerName: "crew-researcher",
	})

	require.NoError(t, batcher.Close(context.Background()))
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, gateway.CallerExternal, rec.CallerType)
	assert.Equal(t, "crew-researcher", rec.CallerName)
	assert.Equal(t, gateway.StatusCompleted, rec.Status)
	assert.Positive(t, rec.CostCents)
	assert.EqualValues(t, 800, rec.DurationMS)
}
