package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/runtime/artifact"
	artifactmem "github.com/stewardhq/steward/runtime/artifact/inmem"
	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/dispatch"
	"github.com/stewardhq/steward/runtime/gateway"
	"github.com/stewardhq/steward/runtime/httpapi"
	"github.com/stewardhq/steward/runtime/model"
	"github.com/stewardhq/steward/runtime/obs"
	obsmem "github.com/stewardhq/steward/runtime/obs/inmem"
	"github.com/stewardhq/steward/runtime/runner"
)

type stubClient struct{ content string }

func (c stubClient) Complete(context.Context, model.Request) (model.Response, error) {
	return model.Response{
		Content: c.content,
		Usage:   model.TokenUsage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

type memUsageStore struct {
	mu      sync.Mutex
	records []*gateway.UsageRecord
}

func (m *memUsageStore) InsertUsage(_ context.Context, records []*gateway.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *memUsageStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type fixture struct {
	ts    *httptest.Server
	bus   *obs.Bus
	sink  *obsmem.Sink
	store *artifactmem.Store
	usage *memUsageStore
}

// tokenAuth authenticates "tok-<subject>" bearer tokens.
func tokenAuth() httpapi.Authenticator {
	return httpapi.AuthenticatorFunc(func(r *http.Request) (string, error) {
		token, err := httpapi.BearerToken(r)
		if err != nil {
			return "", err
		}
		subject, ok := strings.CutPrefix(token, "tok-")
		if !ok {
			return "", fmt.Errorf("unknown token")
		}
		return subject, nil
	})
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sink := obsmem.NewSink()
	bus := obs.New(obs.WithSink(sink))
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	usage := &memUsageStore{}
	batcher := gateway.NewBatcher(usage, gateway.WithBatchSize(1))
	t.Cleanup(func() { _ = batcher.Close(context.Background()) })

	gw := gateway.New(gateway.WithBus(bus), gateway.WithUsage(batcher))
	gw.Register("openai", stubClient{content: "generated text"})

	store := artifactmem.New()
	svc, err := artifact.NewService(store, bus,
		artifact.WithGenerator(gateway.NewArtifactGenerator(gw)))
	require.NoError(t, err)

	registry := runner.NewRegistry()
	ctxRunner, err := runner.NewContextRunner(svc, gw)
	require.NoError(t, err)
	registry.Register(runner.TypeContext, ctxRunner)

	directory := dispatch.NewStaticDirectory()
	directory.Add(&runner.Agent{
		Slug: "writer", OrgSlug: "acme", Name: "Writer",
		Type: runner.TypeContext, SystemPrompt: "You write well.",
	})

	d, err := dispatch.New(registry, directory, svc)
	require.NoError(t, err)

	srv, err := httpapi.New(d, gw, bus, tokenAuth(), httpapi.WithArtifacts(svc))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, bus: bus, sink: sink, store: store, usage: usage}
}

func wireCapsule() map[string]any {
	return map[string]any{
		"orgSlug":        "acme",
		"userId":         "u-1",
		"conversationId": "c-1",
		"agentSlug":      "writer",
		"agentType":      "context",
		"provider":       "openai",
		"model":          "gpt-4o",
	}
}

func (f *fixture) post(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestDispatchEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/agents/acme/writer/tasks", "tok-u-1", map[string]any{
		"context": wireCapsule(),
		"mode":    "converse",
		"message": "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decodeBody[dispatch.Envelope](t, resp)
	assert.Nil(t, env.Error)
	assert.Equal(t, "generated text", env.Output)
	assert.NotEqual(t, capsule.NIL, env.Context.TaskID)
}

func TestDispatchEndpointPathMismatch(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/agents/acme/other/tasks", "tok-u-1", map[string]any{
		"context": wireCapsule(),
		"mode":    "converse",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDispatchEndpointRequiresAuth(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/agents/acme/writer/tasks", "", map[string]any{
		"context": wireCapsule(),
		"mode":    "converse",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDispatchEndpointSubjectMismatch(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/agents/acme/writer/tasks", "tok-intruder", map[string]any{
		"context": wireCapsule(),
		"mode":    "converse",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The envelope still echoes the capsule.
	env := decodeBody[dispatch.Envelope](t, resp)
	require.NotNil(t, env.Error)
	assert.Equal(t, "acme", env.Context.OrgSlug)
}

func TestDispatchEndpointFaultStatusMapping(t *testing.T) {
	f := newFixture(t)

	caps := wireCapsule()
	caps["agentSlug"] = "ghost"
	resp := f.post(t, "/agents/acme/ghost/tasks", "tok-u-1", map[string]any{
		"context": caps,
		"mode":    "converse",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGenerateEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/llm/generate", "tok-u-1", map[string]any{
		"context": wireCapsule(),
		"prompt":  "say hi",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "generated text", out["content"])
	assert.Equal(t, "openai", out["provider"])
	assert.Equal(t, "gpt-4o", out["model"])
	assert.NotNil(t, out["costCents"])
}

func TestGenerateEndpointUnknownProvider(t *testing.T) {
	f := newFixture(t)

	caps := wireCapsule()
	caps["provider"] = "nope"
	resp := f.post(t, "/llm/generate", "tok-u-1", map[string]any{
		"context": caps,
		"prompt":  "say hi",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGenerateEndpointRejectsBadJSON(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/llm/generate", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-u-1")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUsageEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/llm/usage", "tok-u-1", map[string]any{
		"context":  wireCapsule(),
		"provider": "openai",
		"model":    "gpt-4o",
		"usage": map[string]any{
			"PromptTokens":     1_000_000,
			"CompletionTokens": 500_000,
		},
		"durationMs": 1200,
		"callerName": "crew-researcher",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool { return f.usage.len() == 1 }, time.Second, 10*time.Millisecond)
	f.usage.mu.Lock()
	rec := f.usage.records[0]
	f.usage.mu.Unlock()
	assert.Equal(t, "u-1", rec.Capsule.UserID)
	assert.Positive(t, rec.CostCents)
	assert.EqualValues(t, 1200, rec.DurationMS)
	assert.Equal(t, gateway.CallerExternal, rec.CallerType)
	assert.Equal(t, "crew-researcher", rec.CallerName)
	assert.Equal(t, gateway.StatusCompleted, rec.Status)
}

func TestUsageEndpointRequiresProviderAndModel(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/llm/usage", "tok-u-1", map[string]any{
		"context": wireCapsule(),
		"usage":   map[string]any{"PromptTokens": 10},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.bus.Push(&obs.Event{
			Capsule:   capsule.Capsule{UserID: "u-1", ConversationID: "c-1"},
			EventType: "task.started",
		})
	}
	require.Eventually(t, func() bool { return f.sink.Len() == 3 }, time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/observability/history?limit=2", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-u-1")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeBody[struct {
		Events []*obs.Event `json:"events"`
		Count  int          `json:"count"`
	}](t, resp)
	assert.Equal(t, 2, out.Count)
	assert.Len(t, out.Events, 2)
}

func TestHistoryEndpointRejectsBadTimes(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/observability/history?since=yesterday", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-u-1")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusWebhookPushesEvent(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(context.Background(), obs.Filter{TaskID: "t-1"})
	defer sub.Close()

	caps := wireCapsule()
	caps["taskId"] = "t-1"
	progress := 40
	resp := f.post(t, "/webhooks/status", "tok-agent", map[string]any{
		"context":  caps,
		"source":   "crawler",
		"status":   "running",
		"message":  "fetching sources",
		"progress": progress,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case e := <-sub.Events():
		assert.Equal(t, "task.status", e.EventType)
		assert.Equal(t, "running", e.Status)
		assert.Equal(t, "crawler", e.SourceApp)
		require.NotNil(t, e.Progress)
		assert.Equal(t, 40, *e.Progress)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestStatusWebhookClosesTerminalTask(t *testing.T) {
	f := newFixture(t)

	// Open a task through a real dispatch so the webhook has something to
	// close... dispatch already closed it, so seed a fresh running task row.
	require.NoError(t, f.store.InsertTask(context.Background(), &artifact.Task{
		ID: "t-hook", ConversationID: "c-1", Mode: "build", Status: artifact.TaskRunning,
	}))

	caps := wireCapsule()
	caps["taskId"] = "t-hook"
	resp := f.post(t, "/webhooks/status", "tok-agent", map[string]any{
		"context": caps,
		"status":  "failed",
		"message": "upstream crawl failed",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	task, err := f.store.GetTask(context.Background(), "t-hook")
	require.NoError(t, err)
	assert.Equal(t, artifact.TaskFailed, task.Status)
}

func TestStatusWebhookTerminalTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.InsertTask(context.Background(), &artifact.Task{
		ID: "t-once", ConversationID: "c-1", Mode: "build", Status: artifact.TaskRunning,
	}))

	caps := wireCapsule()
	caps["taskId"] = "t-once"
	body := map[string]any{"context": caps, "status": "succeeded"}

	resp := f.post(t, "/webhooks/status", "tok-agent", body)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.post(t, "/webhooks/status", "tok-agent", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStatusWebhookRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)

	caps := wireCapsule()
	caps["taskId"] = "t-1"
	resp := f.post(t, "/webhooks/status", "tok-agent", map[string]any{
		"context": caps,
		"status":  "paused",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamDeliversEvents(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/observability/stream?conversationId=c-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-u-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, err := f.ts.Client().Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription attaches when the handler starts; give it a moment
	// before pushing.
	time.Sleep(50 * time.Millisecond)
	f.bus.Push(&obs.Event{
		Capsule:   capsule.Capsule{UserID: "u-1", ConversationID: "c-1"},
		EventType: "task.started",
		Status:    "running",
	})
	f.bus.Push(&obs.Event{
		Capsule:   capsule.Capsule{UserID: "u-2", ConversationID: "c-other"},
		EventType: "task.started",
	})
	f.bus.Push(&obs.Event{
		Capsule:   capsule.Capsule{UserID: "u-1", ConversationID: "c-1"},
		EventType: "task.completed",
		Status:    "succeeded",
	})

	reader := bufio.NewReader(resp.Body)
	var names []string
	var payloads []obs.Event
	for len(names) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			var e obs.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
			payloads = append(payloads, e)
		}
	}

	// Only the filtered conversation's events arrive, in push order.
	assert.Equal(t, []string{"task.started", "task.completed"}, names)
	for _, e := range payloads {
		assert.Equal(t, "c-1", e.Capsule.ConversationID)
	}
}

func TestStreamRequiresAuth(t *testing.T) {
	f := newFixture(t)

	resp, err := f.ts.Client().Get(f.ts.URL + "/observability/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
