package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/stewardhq/steward/features/obs/pulse/clients/pulse"
	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/obs"
)

type fakeStream struct {
	mu      sync.Mutex
	added   []envelope
	eventCh chan *streaming.Event
	acked   int
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.added = append(f.added, env)
	f.mu.Unlock()
	return "1-0", nil
}

func (f *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return &fakeSink{stream: f}, nil
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

func (f *fakeStream) addedEnvelopes() []envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]envelope(nil), f.added...)
}

type fakeSink struct {
	stream *fakeStream
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.stream.eventCh }

func (f *fakeSink) Ack(context.Context, *streaming.Event) error {
	f.stream.mu.Lock()
	f.stream.acked++
	f.stream.mu.Unlock()
	return nil
}

func (f *fakeSink) Close(context.Context) {}

type fakeClient struct {
	stream *fakeStream
}

func (f *fakeClient) Stream(string, ...streamopts.Stream) (clientspulse.Stream, error) {
	return f.stream, nil
}

func (f *fakeClient) Close(context.Context) error { return nil }

func taskEvent(conversationID, eventType string) *obs.Event {
	caps := capsule.Capsule{UserID: "u-1", ConversationID: conversationID}
	return &obs.Event{
		Capsule:   caps,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func TestPublishWrapsEventWithOrigin(t *testing.T) {
	stream := &fakeStream{}
	relay, err := New(Options{Client: &fakeClient{stream: stream}, Origin: "inst-a"})
	require.NoError(t, err)

	require.NoError(t, relay.Publish(context.Background(), taskEvent("c-1", "task.started")))

	added := stream.addedEnvelopes()
	require.Len(t, added, 1)
	assert.Equal(t, "inst-a", added[0].Origin)
	require.NotNil(t, added[0].Event)
	assert.Equal(t, "task.started", added[0].Event.EventType)
	assert.Equal(t, "c-1", added[0].Event.Capsule.ConversationID)
}

func TestConsumeInjectsPeerEvents(t *testing.T) {
	stream := &fakeStream{eventCh: make(chan *streaming.Event, 2)}
	relay, err := New(Options{Client: &fakeClient{stream: stream}, Origin: "inst-a"})
	require.NoError(t, err)

	bus := obs.New()
	defer func() { _ = bus.Close(context.Background()) }()
	sub := bus.Subscribe(context.Background(), obs.Filter{ConversationID: "c-1"})
	defer sub.Close()

	require.NoError(t, relay.Consume(context.Background(), bus))

	payload, err := json.Marshal(envelope{Origin: "inst-b", Event: taskEvent("c-1", "task.completed")})
	require.NoError(t, err)
	stream.eventCh <- &streaming.Event{ID: "1-0", Payload: payload}

	select {
	case e := <-sub.Events():
		assert.Equal(t, "task.completed", e.EventType)
	case <-time.After(time.Second):
		t.Fatal("expected relayed event")
	}
	require.NoError(t, relay.Close(context.Background()))
}

func TestConsumeDropsOwnEvents(t *testing.T) {
	stream := &fakeStream{eventCh: make(chan *streaming.Event, 2)}
	relay, err := New(Options{Client: &fakeClient{stream: stream}, Origin: "inst-a"})
	require.NoError(t, err)

	bus := obs.New()
	defer func() { _ = bus.Close(context.Background()) }()
	sub := bus.Subscribe(context.Background(), obs.Filter{})
	defer sub.Close()

	require.NoError(t, relay.Consume(context.Background(), bus))

	own, err := json.Marshal(envelope{Origin: "inst-a", Event: taskEvent("c-1", "task.started")})
	require.NoError(t, err)
	peer, err := json.Marshal(envelope{Origin: "inst-b", Event: taskEvent("c-1", "task.completed")})
	require.NoError(t, err)
	stream.eventCh <- &streaming.Event{ID: "1-0", Payload: own}
	stream.eventCh <- &streaming.Event{ID: "2-0", Payload: peer}

	select {
	case e := <-sub.Events():
		// The own-origin envelope must be skipped, so the peer event
		// arrives first.
		assert.Equal(t, "task.completed", e.EventType)
	case <-time.After(time.Second):
		t.Fatal("expected peer event")
	}
	require.NoError(t, relay.Close(context.Background()))
}

func TestBusForwardsThroughRelay(t *testing.T) {
	stream := &fakeStream{}
	relay, err := New(Options{Client: &fakeClient{stream: stream}, Origin: "inst-a"})
	require.NoError(t, err)

	bus := obs.New(obs.WithRelay(relay))
	bus.Push(taskEvent("c-9", "task.started"))
	require.NoError(t, bus.Close(context.Background()))

	added := stream.addedEnvelopes()
	require.Len(t, added, 1)
	assert.Equal(t, "c-9", added[0].Event.Capsule.ConversationID)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
