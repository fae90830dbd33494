// Package pulse implements obs.Relay on Pulse streams so observability
// events reach subscribers on every service instance. Each instance
// publishes its local events to a shared Redis stream and consumes the
// stream through its own consumer group, injecting events that originated
// elsewhere into its local bus.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	clientspulse "github.com/stewardhq/steward/features/obs/pulse/clients/pulse"
	"github.com/stewardhq/steward/runtime/obs"
	"github.com/stewardhq/steward/runtime/telemetry"
)

const defaultStreamName = "obs/events"

type (
	// Options configures the event relay.
	Options struct {
		// Client is the Pulse client used for both publishing and consuming.
		// Required and typically built via features/obs/pulse/clients/pulse.
		Client clientspulse.Client
		// StreamName overrides the shared stream name.
		StreamName string
		// Origin identifies this instance in published envelopes. Defaults
		// to a random UUID. Consumers drop envelopes carrying their own
		// origin.
		Origin string
		// Logger reports consume-side failures.
		Logger telemetry.Logger
	}

	// Relay implements obs.Relay backed by a shared Pulse stream.
	Relay struct {
		client clientspulse.Client
		stream clientspulse.Stream
		origin string
		logger telemetry.Logger

		cancel context.CancelFunc
		done   chan struct{}
	}

	// envelope wraps events for transmission over the shared stream.
	envelope struct {
		// Origin identifies the publishing instance.
		Origin string `json:"origin"`
		// Published records when the envelope was created (UTC).
		Published time.Time `json:"published"`
		// Event is the relayed event.
		Event *obs.Event `json:"event"`
	}
)

var _ obs.Relay = (*Relay)(nil)

// New constructs an event relay on the shared Pulse stream.
func New(opts Options) (*Relay, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = defaultStreamName
	}
	origin := opts.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	stream, err := opts.Client.Stream(name)
	if err != nil {
		return nil, err
	}
	return &Relay{
		client: opts.Client,
		stream: stream,
		origin: origin,
		logger: logger,
	}, nil
}

// Publish implements obs.Relay.
func (r *Relay) Publish(ctx context.Context, e *obs.Event) error {
	if e == nil {
		return nil
	}
	payload, err := json.Marshal(envelope{
		Origin:    r.origin,
		Published: time.Now().UTC(),
		Event:     e,
	})
	if err != nil {
		return err
	}
	_, err = r.stream.Add(ctx, e.EventType, payload)
	return err
}

// Consume opens this instance's consumer group and injects events published
// by peers into the bus. It returns once the group is open; consumption
// continues on a background goroutine until ctx ends or Close is called.
func (r *Relay) Consume(ctx context.Context, bus *obs.Bus) error {
	if bus == nil {
		return errors.New("bus is required")
	}
	if r.done != nil {
		return errors.New("relay already consuming")
	}
	sink, err := r.stream.NewSink(ctx, "relay-"+r.origin)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.consume(runCtx, sink, bus)
	return nil
}

func (r *Relay) consume(ctx context.Context, sink clientspulse.Sink, bus *obs.Bus) {
	defer close(r.done)
	defer sink.Close(context.Background())
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				r.logger.Error(ctx, "relay envelope decode failed", "error", err.Error())
			} else if env.Origin != r.origin && env.Event != nil {
				bus.Inject(env.Event)
			}
			if err := sink.Ack(ctx, evt); err != nil && ctx.Err() == nil {
				r.logger.Error(ctx, "relay ack failed", "error", err.Error())
			}
		}
	}
}

// Close stops the consumer and releases the Pulse client.
func (r *Relay) Close(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("relay close: %w", ctx.Err())
		}
	}
	return r.client.Close(ctx)
}
