package obs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/stewardhq/steward/runtime/config"
	"github.com/stewardhq/steward/runtime/telemetry"
)

const (
	// defaultNameCacheSize bounds the username enrichment cache.
	defaultNameCacheSize = 1024
	// nameCacheTTL is the enrichment cache entry lifetime.
	nameCacheTTL = 30 * time.Minute
	// maxHistoryLimit caps one History query.
	maxHistoryLimit = 5000
)

type (
	// Bus is the process-wide observability bus. Construct one with New,
	// share it by reference, and Close it during shutdown to flush the
	// durable sink.
	Bus struct {
		mu          sync.Mutex
		ring        []*Event
		next        int
		size        int
		subscribers map[*Subscription]struct{}
		closed      bool

		queueDepth int
		ringDrops  atomic.Int64
		subDrops   atomic.Int64

		sink      Sink
		persist   chan *Event
		persisted sync.WaitGroup

		relay   Relay
		relayQ  chan *Event
		relayed sync.WaitGroup

		resolver UserResolver
		names    *expirable.LRU[string, string]
		pending  sync.Map

		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Subscription is a live event stream attached to the bus. Events are
	// delivered in push order on the channel returned by Events. The channel
	// closes when the subscription is closed, its context ends, or the bus
	// drops the subscriber for falling behind.
	Subscription struct {
		filter  Filter
		ch      chan *Event
		dropped bool
		done    bool
		once    sync.Once
		parent  *Bus
	}

	// Option configures a Bus.
	Option func(*Bus)
)

// WithSink sets the durable sink appended on every push.
func WithSink(s Sink) Option {
	return func(b *Bus) { b.sink = s }
}

// WithRelay forwards every locally pushed event to the given relay so peer
// instances can deliver it to their own subscribers.
func WithRelay(r Relay) Option {
	return func(b *Bus) { b.relay = r }
}

// WithUserResolver enables username enrichment through the given resolver.
func WithUserResolver(r UserResolver) Option {
	return func(b *Bus) { b.resolver = r }
}

// WithCapacity overrides the ring buffer capacity.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ring = make([]*Event, n)
		}
	}
}

// WithSubscriberQueue overrides the per-subscriber queue depth.
func WithSubscriberQueue(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueDepth = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics sets the bus metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New constructs a Bus with the default ring capacity and subscriber queue
// depth from the runtime configuration defaults.
func New(opts ...Option) *Bus {
	b := &Bus{
		ring:        make([]*Event, config.DefaultObsBufferCapacity),
		queueDepth:  config.DefaultObsSubscriberQueue,
		subscribers: make(map[*Subscription]struct{}),
		names:       expirable.NewLRU[string, string](defaultNameCacheSize, nil, nameCacheTTL),
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.persist = make(chan *Event, len(b.ring))
	b.persisted.Add(1)
	go b.persistLoop()
	b.relayQ = make(chan *Event, len(b.ring))
	b.relayed.Add(1)
	go b.relayLoop()
	return b
}

// Push accepts an event into the bus. It never blocks: the ring drops its
// oldest entry on overflow, subscriber queues tail-drop, and the durable
// append and relay forwarding happen on background goroutines.
func (b *Bus) Push(e *Event) {
	b.push(e, false)
}

// Inject delivers an event that originated on a peer instance. It behaves
// like Push except the event is not forwarded back to the relay and not
// appended to the durable sink; the origin instance already did both.
func (b *Bus) Inject(e *Event) {
	b.push(e, true)
}

func (b *Bus) push(e *Event, remote bool) {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.enrich(e)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.size == len(b.ring) {
		// Overwriting the oldest entry.
		b.ringDrops.Add(1)
		b.metrics.IncCounter("obs.ring.drops", 1)
	} else {
		b.size++
	}
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)

	for sub := range b.subscribers {
		if sub.dropped {
			// The subscriber was cut off for falling behind; keep counting
			// what it misses until it unsubscribes.
			b.subDrops.Add(1)
			continue
		}
		if !sub.filter.Matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Queue full: tail-drop this event and cut the subscriber off.
			// Buffered events remain readable before the stream closes.
			b.subDrops.Add(1)
			b.metrics.IncCounter("obs.subscriber.drops", 1)
			sub.dropped = true
			close(sub.ch)
		}
	}
	b.mu.Unlock()

	if remote {
		return
	}
	if b.sink != nil {
		select {
		case b.persist <- e:
		default:
			b.logger.Warn(context.Background(), "durable event queue full, event not persisted",
				"eventType", e.EventType)
		}
	}
	if b.relay != nil {
		select {
		case b.relayQ <- e:
		default:
			b.metrics.IncCounter("obs.relay.drops", 1)
		}
	}
}

// Subscribe attaches a live stream for events matching the filter. The
// stream closes when ctx ends, Close is called, or the subscriber falls
// more than the queue depth behind.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) *Subscription {
	sub := &Subscription{
		filter: filter,
		ch:     make(chan *Event, b.queueDepth),
		parent: b,
	}
	b.mu.Lock()
	if b.closed {
		close(sub.ch)
		sub.done = true
		b.mu.Unlock()
		return sub
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub
}

// Events returns the subscription's delivery channel. Events arrive in push
// order; the channel closes when the subscription ends.
func (s *Subscription) Events() <-chan *Event { return s.ch }

// Dropped reports whether the bus cut this subscriber off for falling
// behind.
func (s *Subscription) Dropped() bool {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the bus. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.parent.mu.Lock()
		delete(s.parent.subscribers, s)
		if !s.dropped && !s.done {
			close(s.ch)
		}
		s.done = true
		s.parent.mu.Unlock()
	})
}

// History reads persisted events from the durable sink. The limit is capped
// at 5000; a zero or negative limit uses the cap.
func (b *Bus) History(ctx context.Context, since, until time.Time, limit int) ([]*Event, error) {
	if b.sink == nil {
		return nil, nil
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return b.sink.History(ctx, since, until, limit)
}

// Recent returns the ring buffer contents in push order, oldest first.
func (b *Bus) Recent() []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Event, 0, b.size)
	start := (b.next - b.size + len(b.ring)) % len(b.ring)
	for i := 0; i < b.size; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

// RingDrops returns the number of ring-buffer overflow drops.
func (b *Bus) RingDrops() int64 { return b.ringDrops.Load() }

// SubscriberDrops returns the number of events dropped across all
// subscribers, including events missed by cut-off subscribers.
func (b *Bus) SubscriberDrops() int64 { return b.subDrops.Load() }

// Close stops accepting events, closes all subscriber streams, and flushes
// the durable queue. It returns once the flush completes or ctx ends.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for sub := range b.subscribers {
		if !sub.dropped && !sub.done {
			close(sub.ch)
			sub.done = true
		}
		delete(b.subscribers, sub)
	}
	b.mu.Unlock()

	close(b.persist)
	close(b.relayQ)
	flushed := make(chan struct{})
	go func() {
		b.persisted.Wait()
		b.relayed.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persistLoop drains the durable queue. Append failures are logged and
// dropped; they never propagate to publishers.
func (b *Bus) persistLoop() {
	defer b.persisted.Done()
	for e := range b.persist {
		if b.sink == nil {
			continue
		}
		if err := b.sink.Append(context.Background(), e); err != nil {
			b.logger.Error(context.Background(), "durable event append failed",
				"eventType", e.EventType, "error", err.Error())
			b.metrics.IncCounter("obs.sink.failures", 1)
		}
	}
}

// relayLoop forwards locally pushed events to the relay. Publish failures
// are logged and dropped; peers fall back to their own durable history.
func (b *Bus) relayLoop() {
	defer b.relayed.Done()
	for e := range b.relayQ {
		if b.relay == nil {
			continue
		}
		if err := b.relay.Publish(context.Background(), e); err != nil {
			b.logger.Error(context.Background(), "event relay publish failed",
				"eventType", e.EventType, "error", err.Error())
			b.metrics.IncCounter("obs.relay.failures", 1)
		}
	}
}

// enrich fills UserDisplayName from the cache. On a miss the name is
// resolved asynchronously so subsequent events carry it; the current event
// is delivered without waiting.
func (b *Bus) enrich(e *Event) {
	if b.resolver == nil || e.Capsule.UserID == "" {
		return
	}
	uid := e.Capsule.UserID
	if name, ok := b.names.Get(uid); ok {
		e.UserDisplayName = name
		return
	}
	if _, loading := b.pending.LoadOrStore(uid, struct{}{}); loading {
		return
	}
	go func() {
		defer b.pending.Delete(uid)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		name, err := b.resolver.DisplayName(ctx, uid)
		if err != nil {
			b.logger.Debug(ctx, "username enrichment failed", "userId", uid, "error", err.Error())
			return
		}
		b.names.Add(uid, name)
	}()
}
