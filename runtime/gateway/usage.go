package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/config"
	"github.com/stewardhq/steward/runtime/model"
	"github.com/stewardhq/steward/runtime/telemetry"
)

// Caller types attributing a usage row to the component that initiated
// the call.
const (
	CallerGateway  = "gateway"
	CallerArtifact = "artifact"
	CallerExternal = "external"
)

// Usage record statuses. Failed and cancelled calls are accounted too, so
// the store reflects every attempt and not just the billable ones.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type (
	// UsageRecord is one priced model call, written to the usage store for
	// tenant accounting.
	UsageRecord struct {
		// Capsule attributes the call to its tenant, user, agent, and task.
		Capsule capsule.Capsule `json:"context" bson:"context"`
		// Provider and Model identify what served the call.
		Provider string `json:"provider" bson:"provider"`
		Model    string `json:"model" bson:"model"`
		// CallerType and CallerName identify the component that initiated
		// the call: a direct gateway invocation, the artifact service, or an
		// external agent reporting through the usage endpoint.
		CallerType string `json:"callerType" bson:"caller_type"`
		CallerName string `json:"callerName,omitempty" bson:"caller_name,omitempty"`
		// Status records how the call ended.
		Status string `json:"status" bson:"status"`
		// Usage is the provider-reported token usage.
		Usage model.TokenUsage `json:"usage" bson:"usage"`
		// CostCents is the priced cost of the call.
		CostCents int64 `json:"costCents" bson:"cost_cents"`
		// PIIDegraded marks calls whose pseudonym dictionary failed to load.
		PIIDegraded bool `json:"piiDegraded,omitempty" bson:"pii_degraded,omitempty"`
		// DurationMS is the wall-clock call duration.
		DurationMS int64 `json:"durationMs" bson:"duration_ms"`
		// Timestamp is the call completion time.
		Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	}

	// UsageStore is the durable append target for usage records.
	UsageStore interface {
		// InsertUsage persists one batch of records.
		InsertUsage(ctx context.Context, records []*UsageRecord) error
	}

	// Batcher coalesces usage records into bounded batches flushed either
	// when the batch fills or when the flush window elapses, whichever comes
	// first. Record never blocks the model call path.
	Batcher struct {
		store     UsageStore
		window    time.Duration
		batchSize int
		logger    telemetry.Logger

		in     chan *UsageRecord
		done   chan struct{}
		closed sync.Once
		wg     sync.WaitGroup
	}

	// BatcherOption configures a Batcher.
	BatcherOption func(*Batcher)
)

// WithBatchWindow overrides the flush window.
func WithBatchWindow(d time.Duration) BatcherOption {
	return func(b *Batcher) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithBatchSize overrides the flush batch size.
func WithBatchSize(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithBatcherLogger sets the batcher logger.
func WithBatcherLogger(l telemetry.Logger) BatcherOption {
	return func(b *Batcher) { b.logger = l }
}

// NewBatcher starts a batcher draining into the given store.
func NewBatcher(store UsageStore, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		store:     store,
		window:    config.DefaultUsageBatchWindow,
		batchSize: config.DefaultUsageBatchSize,
		logger:    telemetry.NewNoopLogger(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.in = make(chan *UsageRecord, b.batchSize*4)
	b.wg.Add(1)
	go b.loop()
	return b
}

// Record enqueues one usage record. When the queue is full the record is
// dropped with a warning rather than blocking the caller.
func (b *Batcher) Record(r *UsageRecord) {
	if r == nil {
		return
	}
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.in <- r:
	default:
		b.logger.Warn(context.Background(), "usage queue full, record dropped",
			"provider", r.Provider, "model", r.Model)
	}
}

// Close stops intake and flushes everything already enqueued. It returns
// once the final flush completes or ctx ends.
func (b *Batcher) Close(ctx context.Context) error {
	b.closed.Do(func() { close(b.done) })
	flushed := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) loop() {
	defer b.wg.Done()
	var (
		batch []*UsageRecord
		timer *time.Timer
		fire  <-chan time.Time
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := b.store.InsertUsage(ctx, batch); err != nil {
			b.logger.Error(ctx, "usage batch insert failed",
				"records", len(batch), "error", err.Error())
		}
		cancel()
		batch = nil
		if timer != nil {
			timer.Stop()
			timer = nil
			fire = nil
		}
	}
	for {
		select {
		case r := <-b.in:
			batch = append(batch, r)
			if len(batch) >= b.batchSize {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(b.window)
				fire = timer.C
			}
		case <-fire:
			timer = nil
			fire = nil
			flush()
		case <-b.done:
			// Drain whatever made it into the queue before shutdown.
			for {
				select {
				case r := <-b.in:
					batch = append(batch, r)
					if len(batch) >= b.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
