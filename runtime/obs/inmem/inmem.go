// Package inmem provides an in-memory obs.Sink for development and tests.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/stewardhq/steward/runtime/obs"
)

// Sink is an append-only in-memory event store. Safe for concurrent use.
type Sink struct {
	mu     sync.RWMutex
	events []*obs.Event
}

// NewSink constructs an empty in-memory sink.
func NewSink() *Sink {
	return &Sink{}
}

var _ obs.Sink = (*Sink)(nil)

// Append implements obs.Sink.
func (s *Sink) Append(_ context.Context, e *obs.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

// History implements obs.Sink. Events are returned in append order.
func (s *Sink) History(_ context.Context, since, until time.Time, limit int) ([]*obs.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*obs.Event, 0, limit)
	for _, e := range s.events {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && e.Timestamp.After(until) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of persisted events.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
