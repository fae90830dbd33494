// Package obs implements the observability bus: a bounded in-memory ring of
// recent lifecycle events, asynchronous fan-out to live subscribers, and a
// durable append delegated to a pluggable sink.
//
// Push never blocks. The ring drops its oldest entry on overflow; slow
// subscribers tail-drop once their queue is full and are then cut off.
// Durable sink failures are logged and never surface to publishers.
package obs

import (
	"context"
	"time"

	"github.com/stewardhq/steward/runtime/capsule"
)

// Well-known lifecycle event types. Artifact actions emit their own
// "<kind>.<action>" types (for example, "plan.create") alongside these.
const (
	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventLLMStarted    = "agent.llm.started"
	EventLLMCompleted  = "agent.llm.completed"
)

type (
	// Event is a structured lifecycle record emitted during request
	// processing. Events are immutable once pushed and carry the whole
	// identity capsule for attribution and filtering.
	Event struct {
		// Capsule is the identity snapshot of the request that produced the
		// event.
		Capsule capsule.Capsule `json:"context" bson:"context"`
		// SourceApp identifies the emitting application or component.
		SourceApp string `json:"sourceApp,omitempty" bson:"source_app,omitempty"`
		// EventType is the event type identifier (for example,
		// "task.started").
		EventType string `json:"eventType" bson:"event_type"`
		// Status is the lifecycle status carried by the event, when any.
		Status string `json:"status,omitempty" bson:"status,omitempty"`
		// Message is an optional human-readable description.
		Message string `json:"message,omitempty" bson:"message,omitempty"`
		// Progress is the completion percentage in [0,100], when reported.
		Progress *int `json:"progress,omitempty" bson:"progress,omitempty"`
		// Step names the pipeline step that emitted the event, when any.
		Step string `json:"step,omitempty" bson:"step,omitempty"`
		// Payload carries event-specific structured data.
		Payload map[string]any `json:"payload,omitempty" bson:"payload,omitempty"`
		// UserDisplayName is filled by the bus's enrichment cache when the
		// user's display name is known at push time.
		UserDisplayName string `json:"userDisplayName,omitempty" bson:"user_display_name,omitempty"`
		// Timestamp is the event time. The bus stamps it when zero.
		Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	}

	// Sink is the durable append target for every pushed event. Appends that
	// fail are logged by the bus and never block or fail the push.
	Sink interface {
		// Append persists one event.
		Append(ctx context.Context, e *Event) error
		// History returns persisted events in push order filtered by time
		// range. until may be zero for "no upper bound". limit caps the
		// result size.
		History(ctx context.Context, since, until time.Time, limit int) ([]*Event, error)
	}

	// UserResolver resolves a user identifier to a display name for event
	// enrichment. Resolution failures never block delivery.
	UserResolver interface {
		DisplayName(ctx context.Context, userID string) (string, error)
	}

	// Relay forwards locally pushed events to peer bus instances so their
	// subscribers see them too. Publish failures are logged by the bus and
	// never block or fail the push. Peers deliver relayed events with Inject.
	Relay interface {
		Publish(ctx context.Context, e *Event) error
	}

	// Filter selects events by any subset of identity fields. Zero-valued
	// fields match everything.
	Filter struct {
		UserID         string
		ConversationID string
		AgentSlug      string
		TaskID         string
	}
)

// Matches reports whether the event satisfies every set filter field.
func (f Filter) Matches(e *Event) bool {
	if f.UserID != "" && e.Capsule.UserID != f.UserID {
		return false
	}
	if f.ConversationID != "" && e.Capsule.ConversationID != f.ConversationID {
		return false
	}
	if f.AgentSlug != "" && e.Capsule.AgentSlug != f.AgentSlug {
		return false
	}
	if f.TaskID != "" && e.Capsule.TaskID != f.TaskID {
		return false
	}
	return true
}
