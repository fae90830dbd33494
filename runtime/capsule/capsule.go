// Package capsule implements the immutable per-request identity record that
// travels with every dispatch, model call, and observability event.
//
// A capsule is created outside the pipeline by the caller and accepted once
// per request. Seven fields are frozen at acceptance; the three artifact
// identifiers (task, plan, deliverable) each transition from unassigned to a
// concrete value at most once, when the runner creates the corresponding
// artifact. Components always pass the whole capsule: helpers that accept a
// subset of identity fields lose the correlation guarantees downstream
// accounting and tenant isolation depend on.
package capsule

import (
	"sync"

	"github.com/stewardhq/steward/runtime/fault"
)

// NIL is the reserved identifier value meaning "not yet assigned".
const NIL = ""

type (
	// Capsule is the identity record for one request. The JSON field names are
	// part of the wire contract: inbound requests carry the capsule under
	// "context" and responses echo it back so callers can adopt newly assigned
	// artifact identifiers.
	Capsule struct {
		// OrgSlug identifies the tenant organization. Immutable.
		OrgSlug string `json:"orgSlug" bson:"org_slug"`
		// UserID identifies the authenticated end user. Immutable and must
		// match the transport-level authenticated subject.
		UserID string `json:"userId" bson:"user_id"`
		// ConversationID identifies the conversation thread. Immutable.
		ConversationID string `json:"conversationId" bson:"conversation_id"`
		// AgentSlug identifies the agent being invoked. Immutable.
		AgentSlug string `json:"agentSlug" bson:"agent_slug"`
		// AgentType is the runner type of the agent. Immutable.
		AgentType string `json:"agentType" bson:"agent_type"`
		// Provider is the model provider selected for this request. Immutable.
		Provider string `json:"provider" bson:"provider"`
		// Model is the model identifier selected for this request. Immutable.
		Model string `json:"model" bson:"model"`
		// TaskID is assigned once by the dispatcher when the task row is
		// created. NIL until then.
		TaskID string `json:"taskId" bson:"task_id"`
		// PlanID is assigned once by a runner when it creates a plan. NIL
		// until then.
		PlanID string `json:"planId" bson:"plan_id"`
		// DeliverableID is assigned once by a runner when it creates a
		// deliverable. NIL until then.
		DeliverableID string `json:"deliverableId" bson:"deliverable_id"`

		// mu guards the one-shot assignments. Accept sets it; the detached
		// copies Snapshot returns leave it nil so they stay plain records that
		// events, usage rows, and envelopes can embed by value.
		mu *sync.Mutex
	}
)

// ErrImmutable is returned when an assignment targets a field that already
// holds a concrete identifier.
var ErrImmutable = fault.New(fault.KindBadRequest, "capsule field is immutable once assigned")

// Accept validates a raw capsule against the authenticated user and returns
// the accepted copy the pipeline owns for the remainder of the request.
//
// It fails with fault.KindBadRequest when any of the seven immutable fields
// is missing and with fault.KindUnauthorized when the capsule user does not
// match the authenticated subject. The pipeline never fabricates capsules:
// a nil raw capsule is a bad request.
func Accept(raw *Capsule, authenticatedUserID string) (*Capsule, error) {
	if raw == nil {
		return nil, fault.New(fault.KindBadRequest, "request capsule is required")
	}
	for _, f := range []struct{ name, value string }{
		{"orgSlug", raw.OrgSlug},
		{"userId", raw.UserID},
		{"conversationId", raw.ConversationID},
		{"agentSlug", raw.AgentSlug},
		{"agentType", raw.AgentType},
		{"provider", raw.Provider},
		{"model", raw.Model},
	} {
		if f.value == NIL {
			return nil, fault.New(fault.KindBadRequest, "capsule field %q is required", f.name)
		}
	}
	if raw.UserID != authenticatedUserID {
		return nil, fault.New(fault.KindUnauthorized, "capsule user %q does not match authenticated subject", raw.UserID)
	}
	return &Capsule{
		OrgSlug:        raw.OrgSlug,
		UserID:         raw.UserID,
		ConversationID: raw.ConversationID,
		AgentSlug:      raw.AgentSlug,
		AgentType:      raw.AgentType,
		Provider:       raw.Provider,
		Model:          raw.Model,
		TaskID:         raw.TaskID,
		PlanID:         raw.PlanID,
		DeliverableID:  raw.DeliverableID,
		mu:             new(sync.Mutex),
	}, nil
}

// TryAssignTaskID assigns the task identifier. It succeeds only when TaskID
// is still NIL; any later attempt fails with ErrImmutable.
func (c *Capsule) TryAssignTaskID(id string) error { return c.assign(&c.TaskID, id) }

// TryAssignPlanID assigns the plan identifier. It succeeds only when PlanID
// is still NIL; any later attempt fails with ErrImmutable.
func (c *Capsule) TryAssignPlanID(id string) error { return c.assign(&c.PlanID, id) }

// TryAssignDeliverableID assigns the deliverable identifier. It succeeds only
// when DeliverableID is still NIL; any later attempt fails with ErrImmutable.
func (c *Capsule) TryAssignDeliverableID(id string) error { return c.assign(&c.DeliverableID, id) }

func (c *Capsule) assign(field *string, id string) error {
	if id == NIL {
		return fault.New(fault.KindBadRequest, "assigned identifier must not be empty")
	}
	if c.mu == nil {
		return fault.New(fault.KindBadRequest, "capsule was not accepted, identifiers cannot be assigned")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if *field != NIL {
		return ErrImmutable
	}
	*field = id
	return nil
}

// Snapshot returns an immutable copy of the capsule suitable for attaching to
// events and responses. The copy carries no assignment lock and rejects
// further identifier assignments.
func (c *Capsule) Snapshot() Capsule {
	if c.mu != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	return Capsule{
		OrgSlug:        c.OrgSlug,
		UserID:         c.UserID,
		ConversationID: c.ConversationID,
		AgentSlug:      c.AgentSlug,
		AgentType:      c.AgentType,
		Provider:       c.Provider,
		Model:          c.Model,
		TaskID:         c.TaskID,
		PlanID:         c.PlanID,
		DeliverableID:  c.DeliverableID,
	}
}
