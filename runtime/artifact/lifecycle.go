package artifact

import (
	"context"
	"errors"

	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/fault"
	"github.com/stewardhq/steward/runtime/obs"
)

// EnsureConversation creates the capsule's conversation row if it does not
// exist yet and refreshes its last-active timestamp otherwise.
func (s *Service) EnsureConversation(ctx context.Context, caps *capsule.Capsule) (*Conversation, error) {
	now := s.now()
	c := &Conversation{
		ID:           caps.ConversationID,
		UserID:       caps.UserID,
		AgentSlug:    caps.AgentSlug,
		StartedAt:    now,
		LastActiveAt: now,
	}
	if err := s.store.UpsertConversation(ctx, c); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	return c, nil
}

// StartTask creates the task row for one request, assigns its identifier to
// the capsule, and emits task.started. The capsule must not carry a task
// identifier yet.
func (s *Service) StartTask(ctx context.Context, caps *capsule.Capsule, mode string) (*Task, error) {
	t := &Task{
		ID:             s.newID(),
		ConversationID: caps.ConversationID,
		Mode:           mode,
		Status:         TaskRunning,
		StartedAt:      s.now(),
	}
	if err := caps.TryAssignTaskID(t.ID); err != nil {
		return nil, err
	}
	if err := s.store.InsertTask(ctx, t); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err)
	}
	if s.bus != nil {
		s.bus.Push(&obs.Event{
			Capsule:   caps.Snapshot(),
			SourceApp: "steward",
			EventType: obs.EventTaskStarted,
			Status:    string(TaskRunning),
			Payload:   map[string]any{"mode": mode},
		})
	}
	return t, nil
}

// FinishTask transitions the capsule's task to a terminal status and emits
// the matching lifecycle event. Terminal statuses are write-once: finishing
// an already finished task is a conflict. failure carries the fault that
// ended the task when status is failed.
func (s *Service) FinishTask(ctx context.Context, caps *capsule.Capsule, status TaskStatus, failure error) error {
	if !status.Terminal() {
		return fault.New(fault.KindBadRequest, "status %q is not terminal", status)
	}
	snap := caps.Snapshot()
	if snap.TaskID == capsule.NIL {
		return fault.New(fault.KindBadRequest, "capsule carries no task identifier")
	}
	if err := s.store.UpdateTaskStatus(ctx, snap.TaskID, status, s.now()); err != nil {
		switch {
		case errors.Is(err, ErrTerminal):
			return fault.Wrap(fault.KindConflict, err)
		case errors.Is(err, ErrNotFound):
			return fault.Wrap(fault.KindNotFound, err)
		default:
			return fault.Wrap(fault.KindInternal, err)
		}
	}
	if s.bus != nil {
		eventType := obs.EventTaskCompleted
		e := &obs.Event{
			Capsule:   snap,
			SourceApp: "steward",
			EventType: eventType,
			Status:    string(status),
		}
		if status == TaskFailed {
			e.EventType = obs.EventTaskFailed
			if failure != nil {
				e.Message = failure.Error()
				e.Payload = map[string]any{"faultKind": string(fault.KindOf(failure))}
			}
		}
		s.bus.Push(e)
	}
	return nil
}
