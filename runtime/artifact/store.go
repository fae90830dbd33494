package artifact

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when no matching record exists.
	ErrNotFound = errors.New("artifact: not found")
	// ErrRevMismatch is returned by stores when an update carries a stale
	// record revision. The service retries the mutation on this error.
	ErrRevMismatch = errors.New("artifact: record revision mismatch")
	// ErrTerminal is returned when a task status update targets a task that
	// already reached a terminal status.
	ErrTerminal = errors.New("artifact: task already terminal")
)

// Store is the persistence contract for artifacts, versions, conversations,
// and tasks. Implementations must enforce the record revision check on
// UpdateArtifact and the write-once terminal rule on UpdateTaskStatus.
type Store interface {
	// InsertArtifact persists a new head record with Rev 1.
	InsertArtifact(ctx context.Context, a *Artifact) error
	// GetArtifact returns a live head record by identifier.
	GetArtifact(ctx context.Context, kind Kind, id string) (*Artifact, error)
	// GetCurrent returns the conversation's live artifact of the given kind.
	// One live plan and one live deliverable exist per conversation at most.
	GetCurrent(ctx context.Context, kind Kind, conversationID string) (*Artifact, error)
	// UpdateArtifact persists head changes. The update applies only when the
	// persisted Rev equals a.Rev; on success the persisted Rev is a.Rev+1.
	// Returns ErrRevMismatch otherwise.
	UpdateArtifact(ctx context.Context, a *Artifact) error
	// SoftDeleteArtifact marks the head and all its versions deleted.
	SoftDeleteArtifact(ctx context.Context, kind Kind, id string, at time.Time) error

	// InsertVersion persists a new version row.
	InsertVersion(ctx context.Context, v *Version) error
	// GetVersion returns a live version by identifier.
	GetVersion(ctx context.Context, id string) (*Version, error)
	// ListVersions returns the artifact's live versions ordered by version
	// number descending.
	ListVersions(ctx context.Context, artifactID string) ([]*Version, error)
	// DeleteVersion marks one version deleted.
	DeleteVersion(ctx context.Context, id string, at time.Time) error

	// GetConversation returns a conversation by identifier.
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// UpsertConversation inserts the conversation or refreshes LastActiveAt.
	UpsertConversation(ctx context.Context, c *Conversation) error

	// InsertTask persists a new task row.
	InsertTask(ctx context.Context, t *Task) error
	// GetTask returns a task by identifier.
	GetTask(ctx context.Context, id string) (*Task, error)
	// UpdateTaskStatus transitions a task. Terminal statuses are write-once:
	// a transition out of a terminal status returns ErrTerminal.
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, at time.Time) error
}
