// Package artifact implements the versioned artifact store: plans and
// deliverables with their version chains, plus the conversation and task
// rows that anchor them. The Service layer dispatches the per-artifact
// action set, serializes concurrent mutations through optimistic record
// versions, and emits an observability event for every mutation.
package artifact

import (
	"time"
)

// Kind distinguishes the two parallel artifact families.
type Kind string

const (
	// KindPlan identifies plan artifacts.
	KindPlan Kind = "plan"
	// KindDeliverable identifies deliverable artifacts.
	KindDeliverable Kind = "deliverable"
)

// CreatedBy records which actor produced an artifact version.
type CreatedBy string

const (
	// CreatedByLLM marks versions generated by a model call within the
	// mutating action.
	CreatedByLLM CreatedBy = "llm"
	// CreatedByUser marks versions supplied or edited by the user.
	CreatedByUser CreatedBy = "user"
)

// TaskStatus is the task lifecycle state. Terminal statuses are write-once.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

type (
	// Artifact is a plan or deliverable head record. Version content lives in
	// Version rows; the head tracks the current pointer and the optimistic
	// record revision used to serialize concurrent mutations.
	Artifact struct {
		// ID is the opaque artifact identifier.
		ID string `json:"id" bson:"_id"`
		// Kind is plan or deliverable.
		Kind Kind `json:"kind" bson:"kind"`
		// ConversationID anchors the artifact to its conversation.
		ConversationID string `json:"conversationId" bson:"conversation_id"`
		// Title is the artifact display title.
		Title string `json:"title" bson:"title"`
		// Type is the deliverable type (document, code, ...). Empty for plans.
		Type string `json:"type,omitempty" bson:"type,omitempty"`
		// CurrentVersionID points at the current version. Always a live
		// version except immediately after Delete.
		CurrentVersionID string `json:"currentVersionId" bson:"current_version_id"`
		// MaxVersion is the highest version number ever assigned. Version
		// numbers are monotonic and never reused, even after deletions.
		MaxVersion int `json:"maxVersion" bson:"max_version"`
		// Rev is the optimistic record revision. Stores reject updates whose
		// Rev does not match the persisted value.
		Rev int64 `json:"-" bson:"rev"`
		// CreatedAt is the creation time.
		CreatedAt time.Time `json:"createdAt" bson:"created_at"`
		// DeletedAt is set by soft deletion.
		DeletedAt *time.Time `json:"deletedAt,omitempty" bson:"deleted_at,omitempty"`
	}

	// Version is one immutable artifact version.
	Version struct {
		// ID is the opaque version identifier.
		ID string `json:"id" bson:"_id"`
		// ArtifactID is the owning artifact.
		ArtifactID string `json:"artifactId" bson:"artifact_id"`
		// Number is the monotonic version number within the artifact.
		Number int `json:"versionNumber" bson:"number"`
		// Content is the version body.
		Content string `json:"content" bson:"content"`
		// Format is the content format (markdown, json, ...).
		Format string `json:"format,omitempty" bson:"format,omitempty"`
		// Type mirrors the deliverable type for deliverable versions.
		Type string `json:"type,omitempty" bson:"type,omitempty"`
		// CreatedBy records the producing actor.
		CreatedBy CreatedBy `json:"createdBy" bson:"created_by"`
		// ProviderModel is "<provider>/<model>" for llm-created versions.
		ProviderModel string `json:"providerModel,omitempty" bson:"provider_model,omitempty"`
		// SystemPrompt and UserPrompt preserve the prompt inputs that
		// produced an llm version so rerun can regenerate from them.
		SystemPrompt string `json:"-" bson:"system_prompt,omitempty"`
		UserPrompt   string `json:"-" bson:"user_prompt,omitempty"`
		// CreatedAt is the creation time.
		CreatedAt time.Time `json:"createdAt" bson:"created_at"`
		// DeletedAt is set by version deletion or artifact soft deletion.
		DeletedAt *time.Time `json:"deletedAt,omitempty" bson:"deleted_at,omitempty"`
	}

	// Conversation anchors requests, tasks, and artifacts for one user/agent
	// thread. Created by the dispatcher on first request if absent.
	Conversation struct {
		ID           string    `json:"id" bson:"_id"`
		UserID       string    `json:"userId" bson:"user_id"`
		AgentSlug    string    `json:"agentSlug" bson:"agent_slug"`
		StartedAt    time.Time `json:"startedAt" bson:"started_at"`
		LastActiveAt time.Time `json:"lastActiveAt" bson:"last_active_at"`
	}

	// Task is one request execution. Terminal statuses are write-once.
	Task struct {
		ID             string     `json:"id" bson:"_id"`
		ConversationID string     `json:"conversationId" bson:"conversation_id"`
		Mode           string     `json:"mode" bson:"mode"`
		Status         TaskStatus `json:"status" bson:"status"`
		StartedAt      time.Time  `json:"startedAt" bson:"started_at"`
		CompletedAt    *time.Time `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
	}
)
