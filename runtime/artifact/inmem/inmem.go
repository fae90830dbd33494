// Package inmem provides an in-memory artifact.Store for development and
// tests. It honors the same record revision and write-once semantics as the
// durable stores.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stewardhq/steward/runtime/artifact"
)

// Store keeps every record in process memory. Safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	artifacts     map[string]*artifact.Artifact
	versions      map[string]*artifact.Version
	conversations map[string]*artifact.Conversation
	tasks         map[string]*artifact.Task
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		artifacts:     make(map[string]*artifact.Artifact),
		versions:      make(map[string]*artifact.Version),
		conversations: make(map[string]*artifact.Conversation),
		tasks:         make(map[string]*artifact.Task),
	}
}

var _ artifact.Store = (*Store)(nil)

// InsertArtifact implements artifact.Store.
func (s *Store) InsertArtifact(_ context.Context, a *artifact.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.Rev = 1
	s.artifacts[a.ID] = &cp
	a.Rev = 1
	return nil
}

// GetArtifact implements artifact.Store.
func (s *Store) GetArtifact(_ context.Context, kind artifact.Kind, id string) (*artifact.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok || a.Kind != kind || a.DeletedAt != nil {
		return nil, artifact.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// GetCurrent implements artifact.Store.
func (s *Store) GetCurrent(_ context.Context, kind artifact.Kind, conversationID string) (*artifact.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.artifacts {
		if a.Kind == kind && a.ConversationID == conversationID && a.DeletedAt == nil {
			cp := *a
			return &cp, nil
		}
	}
	return nil, artifact.ErrNotFound
}

// UpdateArtifact implements artifact.Store.
func (s *Store) UpdateArtifact(_ context.Context, a *artifact.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.artifacts[a.ID]
	if !ok || cur.DeletedAt != nil {
		return artifact.ErrNotFound
	}
	if cur.Rev != a.Rev {
		return artifact.ErrRevMismatch
	}
	cp := *a
	cp.Rev = a.Rev + 1
	s.artifacts[a.ID] = &cp
	a.Rev = cp.Rev
	return nil
}

// SoftDeleteArtifact implements artifact.Store.
func (s *Store) SoftDeleteArtifact(_ context.Context, kind artifact.Kind, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok || a.Kind != kind || a.DeletedAt != nil {
		return artifact.ErrNotFound
	}
	a.DeletedAt = &at
	for _, v := range s.versions {
		if v.ArtifactID == id && v.DeletedAt == nil {
			v.DeletedAt = &at
		}
	}
	return nil
}

// InsertVersion implements artifact.Store.
func (s *Store) InsertVersion(_ context.Context, v *artifact.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.versions[v.ID] = &cp
	return nil
}

// GetVersion implements artifact.Store.
func (s *Store) GetVersion(_ context.Context, id string) (*artifact.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok || v.DeletedAt != nil {
		return nil, artifact.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

// ListVersions implements artifact.Store.
func (s *Store) ListVersions(_ context.Context, artifactID string) ([]*artifact.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*artifact.Version
	for _, v := range s.versions {
		if v.ArtifactID == artifactID && v.DeletedAt == nil {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

// DeleteVersion implements artifact.Store.
func (s *Store) DeleteVersion(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok || v.DeletedAt != nil {
		return artifact.ErrNotFound
	}
	v.DeletedAt = &at
	return nil
}

// GetConversation implements artifact.Store.
func (s *Store) GetConversation(_ context.Context, id string) (*artifact.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// UpsertConversation implements artifact.Store.
func (s *Store) UpsertConversation(_ context.Context, c *artifact.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.conversations[c.ID]; ok {
		cur.LastActiveAt = c.LastActiveAt
		return nil
	}
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

// InsertTask implements artifact.Store.
func (s *Store) InsertTask(_ context.Context, t *artifact.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

// GetTask implements artifact.Store.
func (s *Store) GetTask(_ context.Context, id string) (*artifact.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTaskStatus implements artifact.Store.
func (s *Store) UpdateTaskStatus(_ context.Context, id string, status artifact.TaskStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return artifact.ErrNotFound
	}
	if t.Status.Terminal() {
		return artifact.ErrTerminal
	}
	t.Status = status
	if status.Terminal() {
		t.CompletedAt = &at
	}
	return nil
}
