package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/fault"
	"github.com/stewardhq/steward/runtime/obs"
	"github.com/stewardhq/steward/runtime/telemetry"
)

// maxConflictRetries bounds optimistic retry attempts before a mutation
// fails with a conflict fault.
const maxConflictRetries = 3

// Artifact actions. Do rejects anything else with a bad request fault.
const (
	ActionCreate        = "create"
	ActionRead          = "read"
	ActionList          = "list"
	ActionEdit          = "edit"
	ActionRerun         = "rerun"
	ActionSetCurrent    = "set_current"
	ActionCopyVersion   = "copy_version"
	ActionDeleteVersion = "delete_version"
	ActionMergeVersions = "merge_versions"
	ActionDelete        = "delete"
)

var (
	// ErrCannotDeleteLast rejects deletion of an artifact's only live
	// version. Delete the artifact instead.
	ErrCannotDeleteLast = fault.New(fault.KindBadRequest, "cannot delete the last remaining version")
)

type (
	// GenerateRequest carries the prompt inputs for one model-backed
	// artifact generation.
	GenerateRequest struct {
		// System is the system prompt.
		System string
		// Prompt is the user prompt.
		Prompt string
		// Provider and Model override the resolved selection when set.
		Provider string
		Model    string
		// Temperature overrides the sampling temperature when set.
		Temperature *float64
	}

	// GenerateResult is the model output of one generation.
	GenerateResult struct {
		// Content is the generated artifact body.
		Content string
		// Provider and Model identify what actually served the call.
		Provider string
		Model    string
	}

	// Generator produces artifact content through the model gateway. The
	// gateway package provides the production implementation; the indirection
	// keeps the store free of a gateway dependency.
	Generator interface {
		GenerateArtifact(ctx context.Context, caps *capsule.Capsule, req GenerateRequest) (*GenerateResult, error)
	}

	// ActionInput carries the per-action parameters of Do. Unused fields are
	// ignored by actions that do not read them.
	ActionInput struct {
		// ArtifactID targets a specific artifact. When empty, mutating
		// actions resolve the conversation's current artifact of the kind.
		ArtifactID string `json:"artifactId,omitempty"`
		// Title names the artifact on create.
		Title string `json:"title,omitempty"`
		// Content is the user-supplied body for create and edit.
		Content string `json:"content,omitempty"`
		// Format is the content format.
		Format string `json:"format,omitempty"`
		// Type is the deliverable type on create.
		Type string `json:"type,omitempty"`
		// System and Prompt request model generation on create instead of
		// user-supplied content.
		System string `json:"system,omitempty"`
		Prompt string `json:"prompt,omitempty"`
		// VersionID targets a version for read, rerun, set_current,
		// copy_version, and delete_version.
		VersionID string `json:"versionId,omitempty"`
		// VersionIDs lists the versions to merge.
		VersionIDs []string `json:"versionIds,omitempty"`
		// MergePrompt guides merge_versions.
		MergePrompt string `json:"mergePrompt,omitempty"`
		// Provider, Model, and Temperature override the model selection for
		// rerun and merge_versions.
		Provider    string   `json:"provider,omitempty"`
		Model       string   `json:"model,omitempty"`
		Temperature *float64 `json:"temperature,omitempty"`
	}

	// Result is the outcome of one action. Actions fill the fields they
	// produce and leave the rest nil.
	Result struct {
		Artifact *Artifact  `json:"artifact,omitempty"`
		Version  *Version   `json:"version,omitempty"`
		Versions []*Version `json:"versions,omitempty"`
	}

	// Service dispatches artifact actions against a Store, serializing
	// concurrent mutations through optimistic record revisions and emitting
	// an observability event for every mutation.
	Service struct {
		store  Store
		bus    *obs.Bus
		gen    Generator
		logger telemetry.Logger
		now    func() time.Time
		newID  func() string
	}

	// ServiceOption configures a Service.
	ServiceOption func(*Service)
)

// WithGenerator wires the model gateway used by create-with-prompt, rerun,
// and merge_versions. Without it those actions fail as unconfigured.
func WithGenerator(g Generator) ServiceOption {
	return func(s *Service) { s.gen = g }
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(l telemetry.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService constructs the artifact service. The store is required; the bus
// may be nil, in which case no events are emitted.
func NewService(store Store, bus *obs.Bus, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("artifact: store is required")
	}
	s := &Service{
		store:  store,
		bus:    bus,
		logger: telemetry.NewNoopLogger(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Do dispatches one action. kind selects the artifact family; merge_versions
// is valid for deliverables only.
func (s *Service) Do(ctx context.Context, caps *capsule.Capsule, kind Kind, action string, in ActionInput) (*Result, error) {
	if kind != KindPlan && kind != KindDeliverable {
		return nil, fault.New(fault.KindBadRequest, "unknown artifact kind %q", kind)
	}
	switch action {
	case ActionCreate:
		return s.create(ctx, caps, kind, in)
	case ActionRead:
		return s.read(ctx, caps, kind, in)
	case ActionList:
		return s.list(ctx, caps, kind, in)
	case ActionEdit:
		return s.edit(ctx, caps, kind, in)
	case ActionRerun:
		return s.rerun(ctx, caps, kind, in)
	case ActionSetCurrent:
		return s.setCurrent(ctx, caps, kind, in)
	case ActionCopyVersion:
		return s.copyVersion(ctx, caps, kind, in)
	case ActionDeleteVersion:
		return s.deleteVersion(ctx, caps, kind, in)
	case ActionMergeVersions:
		if kind != KindDeliverable {
			return nil, fault.New(fault.KindBadRequest, "merge_versions applies to deliverables only")
		}
		return s.mergeVersions(ctx, caps, in)
	case ActionDelete:
		return s.delete(ctx, caps, kind, in)
	default:
		return nil, fault.New(fault.KindBadRequest, "unknown artifact action %q", action)
	}
}

func (s *Service) create(ctx context.Context, caps *capsule.Capsule, kind Kind, in ActionInput) (*Result, error) {
	if caps.ConversationID == "" {
		return nil, fault.New(fault.KindBadRequest, "conversation identifier is required")
	}
	cur, err := s.store.GetCurrent(ctx, kind, caps.ConversationID)
	switch {
	case err == nil:
		// The conversation already has a live artifact of this kind: create
		// appends a new current version instead of opening a second head.
		return s.appendVersion(ctx, caps, kind, ActionCreate, cur.ID, func(art *Artifact) (*Version, error) {
			ver, err := s.buildVersion(ctx, caps, in)
			if err != nil {
				return nil, err
			}
			if ver.Type == "" {
				ver.Type = art.Type
			}
			return ver, nil
		})
	case !errors.Is(err, ErrNotFound):
		return nil, faultFromStore(err)
	}

	now := s.now()
	ver, err := s.buildVersion(ctx, caps, in)
	if err != nil {
		return nil, err
	}
	ver.ID = s.newID()
	ver.Number = 1
	ver.CreatedAt = now

	art := &Artifact{
		ID:               s.newID(),
		Kind:             kind,
		ConversationID:   caps.ConversationID,
		Title:            in.Title,
		Type:             in.Type,
		CurrentVersionID: ver.ID,
		MaxVersion:       1,
		CreatedAt:        now,
	}
	ver.ArtifactID = art.ID
	if err := s.store.InsertArtifact(ctx, art); err != nil {
		return nil, faultFromStore(err)
	}
	if err := s.store.InsertVersion(ctx, ver); err != nil {
		return nil, faultFromStore(err)
	}
	s.emit(caps, kind, ActionCreate, art, ver)
	return &Result{Artifact: art, Version: ver}, nil
}

// buildVersion produces the version body for create from either the
// user-supplied content or a model generation. The caller assigns the
// identifier, number, and timestamp.
func (s *Service) buildVersion(ctx context.Context, caps *capsule.Capsule, in ActionInput) (*Version, error) {
	ver := &Version{Format: in.Format, Type: in.Type}
	switch {
	case in.Content != "":
		ver.Content = in.Content
		ver.CreatedBy = CreatedByUser
	case in.Prompt != "":
		gen, err := s.generate(ctx, caps, GenerateRequest{
			System:      in.System,
			Prompt:      in.Prompt,
			Provider:    in.Provider,
			Model:       in.Model,
			Temperature: in.Temperature,
		})
		if err != nil {
			return nil, err
		}
		ver.Content = gen.Content
		ver.CreatedBy = CreatedByLLM
		ver.ProviderModel = gen.Provider + "/" + gen.Model
		ver.SystemPrompt = in.System
		ver.UserPrompt = in.Prompt
	default:
		return nil, fault.New(fault.KindBadRequest, "create requires content or a generation prompt")
	}
	return ver, nil
}

func (s *Service) read(ctx context.Context, caps *capsule.Capsule, kind Kind, in ActionInput) (*Result, error) {
	art, err := s.resolve(ctx, caps, kind, in.ArtifactID)
	if err != nil {
		return nil, err
	}
	verID := in.VersionID
	if verID == "" {
		verID = art.CurrentVersionID
	}
	ver, err := s.store.GetVersion(ctx, verID)
	if err != nil {
		return nil, faultFromStore(err)
	}
	if ver.ArtifactID != art.ID {
		return nil, fault.New(fault.KindNotFound, "version does not belong to this artifact")
	}
	return &Result{Artifact: art, Version: ver}, nil
}

func (s *Service) list(ctx context.Context, caps *capsule.Capsule, kind Kind, in ActionInput) (*Result, error) {
	art, err := s.resolve(ctx, caps, kind, in.ArtifactID)
	if err != nil {
		return nil, err
	}
	vers, err := s.store.ListVersions(ctx, art.ID)
	if err != nil {
		return nil, faultFromStore(err)
	}
	return &Result{Artifact: art, Versions: vers}, nil
}

func (s *Service) edit(ctx context.Context, caps *capsule.Capsule, kind Kind, in ActionInput) (*Result, error) {
	if in.Content == "" {
		return nil, fault.New(fault.KindBadRequest, "edit requires content")
	}
	return s.appendVersion(ctx, caps, kind, ActionEdit, in.ArtifactID, func(art *Artifact) (*Version, error) {
		return &Version{
			Content:   in.Content,
			Format:    in.Format,
			Type:      art.Type,
			CreatedBy: CreatedByUser,
		}, nil
	})
}

func (s *Service) rerun(ctx context.Context, caps *capsule.Capsule, kind Kind, in ActionInput) (*Result, error) {
	return s.appendVersion(ctx, caps, kind, ActionRerun, in.ArtifactID, func(art *Artifact) (*Version, error) {
		srcID := in.VersionID
		if srcID == "" {
			srcID = art.CurrentVersionID
		}
		src, err := s.store.GetVersion(ctx, srcID)
		if err != nil {
			return nil, faultFromStore(err)
		}
		if src.ArtifactID != art.ID {
			return nil, fault.New(fault.KindNotFound, "version does not belong to this artifact")
		}
		if src.UserPrompt == "" {
			return nil, fault.New(fault.KindBadRequest, "version has no recorded prompt inputs to rerun")
		}
		gen, err := s.generate(ctx, caps, GenerateRequest{
			System:      src.SystemPrompt,
			Prompt:      src.UserPrompt,
			Provider:    in.Provider,
			Model:       in.Model,
			Temperature: in.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return &Version{
			Content:       gen.Content,
			Format:        src.Format,
			Type:          art.Type,
			CreatedBy:     CreatedByLLM,
			ProviderModel: gen.Provider + "/" + gen.Model,
			SystemPrompt:  src.SystemPrompt,
			UserPrompt:    src.UserPrompt,
		}, nil
	})
}

func (s *Service) setCurrent(ctx context.Context, caps *capsule.Capsule, kind Kind, in ActionInput) (*Result, error) {
	if in.VersionID == "" {
		return nil, fault.New(fault.KindBadRequest, "set_current requires a version identifier")
	}
	var out *Result
	err := s.withRetry(ctx, func() error {
		art, err := s.resolve(ctx, caps, kind, in.ArtifactID)
		if err != nil {
			return err
		}
		ver, err := s.store.GetVersion(ctx, in.VersionID)
		if err != nil {
			return faultFromStore(err)
		}
		if ver.ArtifactID != art.ID {
			return fault.New(fault.KindNotFound, "version does not belong to this artifact")
		}
		art.CurrentVersionID = ver.ID
		if err := s.store.UpdateArtifact(ctx, art); err != nil {
			return err
		}
		s.emit(caps, kind, ActionSetCurrent, art, ver)
		out = &Result{Artifact: art, Version: ver}
		return nil
	})
	return out, err
}

func (s *Service) copyVersion(ctx context.Context, caps *capsule.Capsule, kind Kind, in ActionInput) (*Result, error) {
	if in.VersionID == "" {
		return nil, fault.New(fault.KindBadRequest, "copy_version requires a version identifier")
	}
	return s.appendVersion(ctx, caps, kind, ActionCopyVersion, in.ArtifactID, func(art *Artifact) (*Version, error) {
		src, err := s.store.GetVersion(ctx, in.VersionID)
		if err != nil {
			return nil, faultFromStore(err)
		}
		if src.ArtifactID != art.ID {
			return nil, fault.New(fault.KindNotFound, "version does not belong to this artifact")
		}
		// The duplicate keeps its provenance: creator, provider, and prompt
		// inputs travel with the content.
		cp := *src
		return &cp, nil
	})
}

func (s *Service) deleteVersion(ctx context.Context, caps *capsule.Capsule, kind Kind, in ActionInput) (*Result, error) {
	if in.VersionID == "" {
		return nil, fault.New(fault.KindBadRequest, "delete_version requires a version identifier")
	}
	var out *Result
	err := s.withRetry(ctx, func() error {
		art, err := s.resolve(ctx, caps, kind, in.ArtifactID)
		if err != nil {
			return err
		}
		vers, err := s.store.ListVersions(ctx, art.ID)
		if err != nil {
			return faultFromStore(err)
		}
		var target *Version
		for _, v := range vers {
			if v.ID == in.VersionID {
				target = v
				break
			}
		}
		if target == nil {
			return fault.New(fault.KindNotFound, "version not found")
		}
		if len(vers) == 1 {
			return ErrCannotDeleteLast
		}
		if art.CurrentVersionID == target.ID {
			// Current moves to the highest-numbered remaining version.
			for _, v := range vers {
				if v.ID != target.ID {
					art.CurrentVersionID = v.ID
					break
				}
			}
			if err := s.store.UpdateArtifact(ctx, art); err != nil {
				return err
			}
		}
		if err := s.store.DeleteVersion(ctx, target.ID, s.now()); err != nil {
			return faultFromStore(err)
		}
		s.emit(caps, kind, ActionDeleteVersion, art, target)
		out = &Result{Artifact: art, Version: target}
		return nil
	})
	return out, err
}

func (s *Service) mergeVersions(ctx context.Context, caps *capsule.Capsule, in ActionInput) (*Result, error) {
	if len(in.VersionIDs) < 2 {
		return nil, fault.New(fault.KindBadRequest, "merge_versions requires at least two version identifiers")
	}
	return s.appendVersion(ctx, caps, KindDeliverable, ActionMergeVersions, in.ArtifactID, func(art *Artifact) (*Version, error) {
		var parts []string
		format := ""
		for _, id := range in.VersionIDs {
			v, err := s.store.GetVersion(ctx, id)
			if err != nil {
				return nil, faultFromStore(err)
			}
			if v.ArtifactID != art.ID {
				return nil, fault.New(fault.KindNotFound, "version does not belong to this artifact")
			}
			parts = append(parts, fmt.Sprintf("<version number=%d>\n%s\n</version>", v.Number, v.Content))
			format = v.Format
		}
		prompt := in.MergePrompt
		if prompt == "" {
			prompt = "Merge the following versions into a single coherent result, preserving the strengths of each."
		}
		gen, err := s.generate(ctx, caps, GenerateRequest{
			System:      "You merge multiple versions of a deliverable into one.",
			Prompt:      prompt + "\n\n" + strings.Join(parts, "\n\n"),
			Provider:    in.Provider,
			Model:       in.Model,
			Temperature: in.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return &Version{
			Content:       gen.Content,
			Format:        format,
			Type:          art.Type,
			CreatedBy:     CreatedByLLM,
			ProviderModel: gen.Provider + "/" + gen.Model,
		}, nil
	})
}

func (s *Service) delete(ctx context.Context, caps *capsule.Capsule, kind Kind, in ActionInput) (*Result, error) {
	art, err := s.resolve(ctx, caps, kind, in.ArtifactID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SoftDeleteArtifact(ctx, kind, art.ID, s.now()); err != nil {
		return nil, faultFromStore(err)
	}
	s.emit(caps, kind, ActionDelete, art, nil)
	return &Result{Artifact: art}, nil
}

// appendVersion runs one mutation that adds a version and makes it current,
// retrying on stale record revisions. build produces the version body from
// the freshly loaded head; the service assigns identifier, number, and
// timestamps.
func (s *Service) appendVersion(ctx context.Context, caps *capsule.Capsule, kind Kind, action, artifactID string, build func(*Artifact) (*Version, error)) (*Result, error) {
	var out *Result
	err := s.withRetry(ctx, func() error {
		art, err := s.resolve(ctx, caps, kind, artifactID)
		if err != nil {
			return err
		}
		ver, err := build(art)
		if err != nil {
			return err
		}
		ver.ID = s.newID()
		ver.ArtifactID = art.ID
		ver.Number = art.MaxVersion + 1
		ver.CreatedAt = s.now()
		ver.DeletedAt = nil

		art.MaxVersion = ver.Number
		art.CurrentVersionID = ver.ID
		if err := s.store.UpdateArtifact(ctx, art); err != nil {
			return err
		}
		if err := s.store.InsertVersion(ctx, ver); err != nil {
			return faultFromStore(err)
		}
		s.emit(caps, kind, action, art, ver)
		out = &Result{Artifact: art, Version: ver}
		return nil
	})
	return out, err
}

// withRetry runs fn up to maxConflictRetries times, retrying only on stale
// record revisions. Exhaustion surfaces as a conflict fault.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return fault.Wrap(fault.KindCancelled, err)
		}
		err = fn()
		if !errors.Is(err, ErrRevMismatch) {
			return err
		}
		s.logger.Debug(ctx, "artifact revision conflict, retrying", "attempt", attempt+1)
	}
	return &fault.Error{Kind: fault.KindConflict, Message: "concurrent modification, retries exhausted", Cause: err}
}

// resolve loads the targeted artifact, falling back to the conversation's
// current artifact of the kind when no identifier is given.
func (s *Service) resolve(ctx context.Context, caps *capsule.Capsule, kind Kind, id string) (*Artifact, error) {
	if id != "" {
		art, err := s.store.GetArtifact(ctx, kind, id)
		if err != nil {
			return nil, faultFromStore(err)
		}
		return art, nil
	}
	if caps.ConversationID == "" {
		return nil, fault.New(fault.KindBadRequest, "conversation identifier is required")
	}
	art, err := s.store.GetCurrent(ctx, kind, caps.ConversationID)
	if err != nil {
		return nil, faultFromStore(err)
	}
	return art, nil
}

func (s *Service) generate(ctx context.Context, caps *capsule.Capsule, req GenerateRequest) (*GenerateResult, error) {
	if s.gen == nil {
		return nil, fault.New(fault.KindUnconfigured, "no model gateway configured for artifact generation")
	}
	return s.gen.GenerateArtifact(ctx, caps, req)
}

func (s *Service) emit(caps *capsule.Capsule, kind Kind, action string, art *Artifact, ver *Version) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{"artifactId": art.ID}
	if ver != nil {
		payload["versionId"] = ver.ID
		payload["versionNumber"] = ver.Number
	}
	s.bus.Push(&obs.Event{
		Capsule:   caps.Snapshot(),
		SourceApp: "steward",
		EventType: string(kind) + "." + action,
		Status:    "succeeded",
		Payload:   payload,
	})
}

// faultFromStore translates store sentinels into faults.
func faultFromStore(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fault.Wrap(fault.KindNotFound, err)
	case errors.Is(err, ErrRevMismatch):
		return err
	default:
		return fault.Wrap(fault.KindInternal, err)
	}
}
