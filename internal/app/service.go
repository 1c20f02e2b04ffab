package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quire/api/internal/auth"
	"quire/api/internal/blocks"
	"quire/api/internal/collab"
	"quire/api/internal/patch"
	"quire/api/internal/rbac"
	"quire/api/internal/store"
)

// Repository is the relational surface the request entry points read.
type Repository interface {
	Ping(ctx context.Context) error
	GetGroup(ctx context.Context, groupID string) (store.Group, error)
	MemberRole(ctx context.Context, groupID, actorID string) (string, error)
	GetPost(ctx context.Context, postID string) (store.Post, error)
	ListPostBlocks(ctx context.Context, postID string) ([]store.PostBlock, error)
	GetDraft(ctx context.Context, draftID string) (store.Draft, error)
	GetOrCreateActiveDraft(ctx context.Context, candidate store.Draft) (store.Draft, bool, error)
	ListPatches(ctx context.Context, draftID string, sinceVersion int64) ([]store.PatchEntry, error)
}

type Publisher interface {
	Publish(ctx context.Context, actor collab.Actor, req collab.PublishRequest) (collab.PublishResult, error)
}

type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

type Service struct {
	repo      Repository
	publisher Publisher
	auth      Authenticator
	logger    zerolog.Logger
}

func NewService(repo Repository, publisher Publisher, authenticator Authenticator, logger zerolog.Logger) *Service {
	return &Service{repo: repo, publisher: publisher, auth: authenticator, logger: logger}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) SessionFromToken(_ context.Context, token string) (auth.Identity, error) {
	return s.auth.Verify(token)
}

type DraftView struct {
	DraftID      string          `json:"draftId"`
	GroupID      string          `json:"groupId"`
	OwnerID      string          `json:"ownerId"`
	Kind         string          `json:"kind"`
	TargetPostID *string         `json:"targetPostId"`
	Version      int64           `json:"version"`
	IsActive     bool            `json:"isActive"`
	Snapshot     json.RawMessage `json:"snapshot"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type PatchView struct {
	Version   int64           `json:"version"`
	ActorID   string          `json:"actorId"`
	SessionID string          `json:"sessionId,omitempty"`
	Commands  json.RawMessage `json:"commands"`
	CreatedAt time.Time       `json:"createdAt"`
}

type DraftPatches struct {
	DraftID      string      `json:"draftId"`
	Version      int64       `json:"version"`
	SinceVersion int64       `json:"sinceVersion"`
	Patches      []PatchView `json:"patches"`
}

type PublishInput struct {
	GroupID      string         `json:"groupId"`
	DraftVersion int64          `json:"draftVersion"`
	Title        string         `json:"title"`
	Blocks       []blocks.Block `json:"blocks"`
}

func newDraftView(d store.Draft) DraftView {
	snapshot := d.Snapshot
	if len(snapshot) == 0 {
		snapshot = json.RawMessage(`{"title":"","blocks":[]}`)
	}
	return DraftView{
		DraftID:      d.ID,
		GroupID:      d.GroupID,
		OwnerID:      d.OwnerID,
		Kind:         d.Kind,
		TargetPostID: d.TargetPostID,
		Version:      d.Version,
		IsActive:     d.IsActive,
		Snapshot:     snapshot,
		UpdatedAt:    d.UpdatedAt,
	}
}

// roleIn resolves the caller's group role. Outsiders are forbidden.
func (s *Service) roleIn(ctx context.Context, groupID, actorID string) (rbac.Role, error) {
	role, err := s.repo.MemberRole(ctx, groupID, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return "", domainError(http.StatusForbidden, collab.CodeForbidden, "Forbidden", nil)
	}
	if err != nil {
		return "", fmt.Errorf("read member role: %w", err)
	}
	return rbac.Normalize(role), nil
}

// EnterDraft returns the group's active draft, creating one when none exists.
// With postID the created draft edits that post and starts from its content.
// An existing active draft is returned as is.
func (s *Service) EnterDraft(ctx context.Context, actor auth.Identity, groupID, postID string) (DraftView, bool, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return DraftView{}, false, domainError(http.StatusUnprocessableEntity, collab.CodeValidation, "groupId is required", nil)
	}
	if _, err := s.repo.GetGroup(ctx, groupID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DraftView{}, false, domainError(http.StatusNotFound, collab.CodeNotFound, "Group not found", nil)
		}
		return DraftView{}, false, fmt.Errorf("get group: %w", err)
	}
	role, err := s.roleIn(ctx, groupID, actor.ActorID)
	if err != nil {
		return DraftView{}, false, err
	}
	if !rbac.Can(role, rbac.ActionEdit) {
		return DraftView{}, false, domainError(http.StatusForbidden, collab.CodeForbidden, "Forbidden", nil)
	}

	candidate := store.Draft{
		ID:      uuid.NewString(),
		GroupID: groupID,
		OwnerID: actor.ActorID,
		Kind:    store.DraftKindNew,
	}
	snapshot := patch.Snapshot{Blocks: []blocks.Block{}}
	if postID = strings.TrimSpace(postID); postID != "" {
		post, err := s.repo.GetPost(ctx, postID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && post.GroupID != groupID) {
			return DraftView{}, false, domainError(http.StatusNotFound, collab.CodeNotFound, "Post not found", nil)
		}
		if err != nil {
			return DraftView{}, false, fmt.Errorf("get post: %w", err)
		}
		rows, err := s.repo.ListPostBlocks(ctx, postID)
		if err != nil {
			return DraftView{}, false, fmt.Errorf("list post blocks: %w", err)
		}
		candidate.Kind = store.DraftKindEdit
		candidate.TargetPostID = &post.ID
		snapshot = patch.Snapshot{Title: post.Title, Blocks: collab.FromPostBlocks(rows)}
	}
	raw, err := snapshot.Marshal()
	if err != nil {
		return DraftView{}, false, err
	}
	candidate.Snapshot = raw

	draft, created, err := s.repo.GetOrCreateActiveDraft(ctx, candidate)
	if errors.Is(err, store.ErrActiveDraftExists) {
		// The draft we lost to was published before we could read it.
		draft, created, err = s.repo.GetOrCreateActiveDraft(ctx, candidate)
	}
	if err != nil {
		return DraftView{}, false, fmt.Errorf("get or create draft: %w", err)
	}
	if created {
		s.logger.Info().
			Str("draft_id", draft.ID).
			Str("group_id", groupID).
			Str("actor_id", actor.ActorID).
			Str("kind", draft.Kind).
			Msg("draft created")
	}
	return newDraftView(draft), created, nil
}

func (s *Service) readableDraft(ctx context.Context, actor auth.Identity, draftID string) (store.Draft, error) {
	draft, err := s.repo.GetDraft(ctx, draftID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Draft{}, domainError(http.StatusNotFound, collab.CodeNotFound, "Draft not found", nil)
	}
	if err != nil {
		return store.Draft{}, fmt.Errorf("get draft: %w", err)
	}
	role, err := s.roleIn(ctx, draft.GroupID, actor.ActorID)
	if err != nil {
		return store.Draft{}, err
	}
	if !rbac.Can(role, rbac.ActionRead) {
		return store.Draft{}, domainError(http.StatusForbidden, collab.CodeForbidden, "Forbidden", nil)
	}
	return draft, nil
}

func (s *Service) GetDraft(ctx context.Context, actor auth.Identity, draftID string) (DraftView, error) {
	draft, err := s.readableDraft(ctx, actor, draftID)
	if err != nil {
		return DraftView{}, err
	}
	return newDraftView(draft), nil
}

// DraftPatchesSince lists committed batches after sinceVersion so a client
// can rebase without refetching the snapshot.
func (s *Service) DraftPatchesSince(ctx context.Context, actor auth.Identity, draftID string, sinceVersion int64) (DraftPatches, error) {
	if sinceVersion < 0 {
		return DraftPatches{}, domainError(http.StatusUnprocessableEntity, collab.CodeValidation, "sinceVersion must not be negative", nil)
	}
	draft, err := s.readableDraft(ctx, actor, draftID)
	if err != nil {
		return DraftPatches{}, err
	}
	entries, err := s.repo.ListPatches(ctx, draftID, sinceVersion)
	if err != nil {
		return DraftPatches{}, fmt.Errorf("list patches: %w", err)
	}
	out := DraftPatches{
		DraftID:      draft.ID,
		Version:      draft.Version,
		SinceVersion: sinceVersion,
		Patches:      make([]PatchView, 0, len(entries)),
	}
	for _, e := range entries {
		out.Patches = append(out.Patches, PatchView{
			Version:   e.Version,
			ActorID:   e.ActorID,
			SessionID: e.SessionID,
			Commands:  e.Commands,
			CreatedAt: e.CreatedAt,
		})
	}
	return out, nil
}

func (s *Service) PublishDraft(ctx context.Context, actor auth.Identity, draftID string, input PublishInput) (collab.PublishResult, error) {
	return s.publisher.Publish(ctx, collab.Actor{
		ActorID:     actor.ActorID,
		DisplayName: actor.DisplayName,
	}, collab.PublishRequest{
		DraftID:      draftID,
		GroupID:      input.GroupID,
		DraftVersion: input.DraftVersion,
		Title:        input.Title,
		Blocks:       input.Blocks,
	})
}
