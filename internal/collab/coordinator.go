package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quire/api/internal/blocks"
	"quire/api/internal/rbac"
	"quire/api/internal/store"
)

type PublishRepository interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
}

// PostIndexer receives every published post. Implementations must not block.
type PostIndexer interface {
	IndexPost(ctx context.Context, post store.Post, list []blocks.Block)
}

// MediaChecker reports which media ids have no stored object.
type MediaChecker interface {
	Missing(ctx context.Context, ids []string) ([]string, error)
}

type PublishRequest struct {
	DraftID      string         `json:"draftId"`
	GroupID      string         `json:"groupId"`
	DraftVersion int64          `json:"draftVersion"`
	Title        string         `json:"title"`
	Blocks       []blocks.Block `json:"blocks"`
}

type PublishResult struct {
	PostID       string   `json:"postId"`
	Kind         string   `json:"kind"`
	Contributors []string `json:"contributors"`
}

type publishedPayload struct {
	PostID      string `json:"postId"`
	DraftID     string `json:"draftId"`
	PublishedBy string `json:"publishedBy"`
}

// Coordinator turns an active draft into a post in one transaction, guarded
// by the per-draft publish mutex.
type Coordinator struct {
	repo        PublishRepository
	gate        *PublishGate
	touched     *TouchedSet
	validator   *blocks.Validator
	broadcaster Broadcaster
	indexer     PostIndexer
	media       MediaChecker
	logger      zerolog.Logger
}

type CoordinatorOption func(*Coordinator)

func WithIndexer(indexer PostIndexer) CoordinatorOption {
	return func(c *Coordinator) { c.indexer = indexer }
}

func WithMediaChecker(media MediaChecker) CoordinatorOption {
	return func(c *Coordinator) { c.media = media }
}

func NewCoordinator(repo PublishRepository, gate *PublishGate, touched *TouchedSet, validator *blocks.Validator, broadcaster Broadcaster, logger zerolog.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		repo:        repo,
		gate:        gate,
		touched:     touched,
		validator:   validator,
		broadcaster: broadcaster,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Publish(ctx context.Context, actor Actor, req PublishRequest) (PublishResult, error) {
	if req.DraftID == "" || req.GroupID == "" {
		return PublishResult{}, invalid("draftId and groupId are required")
	}

	token, claimed, err := c.gate.Start(ctx, req.DraftID)
	if err != nil {
		return PublishResult{}, err
	}
	if !claimed {
		return PublishResult{}, ErrPublishInFlight
	}
	release := sync.OnceFunc(func() {
		if err := c.gate.Finish(context.WithoutCancel(ctx), req.DraftID, token); err != nil {
			c.logger.Error().Err(err).Str("draft_id", req.DraftID).Msg("release publish mutex")
		}
	})
	defer release()

	if err := c.checkMedia(ctx, req.Blocks); err != nil {
		return PublishResult{}, err
	}

	var result PublishResult
	var post store.Post
	err = c.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		result, post, err = c.publishTx(ctx, tx, actor, req)
		return err
	})
	if err != nil {
		if isPersistenceFailure(err) {
			c.logger.Error().Err(err).
				Str("draft_id", req.DraftID).
				Str("actor_id", actor.ActorID).
				Str("op", "publish").
				Msg("publish failed")
		}
		return PublishResult{}, err
	}

	if err := c.touched.Clear(ctx, req.DraftID); err != nil {
		c.logger.Warn().Err(err).Str("draft_id", req.DraftID).Msg("clear contributors")
	}
	release()

	n := NewNotification(NotifyDraftPublished, req.DraftID, publishedPayload{
		PostID:      result.PostID,
		DraftID:     req.DraftID,
		PublishedBy: actor.ActorID,
	})
	if err := c.broadcaster.Broadcast(ctx, n); err != nil {
		c.logger.Warn().Err(err).Str("draft_id", req.DraftID).Msg("broadcast publish")
	}
	if c.indexer != nil {
		c.indexer.IndexPost(ctx, post, req.Blocks)
	}

	c.logger.Info().
		Str("draft_id", req.DraftID).
		Str("post_id", result.PostID).
		Str("kind", result.Kind).
		Int("contributors", len(result.Contributors)).
		Msg("draft published")
	return result, nil
}

func (c *Coordinator) publishTx(ctx context.Context, tx store.Tx, actor Actor, req PublishRequest) (PublishResult, store.Post, error) {
	draft, err := tx.LockDraft(ctx, req.DraftID)
	if errors.Is(err, store.ErrNotFound) {
		return PublishResult{}, store.Post{}, ErrNotFound
	}
	if err != nil {
		return PublishResult{}, store.Post{}, err
	}
	if draft.GroupID != req.GroupID || !draft.IsActive {
		return PublishResult{}, store.Post{}, ErrNotFound
	}
	if draft.Version != req.DraftVersion {
		return PublishResult{}, store.Post{}, &StaleVersionError{CurrentVersion: draft.Version}
	}

	role, err := tx.MemberRole(ctx, draft.GroupID, actor.ActorID)
	if errors.Is(err, store.ErrNotFound) {
		return PublishResult{}, store.Post{}, ErrPermissionDenied
	}
	if err != nil {
		return PublishResult{}, store.Post{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionPublish) {
		return PublishResult{}, store.Post{}, ErrPermissionDenied
	}

	if err := c.validator.Validate(req.Blocks); err != nil {
		return PublishResult{}, store.Post{}, blockError(err)
	}
	group, err := tx.GetGroup(ctx, draft.GroupID)
	if err != nil {
		return PublishResult{}, store.Post{}, err
	}
	meta, err := blocks.DeriveMeta(req.Blocks, groupLocation(group.Timezone))
	if err != nil {
		return PublishResult{}, store.Post{}, invalid("%v", err)
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return PublishResult{}, store.Post{}, fmt.Errorf("encode meta: %w", err)
	}

	post := store.Post{
		GroupID:   draft.GroupID,
		CreatedBy: actor.ActorID,
		Title:     req.Title,
		EventAt:   meta.EventAt.UTC(),
		Meta:      metaRaw,
	}
	switch draft.Kind {
	case store.DraftKindEdit:
		if draft.TargetPostID == nil {
			return PublishResult{}, store.Post{}, fmt.Errorf("edit draft %s has no target post", draft.ID)
		}
		existing, err := tx.GetPost(ctx, *draft.TargetPostID)
		if errors.Is(err, store.ErrNotFound) {
			return PublishResult{}, store.Post{}, ErrNotFound
		}
		if err != nil {
			return PublishResult{}, store.Post{}, err
		}
		post.ID = existing.ID
		post.CreatedBy = existing.CreatedBy
		if err := tx.UpdatePost(ctx, post); err != nil {
			return PublishResult{}, store.Post{}, err
		}
		if err := tx.DeletePostBlocks(ctx, post.ID); err != nil {
			return PublishResult{}, store.Post{}, err
		}
	default:
		post.ID = uuid.NewString()
		if err := tx.InsertPost(ctx, post); err != nil {
			return PublishResult{}, store.Post{}, err
		}
	}

	contributors, err := c.touched.Members(ctx, draft.ID)
	if err != nil {
		return PublishResult{}, store.Post{}, err
	}
	if len(contributors) == 0 {
		contributors = []string{actor.ActorID}
	}
	sort.Strings(contributors)
	if err := tx.InsertContributors(ctx, post.ID, contributors, store.RoleAuthor); err != nil {
		return PublishResult{}, store.Post{}, err
	}
	if err := tx.InsertBlocks(ctx, post.ID, toPostBlocks(post.ID, req.Blocks)); err != nil {
		return PublishResult{}, store.Post{}, err
	}
	if err := tx.DeactivateDraft(ctx, draft.ID); err != nil {
		return PublishResult{}, store.Post{}, err
	}

	return PublishResult{PostID: post.ID, Kind: draft.Kind, Contributors: contributors}, post, nil
}

func (c *Coordinator) checkMedia(ctx context.Context, list []blocks.Block) error {
	if c.media == nil {
		return nil
	}
	ids := blocks.MediaIDs(list)
	if len(ids) == 0 {
		return nil
	}
	missing, err := c.media.Missing(ctx, ids)
	if err != nil {
		return fmt.Errorf("check media: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}
	gone := make(map[string]bool, len(missing))
	for _, id := range missing {
		gone[id] = true
	}
	for i, b := range list {
		if b.Type != blocks.TypeImage {
			continue
		}
		img, _ := b.ImageValue()
		for _, id := range img.MediaIDs {
			if gone[id] {
				return &ValidationError{BlockIndex: i, BlockID: b.ID, Reason: fmt.Sprintf("media %s not found", id)}
			}
		}
	}
	return invalid("media %s not found", missing[0])
}

func toPostBlocks(postID string, list []blocks.Block) []store.PostBlock {
	out := make([]store.PostBlock, len(list))
	for i, b := range list {
		pb := store.PostBlock{
			PostID:  postID,
			BlockID: b.ID,
			Type:    string(b.Type),
			Row:     b.Row,
			Col:     b.Col,
			Span:    b.Span,
			Value:   b.Value,
		}
		if b.ParentID != "" {
			parent := b.ParentID
			pb.ParentID = &parent
		}
		out[i] = pb
	}
	return out
}

// FromPostBlocks converts stored rows back to blocks.
func FromPostBlocks(rows []store.PostBlock) []blocks.Block {
	out := make([]blocks.Block, len(rows))
	for i, r := range rows {
		b := blocks.Block{
			ID:    r.BlockID,
			Type:  blocks.Type(r.Type),
			Row:   r.Row,
			Col:   r.Col,
			Span:  r.Span,
			Value: r.Value,
		}
		if r.ParentID != nil {
			b.ParentID = *r.ParentID
		}
		out[i] = b
	}
	return out
}

func groupLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func blockError(err error) error {
	var berr *blocks.Error
	if errors.As(err, &berr) {
		return &ValidationError{BlockIndex: berr.Index, BlockID: berr.BlockID, Reason: berr.Error()}
	}
	return invalid("%v", err)
}

func isPersistenceFailure(err error) bool {
	code, _, _ := Describe(err)
	return code == CodeServerError
}
