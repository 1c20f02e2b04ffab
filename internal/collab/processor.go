package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"quire/api/internal/blocks"
	"quire/api/internal/lock"
	"quire/api/internal/patch"
	"quire/api/internal/rbac"
	"quire/api/internal/store"
)

// Actor is the verified identity behind a request.
type Actor struct {
	ActorID     string
	SessionID   string
	DisplayName string
	Role        rbac.Role
}

type DraftRepository interface {
	GetDraft(ctx context.Context, draftID string) (store.Draft, error)
	CommitPatch(ctx context.Context, draftID string, baseVersion int64, snapshot json.RawMessage, entry store.PatchEntry) (store.CommitResult, error)
}

type StreamRequest struct {
	DraftID string          `json:"draftId"`
	BlockID string          `json:"blockId"`
	Value   json.RawMessage `json:"value"`
}

type CommitRequest struct {
	DraftID     string      `json:"draftId"`
	BaseVersion int64       `json:"baseVersion"`
	Commands    patch.Batch `json:"commands"`
}

type CommitStatus string

const (
	StatusCommitted CommitStatus = "committed"
	StatusStale     CommitStatus = "stale"
)

// CommitResult is the outcome of a commit. A stale result is not an error:
// Version is then the draft's current version and nothing was applied.
type CommitResult struct {
	Status          CommitStatus `json:"status"`
	Version         int64        `json:"version"`
	Commands        patch.Batch  `json:"commands,omitempty"`
	AuthorSessionID string       `json:"authorSessionId,omitempty"`
	AutoLocks       []string     `json:"autoLocks,omitempty"`
}

type committedPayload struct {
	Version         int64       `json:"version"`
	Commands        patch.Batch `json:"commands"`
	AuthorID        string      `json:"authorId"`
	AuthorSessionID string      `json:"authorSessionId"`
}

type streamPayload struct {
	BlockID   string          `json:"blockId"`
	Value     json.RawMessage `json:"value"`
	ActorID   string          `json:"actorId"`
	SessionID string          `json:"sessionId"`
}

// Processor applies edits to drafts. Streams are relayed without touching
// storage; commits go through the repository's version compare-and-swap.
type Processor struct {
	// commitMu orders commits to one draft on this instance so COMMITTED
	// notifications leave in version order.
	commitMu    [32]sync.Mutex
	repo        DraftRepository
	locks       *lock.Registry
	gate        *PublishGate
	touched     *TouchedSet
	broadcaster Broadcaster
	logger      zerolog.Logger
}

func NewProcessor(repo DraftRepository, locks *lock.Registry, gate *PublishGate, touched *TouchedSet, broadcaster Broadcaster, logger zerolog.Logger) *Processor {
	return &Processor{
		repo:        repo,
		locks:       locks,
		gate:        gate,
		touched:     touched,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Stream relays an uncommitted value to the rest of the room. The sender
// must hold one of the locks covering the block in the current snapshot.
func (p *Processor) Stream(ctx context.Context, actor Actor, req StreamRequest) error {
	if req.DraftID == "" || req.BlockID == "" {
		return invalid("draftId and blockId are required")
	}
	if !rbac.Can(actor.Role, rbac.ActionEdit) {
		return ErrPermissionDenied
	}
	if err := p.rejectIfPublishing(ctx, req.DraftID); err != nil {
		return err
	}

	anyOf, err := p.streamLocks(ctx, req.DraftID, req.BlockID)
	if err != nil {
		return err
	}
	if err := p.requireAny(ctx, req.DraftID, actor, anyOf, map[string]*lock.Owner{}); err != nil {
		return err
	}

	n := NewNotification(NotifyStream, req.DraftID, streamPayload{
		BlockID:   req.BlockID,
		Value:     req.Value,
		ActorID:   actor.ActorID,
		SessionID: actor.SessionID,
	})
	n.ExcludeSession = actor.SessionID
	return p.broadcaster.Broadcast(ctx, n)
}

// Commit applies a command batch at BaseVersion. Lock ownership for every
// command is verified before anything is applied.
func (p *Processor) Commit(ctx context.Context, actor Actor, req CommitRequest) (CommitResult, error) {
	if len(req.Commands) == 0 {
		return CommitResult{}, invalid("at least one command is required")
	}
	if !rbac.Can(actor.Role, rbac.ActionEdit) {
		return CommitResult{}, ErrPermissionDenied
	}
	if err := p.rejectIfPublishing(ctx, req.DraftID); err != nil {
		return CommitResult{}, err
	}

	mu := p.draftMutex(req.DraftID)
	mu.Lock()
	defer mu.Unlock()

	draft, err := p.repo.GetDraft(ctx, req.DraftID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !draft.IsActive) {
		return CommitResult{}, ErrNotFound
	}
	if err != nil {
		return CommitResult{}, err
	}
	if draft.Version != req.BaseVersion {
		return CommitResult{Status: StatusStale, Version: draft.Version}, nil
	}

	snapshot, err := patch.ParseSnapshot(draft.Snapshot)
	if err != nil {
		return CommitResult{}, err
	}
	plan, err := patch.PlanLocks(snapshot, req.Commands)
	if err != nil {
		return CommitResult{}, commandError(err)
	}
	owners := make(map[string]*lock.Owner)
	for _, r := range plan.Requirements {
		if err := p.requireAny(ctx, req.DraftID, actor, r.AnyOf, owners); err != nil {
			return CommitResult{}, err
		}
	}

	next, err := patch.Apply(snapshot, req.Commands)
	if err != nil {
		return CommitResult{}, commandError(err)
	}
	nextRaw, err := next.Marshal()
	if err != nil {
		return CommitResult{}, err
	}
	commandsRaw, err := json.Marshal(req.Commands)
	if err != nil {
		return CommitResult{}, fmt.Errorf("encode commands: %w", err)
	}

	res, err := p.repo.CommitPatch(ctx, req.DraftID, req.BaseVersion, nextRaw, store.PatchEntry{
		ActorID:   actor.ActorID,
		SessionID: actor.SessionID,
		Commands:  commandsRaw,
	})
	if errors.Is(err, store.ErrNotFound) {
		return CommitResult{}, ErrNotFound
	}
	if err != nil {
		return CommitResult{}, err
	}
	if !res.Applied {
		return CommitResult{Status: StatusStale, Version: res.Version}, nil
	}

	if err := p.touched.Add(ctx, req.DraftID, actor.ActorID); err != nil {
		p.logger.Error().Err(err).Str("draft_id", req.DraftID).Str("actor_id", actor.ActorID).Msg("record contributor")
	}

	var autoLocks []string
	for _, b := range plan.Inserted {
		key := patch.AutoLockKey(b)
		granted, err := p.locks.Acquire(ctx, req.DraftID, key, actor.ActorID, actor.SessionID)
		if err != nil {
			p.logger.Warn().Err(err).Str("draft_id", req.DraftID).Str("lock_key", key).Msg("auto-acquire lock")
			continue
		}
		if granted.Granted {
			autoLocks = append(autoLocks, key)
		}
	}

	n := NewNotification(NotifyCommitted, req.DraftID, committedPayload{
		Version:         res.Version,
		Commands:        req.Commands,
		AuthorID:        actor.ActorID,
		AuthorSessionID: actor.SessionID,
	})
	n.ExcludeSession = actor.SessionID
	if err := p.broadcaster.Broadcast(ctx, n); err != nil {
		p.logger.Warn().Err(err).Str("draft_id", req.DraftID).Int64("version", res.Version).Msg("broadcast commit")
	}

	return CommitResult{
		Status:          StatusCommitted,
		Version:         res.Version,
		Commands:        req.Commands,
		AuthorSessionID: actor.SessionID,
		AutoLocks:       autoLocks,
	}, nil
}

// streamLocks resolves blockID against the stored snapshot. The title is
// streamed under its reserved id.
func (p *Processor) streamLocks(ctx context.Context, draftID, blockID string) ([]string, error) {
	if blockID == blocks.ReservedID {
		return []string{lock.TitleKey}, nil
	}
	draft, err := p.repo.GetDraft(ctx, draftID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !draft.IsActive) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snapshot, err := patch.ParseSnapshot(draft.Snapshot)
	if err != nil {
		return nil, err
	}
	idx := snapshot.Find(blockID)
	if idx < 0 {
		return nil, commandError(fmt.Errorf("%w: %s", patch.ErrBlockNotFound, blockID))
	}
	return patch.LockKeysFor(snapshot.Blocks[idx]), nil
}

func (p *Processor) draftMutex(draftID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(draftID))
	return &p.commitMu[h.Sum32()%uint32(len(p.commitMu))]
}

func (p *Processor) rejectIfPublishing(ctx context.Context, draftID string) error {
	inFlight, err := p.gate.InFlight(ctx, draftID)
	if err != nil {
		return err
	}
	if inFlight {
		return ErrPublishInFlight
	}
	return nil
}

// requireAny succeeds if actor holds one of keys. owners caches lookups for
// the duration of one request.
func (p *Processor) requireAny(ctx context.Context, draftID string, actor Actor, keys []string, owners map[string]*lock.Owner) error {
	for _, key := range keys {
		owner, cached := owners[key]
		if !cached {
			var err error
			owner, err = p.locks.OwnerOf(ctx, draftID, key)
			if err != nil {
				return err
			}
			owners[key] = owner
		}
		if owner != nil && owner.ActorID == actor.ActorID && owner.SessionID == actor.SessionID {
			return nil
		}
	}
	denied := &LockDeniedError{LockKey: keys[0]}
	for _, key := range keys {
		if owner := owners[key]; owner != nil {
			denied.LockKey = key
			denied.OwnerSessionID = owner.SessionID
			break
		}
	}
	return denied
}

func commandError(err error) error {
	if errors.Is(err, patch.ErrBlockNotFound) || errors.Is(err, patch.ErrDuplicateBlock) || errors.Is(err, patch.ErrInvalidCommand) {
		return &ValidationError{BlockIndex: -1, Reason: err.Error()}
	}
	return err
}
