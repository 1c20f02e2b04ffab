package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"quire/api/internal/sharedstate"
)

const (
	DefaultTTL = 30 * time.Second

	// Session indexes outlive any single lock so that a disconnect long after
	// the last acquire still finds what to clean up.
	sessionIndexTTL = 24 * time.Hour

	maxAcquireAttempts = 3
)

var ErrContended = errors.New("lock contended")

type EventType string

const (
	EventGranted EventType = "LOCK_GRANTED"
	EventChanged EventType = "LOCK_CHANGED"
	EventExpired EventType = "LOCK_EXPIRED"
)

// Event describes a lock transition. For EventChanged and EventExpired the
// actor and session are the previous owner's.
type Event struct {
	Type      EventType
	DraftID   string
	LockKey   string
	ActorID   string
	SessionID string
}

type NotifyFunc func(ctx context.Context, event Event)

type Owner struct {
	ActorID   string `json:"actorId"`
	SessionID string `json:"sessionId"`
}

type Entry struct {
	LockKey   string    `json:"lockKey"`
	ActorID   string    `json:"actorId"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Result is the outcome of Acquire, Release and Heartbeat. When Granted is
// false, OwnerSessionID names the session currently holding the lock, or is
// empty if the lock is free.
type Result struct {
	Granted        bool   `json:"granted"`
	OwnerSessionID string `json:"ownerSessionId,omitempty"`
}

// Registry hands out exclusive per-draft field locks backed by a shared
// store. Every decision is made by an atomic store operation; nothing is
// cached in process.
type Registry struct {
	store  sharedstate.Store
	ttl    time.Duration
	notify NotifyFunc
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Registry)

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithNotifier(fn NotifyFunc) Option {
	return func(r *Registry) { r.notify = fn }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store sharedstate.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		ttl:    DefaultTTL,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func entryKey(draftID, lockKey string) string {
	return sharedstate.Key("draft", draftID, "lock", lockKey)
}

func draftIndexKey(draftID string) string {
	return sharedstate.Key("draft", draftID, "locks")
}

func sessionIndexKey(draftID, sessionID string) string {
	return sharedstate.Key("session", sessionID, "draft", draftID, "locks")
}

func activeDraftsKey() string {
	return sharedstate.Key("locks", "drafts")
}

func encodeOwner(o Owner) string {
	raw, _ := json.Marshal(o)
	return string(raw)
}

func decodeOwner(value string) (Owner, error) {
	var o Owner
	if err := json.Unmarshal([]byte(value), &o); err != nil {
		return Owner{}, fmt.Errorf("decode lock owner: %w", err)
	}
	return o, nil
}

// Acquire claims lockKey for (actorID, sessionID). Re-acquiring a lock the
// same session already holds extends it and is granted.
func (r *Registry) Acquire(ctx context.Context, draftID, lockKey, actorID, sessionID string) (Result, error) {
	if _, _, err := ParseKey(lockKey); err != nil {
		return Result{}, err
	}
	value := encodeOwner(Owner{ActorID: actorID, SessionID: sessionID})
	key := entryKey(draftID, lockKey)

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		created, err := r.store.SetNX(ctx, key, value, r.ttl)
		if err != nil {
			return Result{}, fmt.Errorf("acquire %s: %w", lockKey, err)
		}
		if created {
			if err := r.register(ctx, draftID, lockKey, sessionID); err != nil {
				if _, delErr := r.store.DeleteIfEquals(ctx, key, value); delErr != nil {
					r.logger.Error().Err(delErr).Str("draft_id", draftID).Str("lock_key", lockKey).Msg("rollback lock after failed registration")
				}
				return Result{}, err
			}
			r.emit(ctx, Event{Type: EventGranted, DraftID: draftID, LockKey: lockKey, ActorID: actorID, SessionID: sessionID})
			return Result{Granted: true}, nil
		}

		current, found, err := r.store.Get(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("acquire %s: %w", lockKey, err)
		}
		if !found {
			// Expired between SetNX and Get.
			continue
		}
		if current == value {
			extended, err := r.store.ExpireIfEquals(ctx, key, value, r.ttl)
			if err != nil {
				return Result{}, fmt.Errorf("acquire %s: %w", lockKey, err)
			}
			if extended {
				if err := r.register(ctx, draftID, lockKey, sessionID); err != nil {
					return Result{}, err
				}
				return Result{Granted: true}, nil
			}
			continue
		}
		owner, err := decodeOwner(current)
		if err != nil {
			return Result{}, err
		}
		return Result{Granted: false, OwnerSessionID: owner.SessionID}, nil
	}
	return Result{}, fmt.Errorf("acquire %s: %w", lockKey, ErrContended)
}

func (r *Registry) register(ctx context.Context, draftID, lockKey, sessionID string) error {
	if err := r.store.SAdd(ctx, draftIndexKey(draftID), lockKey); err != nil {
		return fmt.Errorf("index lock %s: %w", lockKey, err)
	}
	sessionKey := sessionIndexKey(draftID, sessionID)
	if err := r.store.SAdd(ctx, sessionKey, lockKey); err != nil {
		return fmt.Errorf("index session lock %s: %w", lockKey, err)
	}
	if err := r.store.Expire(ctx, sessionKey, sessionIndexTTL); err != nil {
		return fmt.Errorf("expire session index: %w", err)
	}
	if err := r.store.SAdd(ctx, activeDraftsKey(), draftID); err != nil {
		return fmt.Errorf("index draft %s: %w", draftID, err)
	}
	return nil
}

// Release frees lockKey if (actorID, sessionID) owns it. Releasing a lock
// that no longer exists succeeds.
func (r *Registry) Release(ctx context.Context, draftID, lockKey, actorID, sessionID string) (Result, error) {
	if _, _, err := ParseKey(lockKey); err != nil {
		return Result{}, err
	}
	key := entryKey(draftID, lockKey)
	want := Owner{ActorID: actorID, SessionID: sessionID}

	current, found, err := r.store.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("release %s: %w", lockKey, err)
	}
	if !found {
		// The draft index entry is left for the sweeper, which reports expiry.
		if _, err := r.store.SRem(ctx, sessionIndexKey(draftID, sessionID), lockKey); err != nil {
			return Result{}, fmt.Errorf("release %s: %w", lockKey, err)
		}
		return Result{Granted: true}, nil
	}
	owner, err := decodeOwner(current)
	if err != nil {
		return Result{}, err
	}
	if owner != want {
		return Result{Granted: false, OwnerSessionID: owner.SessionID}, nil
	}

	deleted, err := r.store.DeleteIfEquals(ctx, key, current)
	if err != nil {
		return Result{}, fmt.Errorf("release %s: %w", lockKey, err)
	}
	if !deleted {
		// Expired or re-acquired by someone else since the read.
		owner, err := r.OwnerOf(ctx, draftID, lockKey)
		if err != nil {
			return Result{}, err
		}
		if owner != nil && *owner != want {
			return Result{Granted: false, OwnerSessionID: owner.SessionID}, nil
		}
		return Result{Granted: true}, nil
	}

	if err := r.unregister(ctx, draftID, lockKey, sessionID); err != nil {
		return Result{}, err
	}
	r.emit(ctx, Event{Type: EventChanged, DraftID: draftID, LockKey: lockKey, ActorID: actorID, SessionID: sessionID})
	return Result{Granted: true}, nil
}

func (r *Registry) unregister(ctx context.Context, draftID, lockKey, sessionID string) error {
	if _, err := r.store.SRem(ctx, draftIndexKey(draftID), lockKey); err != nil {
		return fmt.Errorf("unindex lock %s: %w", lockKey, err)
	}
	if _, err := r.store.SRem(ctx, sessionIndexKey(draftID, sessionID), lockKey); err != nil {
		return fmt.Errorf("unindex session lock %s: %w", lockKey, err)
	}
	return nil
}

// Heartbeat extends the TTL of a lock still owned by (actorID, sessionID).
func (r *Registry) Heartbeat(ctx context.Context, draftID, lockKey, actorID, sessionID string) (Result, error) {
	if _, _, err := ParseKey(lockKey); err != nil {
		return Result{}, err
	}
	value := encodeOwner(Owner{ActorID: actorID, SessionID: sessionID})
	extended, err := r.store.ExpireIfEquals(ctx, entryKey(draftID, lockKey), value, r.ttl)
	if err != nil {
		return Result{}, fmt.Errorf("heartbeat %s: %w", lockKey, err)
	}
	if extended {
		return Result{Granted: true}, nil
	}
	owner, err := r.OwnerOf(ctx, draftID, lockKey)
	if err != nil {
		return Result{}, err
	}
	if owner == nil {
		return Result{Granted: false}, nil
	}
	return Result{Granted: false, OwnerSessionID: owner.SessionID}, nil
}

// OwnerOf returns the current owner of lockKey, or nil when it is free.
func (r *Registry) OwnerOf(ctx context.Context, draftID, lockKey string) (*Owner, error) {
	current, found, err := r.store.Get(ctx, entryKey(draftID, lockKey))
	if err != nil {
		return nil, fmt.Errorf("owner of %s: %w", lockKey, err)
	}
	if !found {
		return nil, nil
	}
	owner, err := decodeOwner(current)
	if err != nil {
		return nil, err
	}
	return &owner, nil
}

// Lookup returns the live entry for lockKey with its absolute expiry.
func (r *Registry) Lookup(ctx context.Context, draftID, lockKey string) (*Entry, error) {
	key := entryKey(draftID, lockKey)
	owner, err := r.OwnerOf(ctx, draftID, lockKey)
	if err != nil || owner == nil {
		return nil, err
	}
	ttl, err := r.store.TTL(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", lockKey, err)
	}
	return &Entry{
		LockKey:   lockKey,
		ActorID:   owner.ActorID,
		SessionID: owner.SessionID,
		ExpiresAt: r.now().Add(ttl).UTC(),
	}, nil
}

// List returns the live locks of a draft ordered by key.
func (r *Registry) List(ctx context.Context, draftID string) ([]Entry, error) {
	keys, err := r.store.SMembers(ctx, draftIndexKey(draftID))
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	sort.Strings(keys)
	entries := make([]Entry, 0, len(keys))
	for _, lockKey := range keys {
		entry, err := r.Lookup(ctx, draftID, lockKey)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

// ReleaseAllForSession force-releases every lock sessionID holds in draftID
// and returns the released keys.
func (r *Registry) ReleaseAllForSession(ctx context.Context, draftID, sessionID string) ([]string, error) {
	sessionKey := sessionIndexKey(draftID, sessionID)
	keys, err := r.store.SMembers(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("list session locks: %w", err)
	}
	sort.Strings(keys)

	released := make([]string, 0, len(keys))
	for _, lockKey := range keys {
		key := entryKey(draftID, lockKey)
		current, found, err := r.store.Get(ctx, key)
		if err != nil {
			return released, fmt.Errorf("release %s: %w", lockKey, err)
		}
		if !found {
			continue
		}
		owner, err := decodeOwner(current)
		if err != nil {
			r.logger.Warn().Err(err).Str("draft_id", draftID).Str("lock_key", lockKey).Msg("skip undecodable lock")
			continue
		}
		if owner.SessionID != sessionID {
			continue
		}
		deleted, err := r.store.DeleteIfEquals(ctx, key, current)
		if err != nil {
			return released, fmt.Errorf("release %s: %w", lockKey, err)
		}
		if !deleted {
			continue
		}
		if _, err := r.store.SRem(ctx, draftIndexKey(draftID), lockKey); err != nil {
			return released, fmt.Errorf("unindex lock %s: %w", lockKey, err)
		}
		released = append(released, lockKey)
		r.emit(ctx, Event{Type: EventChanged, DraftID: draftID, LockKey: lockKey, ActorID: owner.ActorID, SessionID: sessionID})
	}

	if err := r.store.Del(ctx, sessionKey); err != nil {
		return released, fmt.Errorf("drop session index: %w", err)
	}
	return released, nil
}

func (r *Registry) emit(ctx context.Context, event Event) {
	if r.notify == nil {
		return
	}
	r.notify(ctx, event)
}
