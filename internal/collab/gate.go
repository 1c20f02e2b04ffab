package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"quire/api/internal/sharedstate"
)

const (
	DefaultPublishTTL = 60 * time.Second
	touchedTTL        = 30 * 24 * time.Hour
)

// PublishGate is the per-draft publish mutex. Its TTL only matters if a
// process dies mid-publish; normal exits release it explicitly.
type PublishGate struct {
	store sharedstate.Store
	ttl   time.Duration
}

func NewPublishGate(store sharedstate.Store, ttl time.Duration) *PublishGate {
	if ttl <= 0 {
		ttl = DefaultPublishTTL
	}
	return &PublishGate{store: store, ttl: ttl}
}

func publishKey(draftID string) string {
	return sharedstate.Key("draft", draftID, "publishing")
}

// Start claims the mutex. It returns the release token and false when
// another publish holds it.
func (g *PublishGate) Start(ctx context.Context, draftID string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := g.store.SetNX(ctx, publishKey(draftID), token, g.ttl)
	if err != nil {
		return "", false, fmt.Errorf("start publishing: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Finish releases the mutex if token still owns it.
func (g *PublishGate) Finish(ctx context.Context, draftID, token string) error {
	if _, err := g.store.DeleteIfEquals(ctx, publishKey(draftID), token); err != nil {
		return fmt.Errorf("finish publishing: %w", err)
	}
	return nil
}

func (g *PublishGate) InFlight(ctx context.Context, draftID string) (bool, error) {
	_, found, err := g.store.Get(ctx, publishKey(draftID))
	if err != nil {
		return false, fmt.Errorf("check publishing: %w", err)
	}
	return found, nil
}

// TouchedSet records which actors committed to a draft.
type TouchedSet struct {
	store sharedstate.Store
}

func NewTouchedSet(store sharedstate.Store) *TouchedSet {
	return &TouchedSet{store: store}
}

func touchedKey(draftID string) string {
	return sharedstate.Key("draft", draftID, "touched")
}

func (s *TouchedSet) Add(ctx context.Context, draftID, actorID string) error {
	key := touchedKey(draftID)
	if err := s.store.SAdd(ctx, key, actorID); err != nil {
		return fmt.Errorf("record contributor: %w", err)
	}
	if err := s.store.Expire(ctx, key, touchedTTL); err != nil {
		return fmt.Errorf("expire contributors: %w", err)
	}
	return nil
}

func (s *TouchedSet) Members(ctx context.Context, draftID string) ([]string, error) {
	members, err := s.store.SMembers(ctx, touchedKey(draftID))
	if err != nil {
		return nil, fmt.Errorf("list contributors: %w", err)
	}
	return members, nil
}

func (s *TouchedSet) Clear(ctx context.Context, draftID string) error {
	if err := s.store.Del(ctx, touchedKey(draftID)); err != nil {
		return fmt.Errorf("clear contributors: %w", err)
	}
	return nil
}
