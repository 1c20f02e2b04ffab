package collab

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"quire/api/internal/lock"
	"quire/api/internal/presence"
)

const (
	NotifyCommitted        = "COMMITTED"
	NotifyStream           = "STREAM"
	NotifyDraftPublished   = "DRAFT_PUBLISHED"
	NotifyLockGranted      = string(lock.EventGranted)
	NotifyLockChanged      = string(lock.EventChanged)
	NotifyLockExpired      = string(lock.EventExpired)
	NotifyPresenceJoined   = string(presence.EventJoined)
	NotifyPresenceLeft     = string(presence.EventLeft)
	NotifyPresenceSnapshot = "PRESENCE_SNAPSHOT"
)

// Notification is a server-initiated message for every connection in a
// draft's room, except ExcludeSession when set.
type Notification struct {
	Type           string          `json:"type"`
	DraftID        string          `json:"draftId"`
	Payload        json.RawMessage `json:"payload"`
	ExcludeSession string          `json:"excludeSession,omitempty"`
}

func NewNotification(typ, draftID string, payload any) Notification {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return Notification{Type: typ, DraftID: draftID, Payload: raw}
}

type Broadcaster interface {
	Broadcast(ctx context.Context, n Notification) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, n Notification) error

func (f BroadcasterFunc) Broadcast(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

type lockPayload struct {
	LockKey   string `json:"lockKey"`
	ActorID   string `json:"actorId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// LockNotifier turns lock registry events into room notifications.
func LockNotifier(b Broadcaster, logger zerolog.Logger) lock.NotifyFunc {
	return func(ctx context.Context, e lock.Event) {
		n := NewNotification(string(e.Type), e.DraftID, lockPayload{
			LockKey:   e.LockKey,
			ActorID:   e.ActorID,
			SessionID: e.SessionID,
		})
		if err := b.Broadcast(ctx, n); err != nil {
			logger.Warn().Err(err).Str("draft_id", e.DraftID).Str("lock_key", e.LockKey).Str("type", n.Type).Msg("broadcast lock event")
		}
	}
}

// PresenceNotification wraps a presence event for the room.
func PresenceNotification(e presence.Event) Notification {
	return NewNotification(string(e.Type), e.DraftID, e.Member)
}
