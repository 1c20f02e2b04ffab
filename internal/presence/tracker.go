package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"quire/api/internal/sharedstate"
)

const DefaultTTL = 90 * time.Second

type EventType string

const (
	EventJoined EventType = "PRESENCE_JOINED"
	EventLeft   EventType = "PRESENCE_LEFT"
)

type Member struct {
	ActorID     string    `json:"actorId"`
	SessionID   string    `json:"sessionId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	LastSeen    time.Time `json:"lastSeen"`
}

type Event struct {
	Type    EventType `json:"type"`
	DraftID string    `json:"draftId"`
	Member  Member    `json:"member"`
}

type sessionRecord struct {
	DraftID string `json:"draftId"`
	ActorID string `json:"actorId"`
}

// Tracker keeps the per-draft roster of connected collaborators in the
// shared store. Entries expire unless refreshed by Heartbeat.
type Tracker struct {
	store  sharedstate.Store
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

func NewTracker(store sharedstate.Store, ttl time.Duration, logger zerolog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{store: store, ttl: ttl, now: time.Now, logger: logger}
}

// WithClock returns a copy of t that reads time from now.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	cp := *t
	cp.now = now
	return &cp
}

func rosterKey(draftID string) string {
	return sharedstate.Key("draft", draftID, "presence")
}

func memberKey(draftID, actorID string) string {
	return sharedstate.Key("draft", draftID, "presence", actorID)
}

func sessionKey(sessionID string) string {
	return sharedstate.Key("presence", "session", sessionID)
}

func replacedKey(sessionID string) string {
	return sharedstate.Key("presence", "replaced", sessionID)
}

func connectionKey(draftID, actorID string) string {
	return sharedstate.Key("draft", draftID, "conn", actorID)
}

// Join records member in draftID. If the actor is already present under a
// different session, that session is evicted and flagged as replaced, and a
// left event for it precedes the joined event.
func (t *Tracker) Join(ctx context.Context, draftID string, member Member) ([]Event, error) {
	var events []Event

	existing, err := t.MemberOf(ctx, draftID, member.ActorID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.SessionID != member.SessionID {
		if err := t.MarkReplaced(ctx, existing.SessionID); err != nil {
			return nil, err
		}
		if err := t.store.Del(ctx, sessionKey(existing.SessionID)); err != nil {
			return nil, fmt.Errorf("evict session: %w", err)
		}
		events = append(events, Event{Type: EventLeft, DraftID: draftID, Member: *existing})
	}

	member.LastSeen = t.now().UTC()
	if err := t.write(ctx, draftID, member); err != nil {
		return nil, err
	}
	record, _ := json.Marshal(sessionRecord{DraftID: draftID, ActorID: member.ActorID})
	if err := t.store.Set(ctx, sessionKey(member.SessionID), string(record), t.ttl); err != nil {
		return nil, fmt.Errorf("index session: %w", err)
	}

	events = append(events, Event{Type: EventJoined, DraftID: draftID, Member: member})
	return events, nil
}

func (t *Tracker) write(ctx context.Context, draftID string, member Member) error {
	raw, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}
	if err := t.store.Set(ctx, memberKey(draftID, member.ActorID), string(raw), t.ttl); err != nil {
		return fmt.Errorf("write member: %w", err)
	}
	if err := t.store.SAdd(ctx, rosterKey(draftID), member.ActorID); err != nil {
		return fmt.Errorf("add to roster: %w", err)
	}
	if err := t.store.Expire(ctx, rosterKey(draftID), t.ttl); err != nil {
		return fmt.Errorf("expire roster: %w", err)
	}
	return nil
}

func (t *Tracker) session(ctx context.Context, sessionID string) (*sessionRecord, error) {
	raw, found, err := t.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !found {
		return nil, nil
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &rec, nil
}

// Leave removes the member registered under sessionID. It returns nil when
// the session is unknown or no longer the actor's current one.
func (t *Tracker) Leave(ctx context.Context, draftID, sessionID string) (*Event, error) {
	rec, err := t.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.DraftID != draftID {
		return nil, nil
	}
	if err := t.store.Del(ctx, sessionKey(sessionID)); err != nil {
		return nil, fmt.Errorf("drop session: %w", err)
	}

	raw, member, err := t.lookup(ctx, draftID, rec.ActorID)
	if err != nil {
		return nil, err
	}
	if member == nil || member.SessionID != sessionID {
		return nil, nil
	}
	if _, err := t.store.DeleteIfEquals(ctx, memberKey(draftID, rec.ActorID), raw); err != nil {
		return nil, fmt.Errorf("drop member: %w", err)
	}
	if _, err := t.store.SRem(ctx, rosterKey(draftID), rec.ActorID); err != nil {
		return nil, fmt.Errorf("remove from roster: %w", err)
	}
	return &Event{Type: EventLeft, DraftID: draftID, Member: *member}, nil
}

// Heartbeat refreshes the member and session TTLs. It reports false when the
// session is no longer present.
func (t *Tracker) Heartbeat(ctx context.Context, draftID, sessionID string) (bool, error) {
	rec, err := t.session(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.DraftID != draftID {
		return false, nil
	}
	member, err := t.MemberOf(ctx, draftID, rec.ActorID)
	if err != nil {
		return false, err
	}
	if member == nil || member.SessionID != sessionID {
		return false, nil
	}
	member.LastSeen = t.now().UTC()
	if err := t.write(ctx, draftID, *member); err != nil {
		return false, err
	}
	if err := t.store.Expire(ctx, sessionKey(sessionID), t.ttl); err != nil {
		return false, fmt.Errorf("expire session: %w", err)
	}
	return true, nil
}

// ListMembers returns the live roster sorted by actor id. Roster entries whose
// member record has expired are pruned.
func (t *Tracker) ListMembers(ctx context.Context, draftID string) ([]Member, error) {
	actors, err := t.store.SMembers(ctx, rosterKey(draftID))
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	sort.Strings(actors)

	members := make([]Member, 0, len(actors))
	for _, actorID := range actors {
		member, err := t.MemberOf(ctx, draftID, actorID)
		if err != nil {
			return nil, err
		}
		if member == nil {
			if _, err := t.store.SRem(ctx, rosterKey(draftID), actorID); err != nil {
				t.logger.Warn().Err(err).Str("draft_id", draftID).Str("actor_id", actorID).Msg("prune roster")
			}
			continue
		}
		members = append(members, *member)
	}
	return members, nil
}

func (t *Tracker) MemberOf(ctx context.Context, draftID, actorID string) (*Member, error) {
	_, member, err := t.lookup(ctx, draftID, actorID)
	return member, err
}

func (t *Tracker) lookup(ctx context.Context, draftID, actorID string) (string, *Member, error) {
	raw, found, err := t.store.Get(ctx, memberKey(draftID, actorID))
	if err != nil {
		return "", nil, fmt.Errorf("get member: %w", err)
	}
	if !found {
		return "", nil, nil
	}
	var m Member
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return "", nil, fmt.Errorf("decode member: %w", err)
	}
	return raw, &m, nil
}

func (t *Tracker) MarkReplaced(ctx context.Context, sessionID string) error {
	if err := t.store.Set(ctx, replacedKey(sessionID), "1", t.ttl); err != nil {
		return fmt.Errorf("mark replaced: %w", err)
	}
	return nil
}

func (t *Tracker) IsReplaced(ctx context.Context, sessionID string) (bool, error) {
	_, found, err := t.store.Get(ctx, replacedKey(sessionID))
	if err != nil {
		return false, fmt.Errorf("check replaced: %w", err)
	}
	return found, nil
}

func (t *Tracker) ClearReplaced(ctx context.Context, sessionID string) error {
	if err := t.store.Del(ctx, replacedKey(sessionID)); err != nil {
		return fmt.Errorf("clear replaced: %w", err)
	}
	return nil
}

// SetConnection points actorID at the connection handle serving it.
func (t *Tracker) SetConnection(ctx context.Context, draftID, actorID, handle string) error {
	if err := t.store.Set(ctx, connectionKey(draftID, actorID), handle, t.ttl); err != nil {
		return fmt.Errorf("set connection: %w", err)
	}
	return nil
}

func (t *Tracker) Connection(ctx context.Context, draftID, actorID string) (string, bool, error) {
	handle, found, err := t.store.Get(ctx, connectionKey(draftID, actorID))
	if err != nil {
		return "", false, fmt.Errorf("get connection: %w", err)
	}
	return handle, found, nil
}

// ClearConnection removes the mapping only if it still points at handle.
func (t *Tracker) ClearConnection(ctx context.Context, draftID, actorID, handle string) (bool, error) {
	cleared, err := t.store.DeleteIfEquals(ctx, connectionKey(draftID, actorID), handle)
	if err != nil {
		return false, fmt.Errorf("clear connection: %w", err)
	}
	return cleared, nil
}
