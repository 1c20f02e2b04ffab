package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"quire/api/internal/blocks"
	"quire/api/internal/lock"
	"quire/api/internal/patch"
	"quire/api/internal/rbac"
	"quire/api/internal/sharedstate"
	"quire/api/internal/store"
)

const testGroup = "grp-1"

var (
	alice = Actor{ActorID: "alice", SessionID: "s-alice", DisplayName: "Alice", Role: rbac.RoleEditor}
	bob   = Actor{ActorID: "bob", SessionID: "s-bob", DisplayName: "Bob", Role: rbac.RoleEditor}
	vera  = Actor{ActorID: "vera", SessionID: "s-vera", DisplayName: "Vera", Role: rbac.RoleViewer}
)

type sink struct {
	mu  sync.Mutex
	got []Notification
}

func (s *sink) Broadcast(_ context.Context, n Notification) error {
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
	return nil
}

func (s *sink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	for i, n := range s.got {
		out[i] = n.Type
	}
	return out
}

func (s *sink) last(typ string) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.got) - 1; i >= 0; i-- {
		if s.got[i].Type == typ {
			return s.got[i], true
		}
	}
	return Notification{}, false
}

type harness struct {
	repo    *store.MemoryStore
	shared  *sharedstate.MemoryStore
	locks   *lock.Registry
	gate    *PublishGate
	touched *TouchedSet
	sink    *sink
	proc    *Processor
	coord   *Coordinator
}

func newHarness(t *testing.T, opts ...CoordinatorOption) *harness {
	t.Helper()
	h := &harness{
		repo:   store.NewMemoryStore(),
		shared: sharedstate.NewMemoryStore(),
		sink:   &sink{},
	}
	logger := zerolog.Nop()
	h.locks = lock.NewRegistry(h.shared, lock.WithNotifier(LockNotifier(h.sink, logger)))
	h.gate = NewPublishGate(h.shared, 0)
	h.touched = NewTouchedSet(h.shared)
	h.proc = NewProcessor(h.repo, h.locks, h.gate, h.touched, h.sink, logger)
	h.coord = NewCoordinator(h.repo, h.gate, h.touched, blocks.NewValidator(0), h.sink, logger, opts...)

	h.repo.AddGroup(store.Group{ID: testGroup, Name: "Family", Timezone: "Europe/Zurich"})
	h.repo.AddMember(testGroup, alice.ActorID, string(rbac.RoleEditor))
	h.repo.AddMember(testGroup, bob.ActorID, string(rbac.RoleEditor))
	h.repo.AddMember(testGroup, vera.ActorID, string(rbac.RoleViewer))
	return h
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func seedBlocks() []blocks.Block {
	return []blocks.Block{
		{ID: "date", Type: blocks.TypeDate, Row: 1, Col: 1, Span: 1, Value: raw("2026-05-04")},
		{ID: "time", Type: blocks.TypeTime, Row: 1, Col: 2, Span: 1, Value: raw("18:30")},
		{ID: "body", Type: blocks.TypeText, Row: 2, Col: 1, Span: 1, Value: raw("start")},
		{ID: "note", Type: blocks.TypeText, Row: 2, Col: 2, Span: 1, Value: raw("note")},
		{ID: "tbl", Type: blocks.TypeTable, Row: 3, Col: 1, Span: 2, Value: raw(map[string]any{})},
		{ID: "cell", Type: blocks.TypeText, Row: 1, Col: 1, Span: 1, ParentID: "tbl", Value: raw("cell")},
	}
}

// seedDraft creates the group's active draft and commits filler patches
// until it reaches version.
func (h *harness) seedDraft(t *testing.T, draftID string, version int64) store.Draft {
	t.Helper()
	ctx := context.Background()
	snap := patch.Snapshot{Title: "Lake day", Blocks: seedBlocks()}
	rawSnap, err := snap.Marshal()
	require.NoError(t, err)
	d, created, err := h.repo.GetOrCreateActiveDraft(ctx, store.Draft{
		ID:       draftID,
		GroupID:  testGroup,
		OwnerID:  alice.ActorID,
		Kind:     store.DraftKindNew,
		Snapshot: rawSnap,
	})
	require.NoError(t, err)
	require.True(t, created)
	for d.Version < version {
		res, err := h.repo.CommitPatch(ctx, draftID, d.Version, rawSnap, store.PatchEntry{ActorID: "seed", SessionID: "seed", Commands: json.RawMessage(`[]`)})
		require.NoError(t, err)
		require.True(t, res.Applied)
		d.Version = res.Version
	}
	return d
}

func (h *harness) grant(t *testing.T, draftID, key string, a Actor) {
	t.Helper()
	res, err := h.locks.Acquire(context.Background(), draftID, key, a.ActorID, a.SessionID)
	require.NoError(t, err)
	require.True(t, res.Granted, "lock %s", key)
}

func (h *harness) snapshot(t *testing.T, draftID string) patch.Snapshot {
	t.Helper()
	d, err := h.repo.GetDraft(context.Background(), draftID)
	require.NoError(t, err)
	snap, err := patch.ParseSnapshot(d.Snapshot)
	require.NoError(t, err)
	return snap
}

func setValue(blockID string, v any) patch.Batch {
	return patch.Batch{patch.SetBlockValue{BlockID: blockID, Value: raw(v)}}
}
