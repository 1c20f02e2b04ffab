package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryState struct {
	groups       map[string]Group
	memberships  map[string]string // groupID/actorID -> role
	drafts       map[string]Draft
	patches      map[string][]memoryPatch
	posts        map[string]Post
	postBlocks   map[string][]PostBlock
	contributors map[string]map[string]string
}

type memoryPatch struct {
	entry      PatchEntry
	compressed []byte
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		groups:       make(map[string]Group, len(s.groups)),
		memberships:  make(map[string]string, len(s.memberships)),
		drafts:       make(map[string]Draft, len(s.drafts)),
		patches:      make(map[string][]memoryPatch, len(s.patches)),
		posts:        make(map[string]Post, len(s.posts)),
		postBlocks:   make(map[string][]PostBlock, len(s.postBlocks)),
		contributors: make(map[string]map[string]string, len(s.contributors)),
	}
	for k, v := range s.groups {
		out.groups[k] = v
	}
	for k, v := range s.memberships {
		out.memberships[k] = v
	}
	for k, v := range s.drafts {
		out.drafts[k] = v
	}
	for k, v := range s.patches {
		out.patches[k] = append([]memoryPatch(nil), v...)
	}
	for k, v := range s.posts {
		out.posts[k] = v
	}
	for k, v := range s.postBlocks {
		out.postBlocks[k] = append([]PostBlock(nil), v...)
	}
	for k, v := range s.contributors {
		m := make(map[string]string, len(v))
		for a, r := range v {
			m[a] = r
		}
		out.contributors[k] = m
	}
	return out
}

// MemoryStore is an in-process repository with the same semantics as
// PostgresStore. Transactions are serialized and applied to a staged copy.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: (&memoryState{}).clone(),
		now:   time.Now,
	}
}

func membershipKey(groupID, actorID string) string {
	return groupID + "/" + actorID
}

func (m *MemoryStore) AddGroup(g Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = m.now().UTC()
	}
	m.state.groups[g.ID] = g
}

func (m *MemoryStore) AddMember(groupID, actorID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.memberships[membershipKey(groupID, actorID)] = role
}

// AddPost seeds a published post, used for edit drafts.
func (m *MemoryStore) AddPost(post Post, blocks []PostBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.posts[post.ID] = post
	m.state.postBlocks[post.ID] = append([]PostBlock(nil), blocks...)
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) GetGroup(_ context.Context, groupID string) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getGroup(groupID)
}

func (s *memoryState) getGroup(groupID string) (Group, error) {
	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

func (m *MemoryStore) MemberRole(_ context.Context, groupID, actorID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.memberRole(groupID, actorID)
}

func (s *memoryState) memberRole(groupID, actorID string) (string, error) {
	role, ok := s.memberships[membershipKey(groupID, actorID)]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

func (m *MemoryStore) GetPost(_ context.Context, postID string) (Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.posts[postID]
	if !ok {
		return Post{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) ListPostBlocks(_ context.Context, postID string) ([]PostBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PostBlock(nil), m.state.postBlocks[postID]...), nil
}

func (m *MemoryStore) ListContributors(_ context.Context, postID string) ([]Contributor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Contributor
	for actorID, role := range m.state.contributors[postID] {
		out = append(out, Contributor{PostID: postID, ActorID: actorID, Role: role})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out, nil
}

// ListPosts returns every post ordered by id.
func (m *MemoryStore) ListPosts(context.Context) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Post, 0, len(m.state.posts))
	for _, p := range m.state.posts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetDraft(_ context.Context, draftID string) (Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.state.drafts[draftID]
	if !ok {
		return Draft{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) GetActiveDraft(_ context.Context, groupID string) (Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.state.activeDraft(groupID); ok {
		return d, nil
	}
	return Draft{}, ErrNotFound
}

func (s *memoryState) activeDraft(groupID string) (Draft, bool) {
	for _, d := range s.drafts {
		if d.GroupID == groupID && d.IsActive {
			return d, true
		}
	}
	return Draft{}, false
}

func (m *MemoryStore) GetOrCreateActiveDraft(_ context.Context, candidate Draft) (Draft, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.state.activeDraft(candidate.GroupID); ok {
		return existing, false, nil
	}
	if _, ok := m.state.drafts[candidate.ID]; ok {
		return Draft{}, false, fmt.Errorf("insert draft: duplicate id %s", candidate.ID)
	}
	now := m.now().UTC()
	d := candidate
	d.Version = 0
	d.IsActive = true
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Kind == "" {
		d.Kind = DraftKindNew
	}
	m.state.drafts[d.ID] = d
	return d, true, nil
}

func (m *MemoryStore) CommitPatch(_ context.Context, draftID string, baseVersion int64, snapshot json.RawMessage, entry PatchEntry) (CommitResult, error) {
	compressed, err := compressCommands(entry.Commands)
	if err != nil {
		return CommitResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.state.drafts[draftID]
	if !ok || !d.IsActive {
		return CommitResult{}, ErrNotFound
	}
	if d.Version != baseVersion {
		return CommitResult{Applied: false, Version: d.Version}, nil
	}
	d.Version++
	d.Snapshot = append(json.RawMessage(nil), snapshot...)
	d.UpdatedAt = m.now().UTC()
	m.state.drafts[draftID] = d

	entry.DraftID = draftID
	entry.Version = d.Version
	entry.CreatedAt = d.UpdatedAt
	entry.Commands = nil
	m.state.patches[draftID] = append(m.state.patches[draftID], memoryPatch{entry: entry, compressed: compressed})
	return CommitResult{Applied: true, Version: d.Version}, nil
}

func (m *MemoryStore) ListPatches(_ context.Context, draftID string, sinceVersion int64) ([]PatchEntry, error) {
	m.mu.Lock()
	stored := append([]memoryPatch(nil), m.state.patches[draftID]...)
	m.mu.Unlock()

	var out []PatchEntry
	for _, p := range stored {
		if p.entry.Version <= sinceVersion {
			continue
		}
		raw, err := decompressCommands(p.compressed)
		if err != nil {
			return nil, err
		}
		e := p.entry
		e.Commands = json.RawMessage(raw)
		out = append(out, e)
	}
	return out, nil
}

// WithTx holds the store for the duration of fn, which sees a staged copy
// that replaces the live state only if fn returns nil.
func (m *MemoryStore) WithTx(_ context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := m.state.clone()
	if err := fn(&memoryTx{state: staged, now: m.now}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

type memoryTx struct {
	state *memoryState
	now   func() time.Time
}

func (t *memoryTx) LockDraft(_ context.Context, draftID string) (Draft, error) {
	d, ok := t.state.drafts[draftID]
	if !ok {
		return Draft{}, ErrNotFound
	}
	return d, nil
}

func (t *memoryTx) GetGroup(_ context.Context, groupID string) (Group, error) {
	return t.state.getGroup(groupID)
}

func (t *memoryTx) MemberRole(_ context.Context, groupID, actorID string) (string, error) {
	return t.state.memberRole(groupID, actorID)
}

func (t *memoryTx) GetPost(_ context.Context, postID string) (Post, error) {
	p, ok := t.state.posts[postID]
	if !ok {
		return Post{}, ErrNotFound
	}
	return p, nil
}

func (t *memoryTx) InsertPost(_ context.Context, post Post) error {
	if _, exists := t.state.posts[post.ID]; exists {
		return fmt.Errorf("insert post: duplicate id %s", post.ID)
	}
	now := t.now().UTC()
	post.CreatedAt = now
	post.UpdatedAt = now
	t.state.posts[post.ID] = post
	return nil
}

func (t *memoryTx) UpdatePost(_ context.Context, post Post) error {
	existing, ok := t.state.posts[post.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Title = post.Title
	existing.EventAt = post.EventAt
	existing.Meta = post.Meta
	existing.UpdatedAt = t.now().UTC()
	t.state.posts[post.ID] = existing
	return nil
}

func (t *memoryTx) DeletePostBlocks(_ context.Context, postID string) error {
	delete(t.state.postBlocks, postID)
	return nil
}

func (t *memoryTx) InsertBlocks(_ context.Context, postID string, blocks []PostBlock) error {
	for _, b := range blocks {
		for _, existing := range t.state.postBlocks[postID] {
			if existing.BlockID == b.BlockID {
				return fmt.Errorf("insert block %s: duplicate", b.BlockID)
			}
		}
		b.PostID = postID
		t.state.postBlocks[postID] = append(t.state.postBlocks[postID], b)
	}
	return nil
}

func (t *memoryTx) InsertContributors(_ context.Context, postID string, actorIDs []string, role string) error {
	if t.state.contributors[postID] == nil {
		t.state.contributors[postID] = make(map[string]string)
	}
	for _, actorID := range actorIDs {
		if _, exists := t.state.contributors[postID][actorID]; !exists {
			t.state.contributors[postID][actorID] = role
		}
	}
	return nil
}

func (t *memoryTx) DeactivateDraft(_ context.Context, draftID string) error {
	d, ok := t.state.drafts[draftID]
	if !ok || !d.IsActive {
		return fmt.Errorf("deactivate draft: %w", ErrNotFound)
	}
	d.IsActive = false
	d.UpdatedAt = t.now().UTC()
	t.state.drafts[draftID] = d
	return nil
}
