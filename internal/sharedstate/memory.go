package sharedstate

import (
	"context"
	"sync"
	"time"
)

type memoryValue struct {
	value     string
	expiresAt time.Time
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// MemoryStore is a single-process Store. Expiry is evaluated lazily against
// the configured clock, which lets tests move time forward deterministically.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	values map[string]memoryValue
	sets   map[string]*memorySet
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:    now,
		values: make(map[string]memoryValue),
		sets:   make(map[string]*memorySet),
	}
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !m.now().Before(at)
}

// lookup must be called with mu held.
func (m *MemoryStore) lookup(key string) (memoryValue, bool) {
	v, ok := m.values[key]
	if !ok {
		return memoryValue{}, false
	}
	if m.expired(v.expiresAt) {
		delete(m.values, key)
		return memoryValue{}, false
	}
	return v, true
}

// lookupSet must be called with mu held.
func (m *MemoryStore) lookupSet(key string) (*memorySet, bool) {
	s, ok := m.sets[key]
	if !ok {
		return nil, false
	}
	if m.expired(s.expiresAt) || len(s.members) == 0 {
		delete(m.sets, key)
		return nil, false
	}
	return s, true
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.values[key] = memoryValue{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memoryValue{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	return v.value, ok, nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryStore) DeleteIfEquals(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	if !ok || v.value != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *MemoryStore) ExpireIfEquals(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	if !ok || v.value != value {
		return false, nil
	}
	v.expiresAt = m.expiry(ttl)
	m.values[key] = v
	return true, nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.lookup(key); ok {
		if v.expiresAt.IsZero() {
			return 0, nil
		}
		return v.expiresAt.Sub(m.now()), nil
	}
	if s, ok := m.lookupSet(key); ok && !s.expiresAt.IsZero() {
		return s.expiresAt.Sub(m.now()), nil
	}
	return 0, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.lookup(key); ok {
		v.expiresAt = m.expiry(ttl)
		m.values[key] = v
	}
	if s, ok := m.lookupSet(key); ok {
		s.expiresAt = m.expiry(ttl)
	}
	return nil
}

func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lookupSet(key)
	if !ok {
		s = &memorySet{members: make(map[string]struct{})}
		m.sets[key] = s
	}
	for _, member := range members {
		s.members[member] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lookupSet(key)
	if !ok {
		return 0, nil
	}
	var removed int64
	for _, member := range members {
		if _, exists := s.members[member]; exists {
			delete(s.members, member)
			removed++
		}
	}
	if len(s.members) == 0 {
		delete(m.sets, key)
	}
	return removed, nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.lookupSet(key)
	if !ok {
		return []string{}, nil
	}
	members := make([]string, 0, len(s.members))
	for member := range s.members {
		members = append(members, member)
	}
	return members, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
