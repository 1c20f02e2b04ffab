package sharedstate

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeHarness struct {
	name    string
	store   Store
	advance func(time.Duration)
}

func harnesses(t *testing.T) []storeHarness {
	mr := miniredis.RunT(t)
	redisStore, err := NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { redisStore.Close() })

	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	memory := NewMemoryStoreWithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	return []storeHarness{
		{name: "redis", store: redisStore, advance: mr.FastForward},
		{name: "memory", store: memory, advance: func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		}},
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "quire:draft:d1:lock:block:title", Key("draft", "d1", "lock", "block:title"))
}

func TestStoreContract(t *testing.T) {
	for _, h := range harnesses(t) {
		h := h
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("setnx only creates absent keys", func(t *testing.T) {
				ok, err := h.store.SetNX(ctx, "k:setnx", "a", time.Minute)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = h.store.SetNX(ctx, "k:setnx", "b", time.Minute)
				require.NoError(t, err)
				assert.False(t, ok)

				value, found, err := h.store.Get(ctx, "k:setnx")
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, "a", value)
			})

			t.Run("values expire after ttl", func(t *testing.T) {
				require.NoError(t, h.store.Set(ctx, "k:ttl", "v", 2*time.Second))
				h.advance(3 * time.Second)

				_, found, err := h.store.Get(ctx, "k:ttl")
				require.NoError(t, err)
				assert.False(t, found)

				ok, err := h.store.SetNX(ctx, "k:ttl", "w", time.Second)
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("delete if equals", func(t *testing.T) {
				require.NoError(t, h.store.Set(ctx, "k:cad", "owner-1", time.Minute))

				deleted, err := h.store.DeleteIfEquals(ctx, "k:cad", "owner-2")
				require.NoError(t, err)
				assert.False(t, deleted)

				deleted, err = h.store.DeleteIfEquals(ctx, "k:cad", "owner-1")
				require.NoError(t, err)
				assert.True(t, deleted)

				_, found, err := h.store.Get(ctx, "k:cad")
				require.NoError(t, err)
				assert.False(t, found)

				deleted, err = h.store.DeleteIfEquals(ctx, "k:cad", "owner-1")
				require.NoError(t, err)
				assert.False(t, deleted)
			})

			t.Run("expire if equals extends only the owner", func(t *testing.T) {
				require.NoError(t, h.store.Set(ctx, "k:cae", "owner-1", 4*time.Second))

				extended, err := h.store.ExpireIfEquals(ctx, "k:cae", "owner-2", time.Minute)
				require.NoError(t, err)
				assert.False(t, extended)

				extended, err = h.store.ExpireIfEquals(ctx, "k:cae", "owner-1", time.Minute)
				require.NoError(t, err)
				assert.True(t, extended)

				h.advance(10 * time.Second)
				value, found, err := h.store.Get(ctx, "k:cae")
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, "owner-1", value)

				ttl, err := h.store.TTL(ctx, "k:cae")
				require.NoError(t, err)
				assert.Greater(t, ttl, 40*time.Second)
			})

			t.Run("expire if equals fails once the key is gone", func(t *testing.T) {
				require.NoError(t, h.store.Set(ctx, "k:gone", "owner-1", time.Second))
				h.advance(2 * time.Second)

				extended, err := h.store.ExpireIfEquals(ctx, "k:gone", "owner-1", time.Minute)
				require.NoError(t, err)
				assert.False(t, extended)
			})

			t.Run("sets", func(t *testing.T) {
				require.NoError(t, h.store.SAdd(ctx, "k:set", "a", "b", "c"))

				removed, err := h.store.SRem(ctx, "k:set", "b", "missing")
				require.NoError(t, err)
				assert.Equal(t, int64(1), removed)

				members, err := h.store.SMembers(ctx, "k:set")
				require.NoError(t, err)
				sort.Strings(members)
				assert.Equal(t, []string{"a", "c"}, members)

				removed, err = h.store.SRem(ctx, "k:set", "a")
				require.NoError(t, err)
				assert.Equal(t, int64(1), removed)

				removed, err = h.store.SRem(ctx, "k:set", "a")
				require.NoError(t, err)
				assert.Equal(t, int64(0), removed)
			})

			t.Run("missing set is empty", func(t *testing.T) {
				members, err := h.store.SMembers(ctx, "k:none")
				require.NoError(t, err)
				assert.Empty(t, members)
			})

			t.Run("del removes values and sets", func(t *testing.T) {
				require.NoError(t, h.store.Set(ctx, "k:del:v", "x", time.Minute))
				require.NoError(t, h.store.SAdd(ctx, "k:del:s", "x"))
				require.NoError(t, h.store.Del(ctx, "k:del:v", "k:del:s"))

				_, found, err := h.store.Get(ctx, "k:del:v")
				require.NoError(t, err)
				assert.False(t, found)
				members, err := h.store.SMembers(ctx, "k:del:s")
				require.NoError(t, err)
				assert.Empty(t, members)
			})

			t.Run("ping", func(t *testing.T) {
				assert.NoError(t, h.store.Ping(ctx))
			})
		})
	}
}

func TestStoreSetNXRace(t *testing.T) {
	for _, h := range harnesses(t) {
		h := h
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()
			const workers = 16

			var wg sync.WaitGroup
			var mu sync.Mutex
			winners := 0
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := h.store.SetNX(ctx, "k:race", "x", time.Minute)
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, winners)
		})
	}
}
