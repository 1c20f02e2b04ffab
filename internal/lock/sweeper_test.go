package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quire/api/internal/sharedstate"
)

func TestSweepReportsExpiredLocks(t *testing.T) {
	reg, clock, rec := newMemoryRegistry(t)
	ctx := context.Background()
	sweeper := NewSweeper(reg, time.Second)

	_, err := reg.Acquire(ctx, "d1", "block:b1", "a1", "s1")
	require.NoError(t, err)
	_, err = reg.Acquire(ctx, "d2", "block:b9", "a2", "s2")
	require.NoError(t, err)

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(20 * time.Second)
	_, err = reg.Heartbeat(ctx, "d2", "block:b9", "a2", "s2")
	require.NoError(t, err)
	clock.Advance(15 * time.Second)

	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var expired []Event
	rec.mu.Lock()
	for _, e := range rec.events {
		if e.Type == EventExpired {
			expired = append(expired, e)
		}
	}
	rec.mu.Unlock()
	require.Len(t, expired, 1)
	assert.Equal(t, "d1", expired[0].DraftID)
	assert.Equal(t, "block:b1", expired[0].LockKey)

	// A second pass does not repeat the notification.
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepSkipsExplicitReleases(t *testing.T) {
	reg, clock, _ := newMemoryRegistry(t)
	ctx := context.Background()
	sweeper := NewSweeper(reg, time.Second)

	_, err := reg.Acquire(ctx, "d1", "block:b1", "a1", "s1")
	require.NoError(t, err)
	_, err = reg.Release(ctx, "d1", "block:b1", "a1", "s1")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// Two instances sweeping the same store report each expiry once between them.
func TestConcurrentSweepersShareExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := sharedstate.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	recA, recB := &recorder{}, &recorder{}
	regA := NewRegistry(store, WithNotifier(recA.notify))
	regB := NewRegistry(store, WithNotifier(recB.notify))

	for _, key := range []string{"block:b1", "block:b2", "block:b3"} {
		res, err := regA.Acquire(ctx, "d1", key, "a1", "s1")
		require.NoError(t, err)
		require.True(t, res.Granted)
	}
	mr.FastForward(31 * time.Second)

	done := make(chan int, 2)
	for _, reg := range []*Registry{regA, regB} {
		reg := reg
		go func() {
			n, err := NewSweeper(reg, time.Second).SweepOnce(ctx)
			assert.NoError(t, err)
			done <- n
		}()
	}
	total := <-done + <-done
	assert.Equal(t, 3, total)

	members, err := store.SMembers(ctx, activeDraftsKey())
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	reg, _, _ := newMemoryRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewSweeper(reg, 10*time.Millisecond).Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
