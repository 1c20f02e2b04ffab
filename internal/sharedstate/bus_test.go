package sharedstate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	buses := map[string]Bus{
		"redis":  NewRedisBus(client),
		"memory": NewMemoryBus(),
	}

	for name, bus := range buses {
		bus := bus
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			sub1, err := bus.Subscribe(ctx, "quire:rooms")
			require.NoError(t, err)
			defer sub1.Close()
			sub2, err := bus.Subscribe(ctx, "quire:rooms")
			require.NoError(t, err)
			defer sub2.Close()

			require.NoError(t, bus.Publish(ctx, "quire:rooms", []byte(`{"hello":"world"}`)))

			for _, sub := range []*Subscription{sub1, sub2} {
				select {
				case msg := <-sub.Messages():
					assert.JSONEq(t, `{"hello":"world"}`, string(msg))
				case <-time.After(time.Second):
					t.Fatal("timeout waiting for message")
				}
			}
		})
	}
}

func TestBusCloseStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(context.Background(), "c")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription channel was not closed")
	}

	// Closing twice is safe.
	assert.NoError(t, sub.Close())
	assert.NoError(t, bus.Publish(context.Background(), "c", []byte("x")))
}
