// Package sharedstate provides the atomic, TTL-capable key/value store that
// coordinates locks, presence and publish state across API instances.
package sharedstate

import (
	"context"
	"strings"
	"time"
)

// Store is the capability consumed by the lock registry, the presence
// tracker and the publish coordinator. Every method is atomic with respect
// to a single key.
type Store interface {
	// SetNX stores value only when key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	// DeleteIfEquals removes key only while it still holds value.
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)
	// ExpireIfEquals resets the TTL of key only while it still holds value.
	ExpireIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime of key, or zero when it is gone.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	Ping(ctx context.Context) error
}

const keyPrefix = "quire"

// Key builds a namespaced key: quire:{part}:{part}...
func Key(parts ...string) string {
	return keyPrefix + ":" + strings.Join(parts, ":")
}
