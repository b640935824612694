// Package store provides the shared-state adapter: a thin contract over
// an external key-value/pub-sub system so that multiple gateway
// instances can share MUD roster, channel membership, presence, and
// history state.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps any failure reaching the backing store.
var ErrStoreUnavailable = errors.New("store: unavailable")

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Notification is delivered to a pub/sub subscriber.
type Notification struct {
	Key     string
	Payload []byte
}

// ReconnectKey is the Key of the final notification RedisStore.Subscribe
// delivers when its underlying subscription's message channel closes.
// The subscription is not re-established afterwards.
const ReconnectKey = "store:reconnected"

// Store is the shared-state contract every gateway component depends on.
// All operations may fail with ErrStoreUnavailable. Callers in this
// module pass such an error up or log it; none keeps a local read cache
// or a write buffer.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Notification, func(), error)

	// Close releases the underlying client(s).
	Close() error
}
