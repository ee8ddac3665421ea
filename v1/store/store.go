package store

import (
	"context"
	"time"
)

// Store abstracts the shared key/value service the broker coordinates
// through. The only operation with atomicity requirements is SetNX, which
// backs the exclusive lock primitive; everything else is best-effort
// bookkeeping.
type Store interface {
	// SetNX sets key to value with the given TTL only if the key is absent.
	// It returns true when the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes the key, returning true if it existed.
	Del(ctx context.Context, key string) (bool, error)
	// LPush prepends value to the list stored at key.
	LPush(ctx context.Context, key, value string) error
	// Expire sets the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error
	Close() error
}
