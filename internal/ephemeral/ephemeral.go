// Package ephemeral is a small key/value store for state that is allowed to
// vanish: presence records and "is typing" markers. Every entry carries a
// TTL, after which it reads as absent.
//
// Two implementations:
//   - MemoryStore: a mutex-guarded map, fine for a single server process
//   - RedisStore:  go-redis, for when several processes share state
package ephemeral

import (
	"context"
	"time"
)

// Store is the contract both implementations satisfy. A zero ttl means the
// entry never expires.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns ok=false for a missing or expired key.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Delete(ctx context.Context, key string) error
	// List returns every live entry whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}
