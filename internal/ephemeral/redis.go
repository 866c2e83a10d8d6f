package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps entries in Redis, using native key expiry for TTLs.
// Every key is namespaced under a fixed prefix so the store can share a
// Redis database with other applications.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects using a redis:// URL and pings the server once.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ephemeral: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ephemeral: pinging redis: %w", err)
	}
	return NewRedisStoreFromClient(client), nil
}

// NewRedisStoreFromClient wraps an existing client. Tests point it at
// miniredis.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, namespace: "buddychat:"}
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.namespace+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("ephemeral: redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.namespace+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ephemeral: redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.namespace+key).Err(); err != nil {
		return fmt.Errorf("ephemeral: redis del %s: %w", key, err)
	}
	return nil
}

// List walks matching keys with SCAN (never KEYS, which blocks the server)
// and fetches their values with one MGET per batch.
func (r *RedisStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	out := make(map[string]string)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.namespace+prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("ephemeral: redis scan %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			vals, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("ephemeral: redis mget: %w", err)
			}
			for i, v := range vals {
				// nil means the key expired between SCAN and MGET.
				if s, ok := v.(string); ok {
					out[keys[i][len(r.namespace):]] = s
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
