package ephemeral

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations run the same contract tests. advance moves the
// store's notion of time forward.
type storeFixture struct {
	store   Store
	advance func(d time.Duration)
}

func newMemoryFixture(t *testing.T) storeFixture {
	t.Helper()
	m := NewMemoryStore()
	now := time.Now()
	m.now = func() time.Time { return now }
	return storeFixture{
		store:   m,
		advance: func(d time.Duration) { now = now.Add(d) },
	}
}

func newRedisFixture(t *testing.T) storeFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client)
	t.Cleanup(func() { s.Close() })
	return storeFixture{store: s, advance: mr.FastForward}
}

func forEachStore(t *testing.T, fn func(t *testing.T, f storeFixture)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryFixture(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisFixture(t)) })
}

func TestStore_SetGetDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFixture) {
		ctx := context.Background()

		_, ok, err := f.store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, f.store.Set(ctx, "presence:u1", "online", 0))
		v, ok, err := f.store.Get(ctx, "presence:u1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "online", v)

		require.NoError(t, f.store.Delete(ctx, "presence:u1"))
		_, ok, _ = f.store.Get(ctx, "presence:u1")
		assert.False(t, ok)

		// Deleting a missing key is fine.
		assert.NoError(t, f.store.Delete(ctx, "presence:u1"))
	})
}

func TestStore_TTLExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFixture) {
		ctx := context.Background()

		require.NoError(t, f.store.Set(ctx, "typing:k:u1", "1", 3*time.Second))
		f.advance(2 * time.Second)
		_, ok, _ := f.store.Get(ctx, "typing:k:u1")
		assert.True(t, ok, "entry expired early")

		f.advance(2 * time.Second)
		_, ok, _ = f.store.Get(ctx, "typing:k:u1")
		assert.False(t, ok, "entry outlived its TTL")
	})
}

func TestStore_List(t *testing.T) {
	forEachStore(t, func(t *testing.T, f storeFixture) {
		ctx := context.Background()

		require.NoError(t, f.store.Set(ctx, "typing:a_b:a", "1", time.Second))
		require.NoError(t, f.store.Set(ctx, "typing:a_b:b", "1", 10*time.Second))
		require.NoError(t, f.store.Set(ctx, "typing:c_d:c", "1", 10*time.Second))

		got, err := f.store.List(ctx, "typing:a_b:")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"typing:a_b:a": "1", "typing:a_b:b": "1"}, got)

		f.advance(2 * time.Second)
		got, err = f.store.List(ctx, "typing:a_b:")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"typing:a_b:b": "1"}, got)
	})
}

func TestNewRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", "v", 0))
	assert.True(t, mr.Exists("buddychat:k"))

	_, err = NewRedisStore(context.Background(), "not a url")
	assert.Error(t, err)
}
