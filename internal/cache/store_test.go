package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, "test", testLogger()), mr
}

func TestStoreSetGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok := store.Set(ctx, "k1", map[string]string{"answer": "42"}, time.Minute)
	require.True(t, ok)

	var got map[string]string
	require.True(t, store.Get(ctx, "k1", &got))
	assert.Equal(t, "42", got["answer"])
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	var got string
	assert.False(t, store.Get(context.Background(), "nope", &got))
}

func TestStoreTTLExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "k1", "v", 10*time.Second))

	var got string
	require.True(t, store.Get(ctx, "k1", &got))

	mr.FastForward(11 * time.Second)

	assert.False(t, store.Get(ctx, "k1", &got))
	assert.False(t, store.Exists(ctx, "k1"))
}

func TestStoreHitCount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "k1", "v", time.Minute))
	assert.EqualValues(t, 0, store.HitCount(ctx, "k1"))

	var got string
	for i := 0; i < 5; i++ {
		require.True(t, store.Get(ctx, "k1", &got))
	}

	assert.EqualValues(t, 5, store.HitCount(ctx, "k1"))
}

func TestStoreDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "k1", "v", time.Minute))
	require.NoError(t, store.Delete(ctx, "k1"))

	assert.False(t, store.Exists(ctx, "k1"))
	// Deleting again is a no-op.
	assert.NoError(t, store.Delete(ctx, "k1"))
}

func TestStoreInvalidateByTag(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "a", "1", time.Minute, "lesson:7"))
	require.True(t, store.Set(ctx, "b", "2", time.Minute, "lesson:7", "user:u1"))
	require.True(t, store.Set(ctx, "c", "3", time.Minute, "user:u1"))

	removed := store.InvalidateByTag(ctx, "lesson:7")
	assert.Equal(t, 2, removed)

	assert.False(t, store.Exists(ctx, "a"))
	assert.False(t, store.Exists(ctx, "b"))
	assert.True(t, store.Exists(ctx, "c"))

	// Second invalidation finds nothing.
	assert.Equal(t, 0, store.InvalidateByTag(ctx, "lesson:7"))
}

func TestStoreInvalidateUnknownTag(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Equal(t, 0, store.InvalidateByTag(context.Background(), "ghost"))
}

func TestStoreTagIndexOutlivesShortMembers(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "short", "1", 5*time.Second, "mixed"))
	require.True(t, store.Set(ctx, "long", "2", time.Minute, "mixed"))

	mr.FastForward(10 * time.Second)

	// The short entry expired but the index still covers the long one.
	assert.Equal(t, 1, store.InvalidateByTag(ctx, "mixed"))
	assert.False(t, store.Exists(ctx, "long"))
}

func TestStoreFailsAsCacheMissWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = client.Close() })
	store := NewStore(client, "test", testLogger())
	ctx := context.Background()

	require.True(t, store.Set(ctx, "k1", "v", time.Minute))
	mr.Close()

	var got string
	assert.False(t, store.Get(ctx, "k1", &got))
	assert.False(t, store.Set(ctx, "k2", "v", time.Minute))
	assert.False(t, store.Exists(ctx, "k1"))
	assert.Equal(t, 0, store.InvalidateByTag(ctx, "any"))
}
