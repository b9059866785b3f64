package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lernia/lernia/internal/models"
)

type fakeRecorder struct {
	mu       sync.Mutex
	usages   []models.Usage
	hits     int
	hitErr   error
	usageErr error
}

func (f *fakeRecorder) RecordUsage(_ context.Context, _, _ string, usage models.Usage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usages = append(f.usages, usage)
	return f.usageErr
}

func (f *fakeRecorder) RecordHit(_ context.Context, _ string, _ int, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits++
	return f.hitErr
}

func (f *fakeRecorder) hitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

func (f *fakeRecorder) usageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.usages)
}

func newTestFacade(t *testing.T) (*ResponseCache, *Store, *fakeRecorder) {
	t.Helper()
	store, _ := newTestStore(t)
	recorder := &fakeRecorder{}
	return NewResponseCache(store, recorder, testLogger()), store, recorder
}

func TestComputeKeyDedupesAcrossUsersAndTime(t *testing.T) {
	rc, _, _ := newTestFacade(t)

	a := rc.ComputeKey(map[string]any{
		"prompt":    "explain photosynthesis",
		"user_id":   "u1",
		"timestamp": "2026-08-31T10:00:00Z",
	})
	b := rc.ComputeKey(map[string]any{
		"prompt":    "explain photosynthesis",
		"user_id":   "u2",
		"timestamp": "2026-08-31T11:30:00Z",
	})

	assert.Equal(t, a, b)
}

func TestComputeKeyDiffersOnContent(t *testing.T) {
	rc, _, _ := newTestFacade(t)

	a := rc.ComputeKey(map[string]any{"prompt": "explain photosynthesis"})
	b := rc.ComputeKey(map[string]any{"prompt": "explain mitosis"})

	assert.NotEqual(t, a, b)
}

func TestComputeKeyStripsNestedVolatileFields(t *testing.T) {
	rc, _, _ := newTestFacade(t)

	a := rc.ComputeKey(map[string]any{
		"prompt": "hi",
		"meta":   map[string]any{"session_id": "s1", "lang": "sw"},
	})
	b := rc.ComputeKey(map[string]any{
		"prompt": "hi",
		"meta":   map[string]any{"session_id": "s2", "lang": "sw"},
	})

	assert.Equal(t, a, b)
}

func TestLookupMiss(t *testing.T) {
	rc, _, _ := newTestFacade(t)

	result, hit := rc.Lookup(context.Background(), "unknown")
	assert.False(t, hit)
	assert.Nil(t, result)
}

func TestStoreAndLookupHit(t *testing.T) {
	rc, _, recorder := newTestFacade(t)
	ctx := context.Background()

	res := &models.CachedResult{
		Content:    "Photosynthesis converts light into chemical energy.",
		Capability: "text",
		TokensUsed: 120,
		Cost:       0.004,
		CreatedAt:  time.Now(),
	}
	rc.Store(ctx, "key1", res, time.Hour, models.Usage{TokensUsed: 120, Cost: 0.004}, true)

	got, hit := rc.Lookup(ctx, "key1")
	require.True(t, hit)
	assert.Equal(t, res.Content, got.Content)
	assert.Equal(t, 120, got.TokensUsed)

	// The hit analytics write is detached from the lookup path.
	assert.Eventually(t, func() bool {
		return recorder.hitCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStoreNonCacheableRecordsUsageOnly(t *testing.T) {
	rc, store, recorder := newTestFacade(t)
	ctx := context.Background()

	res := &models.CachedResult{Content: "personalized feedback", Capability: "text"}
	rc.Store(ctx, "key2", res, time.Hour, models.Usage{TokensUsed: 50, Cost: 0.001}, false)

	assert.False(t, store.Exists(ctx, "key2"))
	assert.Equal(t, 1, recorder.usageCount())
}

func TestStoreCacheSucceedsWhenAnalyticsFails(t *testing.T) {
	rc, store, recorder := newTestFacade(t)
	recorder.usageErr = errors.New("db down")
	ctx := context.Background()

	res := &models.CachedResult{Content: "ok", Capability: "text"}
	rc.Store(ctx, "key3", res, time.Hour, models.Usage{}, true)

	assert.True(t, store.Exists(ctx, "key3"))
}

func TestLookupWithNilRecorder(t *testing.T) {
	store, _ := newTestStore(t)
	rc := NewResponseCache(store, nil, testLogger())
	ctx := context.Background()

	rc.Store(ctx, "key4", &models.CachedResult{Content: "x"}, time.Hour, models.Usage{}, true)

	_, hit := rc.Lookup(ctx, "key4")
	assert.True(t, hit)
}
