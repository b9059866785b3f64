package gateway

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lernia/lernia/internal/cache"
	"github.com/lernia/lernia/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// mockClient implements Client for hub tests.
type mockClient struct {
	id      string
	userID  string
	mu      sync.Mutex
	events  []Event
	sendErr error
}

func newMockClient(id, userID string) *mockClient {
	return &mockClient{id: id, userID: userID}
}

func (m *mockClient) ID() string     { return m.id }
func (m *mockClient) UserID() string { return m.userID }
func (m *mockClient) Close() error   { return nil }

func (m *mockClient) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *mockClient) received() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func newTestHub(t *testing.T) (*Hub, *OfflineStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := cache.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = client.Close() })
	offline := NewOfflineStore(client, 5, 0, testLogger())
	return NewHub(offline, testLogger()), offline
}

func TestSendToUserDeliversToLiveConnections(t *testing.T) {
	hub, offline := newTestHub(t)
	ctx := context.Background()

	c := newMockClient("c1", "u1")
	hub.Register(c)

	delivered := hub.SendToUser(ctx, "u1", models.Notification{
		UserID: "u1",
		Title:  "Lesson graded",
	})

	assert.True(t, delivered)
	events := c.received()
	require.Len(t, events, 1)
	assert.Equal(t, EventNotification, events[0].Type)
	assert.Equal(t, "Lesson graded", events[0].Notification.Title)
	assert.Zero(t, offline.Count(ctx, "u1"))
}

func TestSendToUserOfflineFallback(t *testing.T) {
	hub, offline := newTestHub(t)
	ctx := context.Background()

	delivered := hub.SendToUser(ctx, "u2", models.Notification{UserID: "u2", Title: "hi"})

	assert.False(t, delivered)
	assert.Equal(t, 1, offline.Count(ctx, "u2"))
}

func TestMultiDeviceDelivery(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	a := newMockClient("a", "u1")
	b := newMockClient("b", "u1")
	hub.Register(a)
	hub.Register(b)

	hub.SendToUser(ctx, "u1", models.Notification{UserID: "u1", Title: "t"})

	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
}

func TestBroadcastToUserExcludesOrigin(t *testing.T) {
	hub, _ := newTestHub(t)

	a := newMockClient("a", "u1")
	b := newMockClient("b", "u1")
	c := newMockClient("c", "u1")
	other := newMockClient("x", "u2")
	for _, cl := range []*mockClient{a, b, c, other} {
		hub.Register(cl)
	}

	hub.BroadcastToUser("u1", "a", map[string]any{"progress": 0.5})

	assert.Empty(t, a.received(), "origin must not receive its own sync event")
	require.Len(t, b.received(), 1)
	require.Len(t, c.received(), 1)
	assert.Empty(t, other.received())
	assert.Equal(t, "a", b.received()[0].Origin)
	assert.Equal(t, EventSync, b.received()[0].Type)
}

func TestBroadcastJobUpdateOnlyReachesSubscribers(t *testing.T) {
	hub, _ := newTestHub(t)

	sub := newMockClient("s", "u1")
	bystander := newMockClient("b", "u1")
	hub.Register(sub)
	hub.Register(bystander)
	hub.Subscribe(sub, "job-42")

	hub.BroadcastJobUpdate("job-42", "completed", &models.JobResult{Content: "done"})

	events := sub.received()
	require.Len(t, events, 1)
	assert.Equal(t, EventJobUpdate, events[0].Type)
	assert.Equal(t, "job-42", events[0].JobID)
	assert.Equal(t, "completed", events[0].Status)
	assert.Equal(t, "done", events[0].Result.Content)
	assert.Empty(t, bystander.received())
}

func TestUnregisterRemovesFromTopicsAndDerivedPresence(t *testing.T) {
	hub, offline := newTestHub(t)
	ctx := context.Background()

	c := newMockClient("c", "u1")
	hub.Register(c)
	hub.Subscribe(c, "job-1")
	require.True(t, hub.IsOnline("u1"))

	hub.Unregister(c)

	assert.False(t, hub.IsOnline("u1"))
	hub.BroadcastJobUpdate("job-1", "completed", nil)
	assert.Empty(t, c.received())

	// Sends after disconnect spill offline.
	assert.False(t, hub.SendToUser(ctx, "u1", models.Notification{UserID: "u1", Title: "t"}))
	assert.Equal(t, 1, offline.Count(ctx, "u1"))
}

func TestUnregisterNotifiesRemainingDevices(t *testing.T) {
	hub, _ := newTestHub(t)

	phone := newMockClient("phone", "u1")
	tablet := newMockClient("tablet", "u1")
	hub.Register(phone)
	hub.Register(tablet)

	hub.Unregister(phone)

	events := tablet.received()
	require.Len(t, events, 1)
	assert.Equal(t, EventDisconnected, events[0].Type)
	assert.Equal(t, "phone", events[0].Origin)

	// The last device leaving has no one left to tell; a second unregister
	// of the same connection is a no-op.
	hub.Unregister(phone)
	hub.Unregister(tablet)
	assert.Len(t, tablet.received(), 1)
}

func TestConnectionCount(t *testing.T) {
	hub, _ := newTestHub(t)
	assert.Zero(t, hub.ConnectionCount())

	hub.Register(newMockClient("a", "u1"))
	hub.Register(newMockClient("b", "u2"))
	assert.Equal(t, 2, hub.ConnectionCount())
}

func TestDrainOffline(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	for _, title := range []string{"first", "second"} {
		hub.SendToUser(ctx, "u1", models.Notification{UserID: "u1", Title: title})
	}

	drained, err := hub.DrainOffline(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, drained, 2)
	assert.Equal(t, "first", drained[0].Title)
	assert.Equal(t, "second", drained[1].Title)

	// Draining clears the list.
	drained, err = hub.DrainOffline(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, drained)
}
