package gateway

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lernia/lernia/internal/models"
	"github.com/lernia/lernia/internal/observability/metrics"
)

const bucketCount = 16

// Client is a live gateway connection. The websocket Connection implements
// it; tests substitute mocks.
type Client interface {
	ID() string
	UserID() string
	Send(data []byte) error
	Close() error
}

// userBucket shards the user registry so lookups on one bucket never block
// registration on another.
type userBucket struct {
	mu    sync.RWMutex
	users map[string]map[Client]struct{}
}

// Hub is the connection registry and event fan-out for the real-time
// gateway. Each event gets at most one delivery attempt per live
// connection; notifications for offline users spill into the offline
// store.
type Hub struct {
	buckets [bucketCount]*userBucket

	topicsMu sync.RWMutex
	topics   map[string]map[Client]struct{}

	offline *OfflineStore
	metrics *metrics.Collector
	logger  *logrus.Logger
}

// NewHub creates the gateway hub.
func NewHub(offline *OfflineStore, logger *logrus.Logger) *Hub {
	h := &Hub{
		topics:  make(map[string]map[Client]struct{}),
		offline: offline,
		logger:  logger,
	}
	for i := range h.buckets {
		h.buckets[i] = &userBucket{users: make(map[string]map[Client]struct{})}
	}
	return h
}

// SetMetrics attaches the Prometheus collector. Nil disables gateway
// series.
func (h *Hub) SetMetrics(m *metrics.Collector) {
	h.metrics = m
}

func (h *Hub) bucketFor(userID string) *userBucket {
	f := fnv.New32a()
	_, _ = f.Write([]byte(userID))
	return h.buckets[f.Sum32()%bucketCount]
}

// Register adds a connection under its user identity.
func (h *Hub) Register(c Client) {
	b := h.bucketFor(c.UserID())
	b.mu.Lock()
	if b.users[c.UserID()] == nil {
		b.users[c.UserID()] = make(map[Client]struct{})
	}
	b.users[c.UserID()][c] = struct{}{}
	b.mu.Unlock()

	if h.metrics != nil {
		h.metrics.GatewayConnections.Inc()
	}

	h.logger.WithFields(logrus.Fields{
		"user_id":       c.UserID(),
		"connection_id": c.ID(),
	}).Debug("Connection registered")
}

// Unregister removes a connection from its user group and every topic it
// subscribed to. Once a user's last connection is gone, the registry has
// no entry for them; online state is derived, never stored.
func (h *Hub) Unregister(c Client) {
	b := h.bucketFor(c.UserID())
	removed := false
	b.mu.Lock()
	if conns, ok := b.users[c.UserID()]; ok {
		if _, present := conns[c]; present {
			delete(conns, c)
			removed = true
		}
		if len(conns) == 0 {
			delete(b.users, c.UserID())
		}
	}
	b.mu.Unlock()

	if removed && h.metrics != nil {
		h.metrics.GatewayConnections.Dec()
	}

	// Tell the user's remaining devices a session went away so they can
	// refresh presence state.
	if removed {
		if data, err := json.Marshal(Event{
			Type:      EventDisconnected,
			Origin:    c.ID(),
			Timestamp: time.Now(),
		}); err == nil {
			for _, peer := range h.connectionsFor(c.UserID()) {
				_ = peer.Send(data)
			}
		}
	}

	h.topicsMu.Lock()
	for topic, subs := range h.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.topicsMu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"user_id":       c.UserID(),
		"connection_id": c.ID(),
	}).Debug("Connection unregistered")
}

// Subscribe joins a connection to a job topic so it receives that job's
// progress and completion events.
func (h *Hub) Subscribe(c Client, jobID string) {
	h.topicsMu.Lock()
	defer h.topicsMu.Unlock()
	if h.topics[jobID] == nil {
		h.topics[jobID] = make(map[Client]struct{})
	}
	h.topics[jobID][c] = struct{}{}
}

// Unsubscribe removes a connection from a job topic.
func (h *Hub) Unsubscribe(c Client, jobID string) {
	h.topicsMu.Lock()
	defer h.topicsMu.Unlock()
	if subs, ok := h.topics[jobID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, jobID)
		}
	}
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	b := h.bucketFor(userID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.users[userID]) > 0
}

// connectionsFor snapshots the user's live connections.
func (h *Hub) connectionsFor(userID string) []Client {
	b := h.bucketFor(userID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	conns := make([]Client, 0, len(b.users[userID]))
	for c := range b.users[userID] {
		conns = append(conns, c)
	}
	return conns
}

// SendToUser delivers a notification to every live connection of the user
// and reports true. With no live connections it appends to the user's
// bounded offline list and reports false; that is handled, not an error.
func (h *Hub) SendToUser(ctx context.Context, userID string, n models.Notification) bool {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	conns := h.connectionsFor(userID)
	if len(conns) == 0 {
		if h.offline != nil {
			_ = h.offline.Append(ctx, n)
		}
		if h.metrics != nil {
			h.metrics.NotificationsOffline.Inc()
		}
		return false
	}

	data, err := json.Marshal(Event{
		Type:         EventNotification,
		Notification: &n,
		Timestamp:    time.Now(),
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to serialize notification event")
		return false
	}

	for _, c := range conns {
		if err := c.Send(data); err != nil {
			h.logger.WithError(err).WithField("connection_id", c.ID()).Debug("Notification push failed")
		}
	}
	if h.metrics != nil {
		h.metrics.NotificationsPushed.Inc()
	}
	return true
}

// BroadcastJobUpdate pushes a job status event to connections subscribed
// to that job's topic. Progress events have no offline fallback; terminal
// states stay queryable through the job status endpoint.
func (h *Hub) BroadcastJobUpdate(jobID string, status string, result *models.JobResult) {
	h.topicsMu.RLock()
	subs := make([]Client, 0, len(h.topics[jobID]))
	for c := range h.topics[jobID] {
		subs = append(subs, c)
	}
	h.topicsMu.RUnlock()

	if len(subs) == 0 {
		return
	}

	data, err := json.Marshal(Event{
		Type:      EventJobUpdate,
		JobID:     jobID,
		Status:    status,
		Result:    result,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to serialize job update")
		return
	}

	for _, c := range subs {
		if err := c.Send(data); err != nil {
			h.logger.WithError(err).WithField("connection_id", c.ID()).Debug("Job update push failed")
		}
	}
}

// BroadcastToUser fans a sync event out to the user's other devices,
// excluding the origin connection and tagging the event with it so
// receivers can distinguish sync-echo from organic events.
func (h *Hub) BroadcastToUser(userID, originConnID string, payload map[string]any) {
	conns := h.connectionsFor(userID)
	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(Event{
		Type:      EventSync,
		Origin:    originConnID,
		Data:      payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to serialize sync event")
		return
	}

	for _, c := range conns {
		if c.ID() == originConnID {
			continue
		}
		if err := c.Send(data); err != nil {
			h.logger.WithError(err).WithField("connection_id", c.ID()).Debug("Sync push failed")
		}
	}
}

// DrainOffline returns and clears the user's offline notifications.
func (h *Hub) DrainOffline(ctx context.Context, userID string) ([]models.Notification, error) {
	if h.offline == nil {
		return nil, nil
	}
	return h.offline.Drain(ctx, userID)
}

// ConnectionCount reports the number of live connections across all users.
func (h *Hub) ConnectionCount() int {
	total := 0
	for _, b := range h.buckets {
		b.mu.RLock()
		for _, conns := range b.users {
			total += len(conns)
		}
		b.mu.RUnlock()
	}
	return total
}
