package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lernia/lernia/internal/cache"
	"github.com/lernia/lernia/internal/models"
)

// OfflineStore holds notifications that could not be pushed live, one
// bounded Redis list per user. The newest capacity entries win; the list
// itself expires after the TTL so abandoned accounts do not accumulate.
type OfflineStore struct {
	redis    *cache.RedisClient
	capacity int
	ttl      time.Duration
	logger   *logrus.Logger
}

// NewOfflineStore creates the store. capacity bounds each user's list.
func NewOfflineStore(redisClient *cache.RedisClient, capacity int, ttl time.Duration, logger *logrus.Logger) *OfflineStore {
	if capacity <= 0 {
		capacity = 50
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &OfflineStore{
		redis:    redisClient,
		capacity: capacity,
		ttl:      ttl,
		logger:   logger,
	}
}

func offlineKey(userID string) string { return "offline:" + userID }

// Append stores a notification for later pull, evicting the oldest entry
// once the list is full.
func (s *OfflineStore) Append(ctx context.Context, n models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	key := offlineKey(n.UserID)
	pipe := s.redis.Client().TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(s.capacity-1))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("user_id", n.UserID).Warn("Offline notification store failed")
		return err
	}
	return nil
}

// Drain returns the user's stored notifications oldest-first and clears
// the list. Used as pull-based catch-up on reconnect.
func (s *OfflineStore) Drain(ctx context.Context, userID string) ([]models.Notification, error) {
	key := offlineKey(userID)
	pipe := s.redis.Client().TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	raw := rangeCmd.Val()
	notifications := make([]models.Notification, 0, len(raw))
	// LPush stores newest first; reverse so callers replay in order.
	for i := len(raw) - 1; i >= 0; i-- {
		var n models.Notification
		if err := json.Unmarshal([]byte(raw[i]), &n); err != nil {
			s.logger.WithError(err).WithField("user_id", userID).Warn("Dropping corrupt offline notification")
			continue
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// Count returns the number of stored notifications for a user.
func (s *OfflineStore) Count(ctx context.Context, userID string) int {
	n, err := s.redis.Client().LLen(ctx, offlineKey(userID)).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
