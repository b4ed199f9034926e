package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetsync/backend/services/sync-engine/internal/models"
)

// SnapshotCache mirrors the latest snapshot of each device for fast reads.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache returns redis-backed cache.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

func (c *SnapshotCache) key(deviceID string) string {
	return fmt.Sprintf("sync:snapshot:%s", deviceID)
}

// Save caches snapshot.
func (c *SnapshotCache) Save(ctx context.Context, snapshot models.DeviceSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(snapshot.DeviceID), data, c.ttl).Err()
}

// Get returns the cached snapshot, or nil on a miss.
func (c *SnapshotCache) Get(ctx context.Context, deviceID string) (*models.DeviceSnapshot, error) {
	result, err := c.client.Get(ctx, c.key(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot models.DeviceSnapshot
	if err := json.Unmarshal([]byte(result), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}
