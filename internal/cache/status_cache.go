// Package cache publishes session status snapshots to Redis so operational
// tooling can read live state without touching the coordinator. Delivery is
// best-effort: the registry never waits on Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"examhub/pkg/types"
)

const keyPrefix = "session_status:"

// StatusCache writes the latest snapshot per session under a TTL'd key.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int, ttl time.Duration) (*StatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &StatusCache{client: client, ttl: ttl}, nil
}

// PublishStatus stores the snapshot, replacing any previous one for the
// session. An ended session's key simply expires.
func (c *StatusCache) PublishStatus(ctx context.Context, status *types.SessionStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := c.client.Set(ctx, keyPrefix+status.SessionID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache status: %w", err)
	}
	return nil
}

// GetStatus reads a cached snapshot, nil if none is present.
func (c *StatusCache) GetStatus(ctx context.Context, sessionID string) (*types.SessionStatus, error) {
	data, err := c.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached status: %w", err)
	}

	var status types.SessionStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached status: %w", err)
	}
	return &status, nil
}

// HealthCheck pings Redis.
func (c *StatusCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *StatusCache) Close() error {
	return c.client.Close()
}
