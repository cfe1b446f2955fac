package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dougchansan/sha3xd/internal/mining"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SnapshotCache stores the latest rig stats snapshot in Redis so fleet
// dashboards can read every rig's state without polling each miner's API.
// Entries expire on their own if a rig goes dark.
type SnapshotCache struct {
	rdb *redis.Client
}

// NewSnapshotCache creates a Redis snapshot cache and verifies connectivity
func NewSnapshotCache(cfg RedisConfig) (*SnapshotCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &SnapshotCache{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *SnapshotCache) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *SnapshotCache) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetSnapshot stores a rig's latest snapshot with an expiration
func (c *SnapshotCache) SetSnapshot(ctx context.Context, rigID string, snap mining.Snapshot, expiration time.Duration) error {
	jsonData, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := fmt.Sprintf("rig:%s:snapshot", rigID)
	if err := c.rdb.Set(ctx, key, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}

	return nil
}

// GetSnapshot retrieves a rig's latest snapshot
func (c *SnapshotCache) GetSnapshot(ctx context.Context, rigID string) (*mining.Snapshot, error) {
	key := fmt.Sprintf("rig:%s:snapshot", rigID)
	jsonData, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("no snapshot for rig %s", rigID)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap mining.Snapshot
	if err := json.Unmarshal([]byte(jsonData), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snap, nil
}
