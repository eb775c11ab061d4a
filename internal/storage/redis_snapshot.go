package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/radiusdt/ads-metrics-engine/internal/errs"
	"github.com/radiusdt/ads-metrics-engine/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisSnapshotStore implements SnapshotStore on Redis. Each (platform, granularity) pair
// gets its own key namespace:
//
//	metrics:snapshot:<platform>:<granularity>:<tenant>:<period_id>
type RedisSnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSnapshotStore creates a Redis-backed snapshot store. A zero ttl keeps keys until
// they are overwritten or deleted.
func NewRedisSnapshotStore(client *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, ttl: ttl}
}

// SnapshotKey returns the Redis key for a snapshot.
func SnapshotKey(k models.SnapshotKey) string {
	return fmt.Sprintf("metrics:snapshot:%s:%s:%s:%s", k.Platform, k.Granularity, k.TenantID, k.PeriodID)
}

func (s *RedisSnapshotStore) Get(ctx context.Context, key models.SnapshotKey) (*models.Snapshot, error) {
	data, err := s.client.Get(ctx, SnapshotKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Store("snapshot.get", err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errs.Store("snapshot.get", fmt.Errorf("decode %s: %w", SnapshotKey(key), err))
	}
	return &snap, nil
}

func (s *RedisSnapshotStore) Put(ctx context.Context, snap *models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errs.Store("snapshot.put", err)
	}
	if err := s.client.Set(ctx, SnapshotKey(snap.Key()), data, s.ttl).Err(); err != nil {
		return errs.Store("snapshot.put", err)
	}
	return nil
}

func (s *RedisSnapshotStore) Delete(ctx context.Context, key models.SnapshotKey) error {
	if err := s.client.Del(ctx, SnapshotKey(key)).Err(); err != nil {
		return errs.Store("snapshot.delete", err)
	}
	return nil
}
