package database

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/ads-metrics-engine/internal/config"
	"github.com/radiusdt/ads-metrics-engine/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDB owns the Redis client backing the snapshot cache.
type RedisDB struct {
	Client *redis.Client
	logger *zap.Logger
}

// NewRedisDB connects and pings once. Callers fall back to the in-memory snapshot cache on error.
func NewRedisDB(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisDB, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &RedisDB{Client: client, logger: logger}, nil
}

// SnapshotStore returns the snapshot cache on this client. ttl bounds how long an
// abandoned key lingers; zero keeps keys until overwritten.
func (r *RedisDB) SnapshotStore(ttl time.Duration) *storage.RedisSnapshotStore {
	r.logger.Info("snapshot cache ready", zap.Duration("key_ttl", ttl))
	return storage.NewRedisSnapshotStore(r.Client, ttl)
}

// Close closes the client.
func (r *RedisDB) Close() error {
	if r.Client == nil {
		return nil
	}
	r.logger.Info("Redis connection closed")
	return r.Client.Close()
}

// Health pings the snapshot cache.
func (r *RedisDB) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}
