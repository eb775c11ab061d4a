package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/ads-metrics-engine/internal/config"
	"github.com/radiusdt/ads-metrics-engine/internal/metrics"
	"github.com/radiusdt/ads-metrics-engine/internal/storage"
	"go.uber.org/zap"
)

// PostgresDB owns the pgx pool backing the durable summary store.
type PostgresDB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresDB opens the pool and pings it once so an unreachable database is reported at
// startup, where the caller can fall back to the in-memory summary store.
func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.DBName),
		zap.Int("max_conns", cfg.MaxConns),
	)
	return &PostgresDB{Pool: pool, logger: logger}, nil
}

// SummaryStore returns the summary store on this pool with its table in place.
func (db *PostgresDB) SummaryStore(ctx context.Context) (*storage.PostgresSummaryStore, error) {
	store := storage.NewPostgresSummaryStore(db.Pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	db.logger.Info("summary store ready", zap.String("table", "metric_summaries"))
	return store, nil
}

// PublishStats copies the pool's connection counts into the db_connections gauges.
func (db *PostgresDB) PublishStats(m *metrics.Metrics) {
	s := db.Pool.Stat()
	m.UpdateDBStats(int(s.IdleConns()), int(s.AcquiredConns()), int(s.TotalConns()))
}

// Close closes the pool.
func (db *PostgresDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.Pool = nil
		db.logger.Info("PostgreSQL connection pool closed")
	}
}

// Health pings the summary database.
func (db *PostgresDB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
