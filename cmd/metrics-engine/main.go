package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/radiusdt/ads-metrics-engine/internal/config"
	"github.com/radiusdt/ads-metrics-engine/internal/database"
	"github.com/radiusdt/ads-metrics-engine/internal/engine"
	"github.com/radiusdt/ads-metrics-engine/internal/httpserver"
	"github.com/radiusdt/ads-metrics-engine/internal/metrics"
	"github.com/radiusdt/ads-metrics-engine/internal/middleware"
	"github.com/radiusdt/ads-metrics-engine/internal/platform"
	"github.com/radiusdt/ads-metrics-engine/internal/retry"
	"github.com/radiusdt/ads-metrics-engine/internal/storage"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use logger yet, fall back to standard log
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger
	logger, err := middleware.NewLogger(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting ads metrics engine",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Metrics.Namespace, reg)

	// Summary store: PostgreSQL, or in-memory when unavailable
	var summaries storage.SummaryStore = storage.NewInMemorySummaryStore()
	db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn("PostgreSQL not available, using in-memory summary store", zap.Error(err))
		db = nil
	} else {
		defer db.Close()
		pg, err := db.SummaryStore(ctx)
		if err != nil {
			logger.Fatal("failed to prepare summary store", zap.Error(err))
		}
		summaries = pg
	}

	// Snapshot cache: Redis, or in-memory when unavailable
	var snapshots storage.SnapshotStore = storage.NewInMemorySnapshotStore()
	redis, err := database.NewRedisDB(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis not available, using in-memory snapshot cache", zap.Error(err))
		redis = nil
	} else {
		defer redis.Close()
		snapshots = redis.SnapshotStore(cfg.Cache.KeyTTL)
	}

	// Platform accounts
	tenants := &config.TenantRegistry{}
	if cfg.TenantsFile != "" {
		if tenants, err = config.LoadTenants(cfg.TenantsFile); err != nil {
			logger.Fatal("failed to load tenants", zap.Error(err))
		}
	}
	httpClient := &http.Client{Timeout: cfg.Fetch.Timeout}
	accounts, err := platform.BuildRegistry(ctx, tenants, cfg.Platforms, httpClient, m, logger)
	if err != nil {
		logger.Fatal("failed to build platform registry", zap.Error(err))
	}
	logger.Info("platform accounts registered", zap.Int("accounts", accounts.Len()))

	orch, err := engine.New(engine.Options{
		Snapshots:       snapshots,
		Summaries:       summaries,
		Accounts:        accounts,
		Retry:           retry.FromConfig(cfg.Retry),
		Metrics:         m,
		Logger:          logger,
		FreshnessWindow: cfg.Cache.FreshnessWindow,
		RetentionMonths: cfg.Summary.RetentionMonths,
		FetchTimeout:    cfg.Fetch.Timeout,
		RefreshTimeout:  cfg.Fetch.RefreshTimeout,
		Location:        cfg.Fetch.Location,
	})
	if err != nil {
		logger.Fatal("failed to create orchestrator", zap.Error(err))
	}

	server, handler := httpserver.NewServer(&httpserver.Dependencies{
		Engine:   orch,
		DB:       db,
		Redis:    redis,
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Gatherer: reg,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Fetch.Timeout + 15*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Rate limiter cleanup and pool stats
	go func() {
		cleanup := time.NewTicker(time.Hour)
		stats := time.NewTicker(15 * time.Second)
		defer cleanup.Stop()
		defer stats.Stop()
		for {
			select {
			case <-cleanup.C:
				server.RateLimit.CleanupIPLimiters()
			case <-stats.C:
				if db != nil {
					db.PublishStats(m)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Let in-flight background refreshes finish their store writes
	orch.Wait()
	cancel()

	logger.Info("server stopped")
}
