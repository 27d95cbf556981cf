package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/fundarb/harvester/internal/api"
	"github.com/fundarb/harvester/internal/auth"
	"github.com/fundarb/harvester/internal/catalog"
	"github.com/fundarb/harvester/internal/compat"
	"github.com/fundarb/harvester/internal/config"
	"github.com/fundarb/harvester/internal/database"
	"github.com/fundarb/harvester/internal/fetcher"
	"github.com/fundarb/harvester/internal/orchestrator"
	"github.com/fundarb/harvester/internal/planner"
	"github.com/fundarb/harvester/internal/stats"
	"github.com/fundarb/harvester/internal/storage"
)

func main() {
	// .env is a local-development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg)

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := storage.EnsureSchema(ctx, db); err != nil {
		logger.Fatalf("Failed to bootstrap schema: %v", err)
	}

	// Redis only feeds the cycle-report snapshots; run without it.
	redis, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, cycle reports will only be logged")
		redis = nil
	} else {
		defer redis.Close()
	}

	filter, err := compat.Load(cfg.Harvest.CompatibilityFile, logger)
	if err != nil {
		logger.Fatalf("Failed to load compatibility rules: %v", err)
	}
	cat, err := catalog.Load(cfg.Harvest.CatalogFile, logger)
	if err != nil {
		logger.Fatalf("Failed to load catalog: %v", err)
	}

	tokens := auth.NewTokenManager(
		cfg.API.TokenURL, cfg.API.ClientID, cfg.API.ClientSecret,
		time.Duration(cfg.API.Timeout)*time.Second, logger)

	// Fail fast when the API is unreachable with the configured
	// credentials; every fetch would fail anyway.
	if _, err := tokens.Token(ctx); err != nil {
		logger.Fatalf("Failed initial API connectivity check: %v", err)
	}

	collector := stats.NewCollector()

	fetch := fetcher.NewFetcher(fetcher.Config{
		BaseURL:           cfg.API.BaseURL,
		APIKey:            cfg.API.Key,
		Timeout:           time.Duration(cfg.API.Timeout) * time.Second,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		ResultLimit:       cfg.API.ResultLimit,
		Retry:             retryPolicy(cfg),
	}, tokens, filter, collector, logger)

	pool := database.NewPool(ctx, cfg.Database.PoolSize, cfg.AcquireTimeout(),
		database.PgxDialer(database.DSN(cfg.Database)), logger)
	defer pool.Close(context.Background())

	persist := storage.NewPersister(pool, logger)
	plan := planner.NewPlanner(cat, filter, cfg.Harvest.Timeframes, logger)
	reporter := orchestrator.NewReporter(redis, logger)

	orch := orchestrator.NewOrchestrator(plan, fetch, persist, collector, reporter,
		cfg.Harvest.Workers, cfg.CycleInterval(), logger)

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	var redisHealth api.HealthChecker
	if redis != nil {
		redisHealth = redis
	}
	api.SetupRoutes(router, db, redisHealth, collector, orch)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Operational server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start operational server: %v", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down harvester...")

	// Let in-flight tasks finish rather than interrupting a write.
	cancel()
	select {
	case <-done:
	case <-time.After(60 * time.Second):
		logger.Warn("Timed out waiting for in-flight tasks")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Operational server forced to shutdown")
	}

	logger.Info("Harvester exited")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Environment != "development" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func retryPolicy(cfg *config.Config) fetcher.RetryPolicy {
	policy := fetcher.DefaultRetryPolicy()
	if cfg.API.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.API.MaxAttempts
	}
	if d, err := time.ParseDuration(cfg.API.InitialDelay); err == nil && d > 0 {
		policy.InitialDelay = d
	}
	if d, err := time.ParseDuration(cfg.API.MaxDelay); err == nil && d > 0 {
		policy.MaxDelay = d
	}
	return policy
}
