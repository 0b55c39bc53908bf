package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/canopy-network/poolscaler/app/health"
	"github.com/canopy-network/poolscaler/pkg/config"
	"github.com/canopy-network/poolscaler/pkg/logging"
	"github.com/canopy-network/poolscaler/pkg/redis"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// heartbeat runs next to a worker and keeps its liveness entry fresh until terminated.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.New("heartbeat")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	if cfg.Store.Backend != "redis" {
		logger.Fatal("Heartbeats must go to a shared store", zap.String("store", cfg.Store.Backend))
	}
	if cfg.Heartbeat.WorkerID == "" {
		logger.Fatal("WORKER_ID is required")
	}

	rdb, err := redis.NewClient(ctx, logger, redis.Options{
		Host:     cfg.Store.Redis.Host,
		Port:     cfg.Store.Redis.Port,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	})
	if err != nil {
		logger.Fatal("Unable to connect to Redis", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	store, err := health.NewStore(cfg.Store, rdb)
	if err != nil {
		logger.Fatal("Unable to build metrics store", zap.Error(err))
	}

	logger.Info("Heartbeat started",
		zap.String("worker_id", cfg.Heartbeat.WorkerID),
		zap.Duration("interval", cfg.Heartbeat.Interval))
	health.NewHeartbeat(store, cfg.Heartbeat.WorkerID, cfg.Heartbeat.Interval, clock.RealClock{}, logger).Run(ctx)
	logger.Info("Heartbeat stopped")
}
