package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/canopy-network/poolscaler/app/health"
	"github.com/canopy-network/poolscaler/pkg/config"
	"github.com/canopy-network/poolscaler/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.New("health")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	app, err := health.Initialize(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Unable to initialize health monitor", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		logger.Fatal("Health server failed", zap.Error(err))
	}
}
