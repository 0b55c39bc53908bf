package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/canopy-network/poolscaler/app/autoscaler"
	"github.com/canopy-network/poolscaler/pkg/config"
	"github.com/canopy-network/poolscaler/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.New("autoscaler")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	app, err := autoscaler.Initialize(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Unable to initialize autoscaler", zap.Error(err))
	}

	// Runs the first tick immediately, then blocks until SIGINT/SIGTERM.
	app.Start(ctx)
}
