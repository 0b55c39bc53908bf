package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/canopy-network/poolscaler/pkg/config"
	"github.com/canopy-network/poolscaler/pkg/metrics"
	"github.com/canopy-network/poolscaler/pkg/queue"
	"github.com/canopy-network/poolscaler/pkg/redis"
	"github.com/canopy-network/poolscaler/pkg/temporal"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// App serves the health report for one instance.
type App struct {
	Config  config.Config
	Store   metrics.Store
	Monitor *Monitor
	Logger  *zap.Logger
	Server  *http.Server

	closers []func() error
}

// Initialize connects the metrics store and queue stats provider and writes the start marker.
func Initialize(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	var rdb *redis.Client
	if cfg.Store.Backend == "redis" || cfg.Queue.Backend == "redis" {
		c, err := redis.NewClient(ctx, logger, redis.Options{
			Host:     cfg.Store.Redis.Host,
			Port:     cfg.Store.Redis.Port,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		rdb = c
		app.closers = append(app.closers, c.Close)
	}

	store, err := NewStore(cfg.Store, rdb)
	if err != nil {
		app.close()
		return nil, err
	}
	app.Store = store

	var stats queue.StatsProvider
	switch cfg.Queue.Backend {
	case "temporal":
		qs, err := temporal.NewQueueStats(ctx, logger, temporal.Options{
			HostPort:  cfg.Queue.TemporalHostPort,
			Namespace: cfg.Queue.TemporalNamespace,
			TaskQueue: cfg.Queue.TemporalTaskQueue,
		})
		if err != nil {
			app.close()
			return nil, err
		}
		stats = qs
		app.closers = append(app.closers, func() error { qs.Close(); return nil })
	default:
		stats = queue.NewRedisStats(rdb.GetClient(), cfg.Queue.Key)
	}

	app.Monitor = NewMonitor(cfg.Health, store, stats, clock.RealClock{}, logger)
	if err := app.Monitor.MarkStarted(ctx); err != nil {
		// Check re-marks a missing marker, so a failure here only delays warmup.
		logger.Warn("failed to write start marker", zap.Error(err))
	}

	app.SetupServer()
	return app, nil
}

// NewStore builds the metrics store selected by cfg. rdb may be nil for the memory backend.
func NewStore(cfg config.Store, rdb *redis.Client) (metrics.Store, error) {
	switch cfg.Backend {
	case "memory":
		return metrics.NewMemoryStore(clock.RealClock{}), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis metrics store needs a redis client")
		}
		return metrics.NewRedisStore(rdb.GetClient(), cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown metrics store %q", cfg.Backend)
	}
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	r := mux.NewRouter()
	NewHandler(a.Monitor, a.Logger).Register(r)
	a.Server = &http.Server{Addr: a.Config.Addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}

// Start serves until ctx is cancelled, then shuts the server down gracefully.
func (a *App) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("[health] listening", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	a.Logger.Info("[health] shutting down…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	a.Monitor.Close()
	a.close()
	a.Logger.Info("[health] stopped")
	return serveErr
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("[health] close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
