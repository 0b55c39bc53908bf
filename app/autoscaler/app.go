package autoscaler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/canopy-network/poolscaler/pkg/config"
	"github.com/canopy-network/poolscaler/pkg/events"
	"github.com/canopy-network/poolscaler/pkg/queue"
	"github.com/canopy-network/poolscaler/pkg/redis"
	"github.com/canopy-network/poolscaler/pkg/temporal"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// App polls queue depth on a schedule and resizes the worker pool through a controller.
type App struct {
	Config config.Config

	Scaler     *Scaler
	Controller WorkerPoolController

	// Cron triggers a scaler tick every poll interval, according to CronSpec.
	Cron     *cron.Cron
	CronSpec string

	Logger *zap.Logger

	// Server serves /healthz, /readyz and /status.
	Server *http.Server

	closers []func() error
}

// Initialize connects the queue stats provider, the controller and the event recorders.
func Initialize(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		Config:   cfg,
		CronSpec: fmt.Sprintf("@every %s", cfg.Scaler.PollInterval),
		Logger:   logger,
	}

	var rdb *redis.Client
	if cfg.Queue.Backend == "redis" || cfg.Events.Redis {
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

	controller, err := NewController(cfg.Controller, logger)
	if err != nil {
		app.close()
		return nil, err
	}
	app.Controller = controller

	recorder, err := app.buildRecorder(ctx, rdb)
	if err != nil {
		app.close()
		return nil, err
	}

	app.Scaler = NewScaler(cfg.Scaler, stats, controller, recorder, clock.RealClock{}, logger)

	if err := app.SetupScheduler(ctx, app.CronSpec); err != nil {
		app.close()
		return nil, err
	}
	app.SetupServer()

	return app, nil
}

func (a *App) buildRecorder(ctx context.Context, rdb *redis.Client) (events.Recorder, error) {
	recorders := events.Multi{events.Log{Logger: a.Logger.With(zap.String("component", "scale_events"))}}

	if a.Config.Events.Redis && rdb != nil {
		recorders = append(recorders, events.NewRedisRecorder(rdb, a.Logger))
	}

	if addr := a.Config.Events.ClickHouseAddr; addr != "" {
		ch, err := events.NewClickHouseRecorder(ctx, a.Logger, events.ClickHouseOptions{
			Addr:     strings.Split(addr, ","),
			Database: a.Config.Events.ClickHouseDatabase,
			Username: a.Config.Events.ClickHouseUser,
			Password: a.Config.Events.ClickHousePassword,
			Table:    a.Config.Events.ClickHouseTable,
		})
		if err != nil {
			return nil, fmt.Errorf("scale event history: %w", err)
		}
		a.closers = append(a.closers, ch.Close)
		recorders = append(recorders, ch)
	}
	return recorders, nil
}

// SetupScheduler registers the scaler tick. Overlapping ticks are skipped, never queued.
func (a *App) SetupScheduler(ctx context.Context, cronSpec string) error {
	logger := cronLogger{s: a.Logger.Sugar()}
	a.Cron = cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := a.Cron.AddFunc(cronSpec, func() { a.tick(ctx) })
	return err
}

// tick runs one scaler iteration. Cancellation is checked first; once a tick starts, its
// resize runs to completion bounded only by ResizeTimeout.
func (a *App) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Scaler.ResizeTimeout)
	defer cancel()
	if _, err := a.Scaler.Tick(rctx); err != nil {
		a.Logger.Warn("[autoscaler] tick skipped", zap.Error(err))
	}
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if a.Ready() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})).Methods("GET")
	r.HandleFunc("/status", a.handleStatus).Methods("GET")

	a.Server = &http.Server{Addr: a.Config.Addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}

type statusResponse struct {
	Seeded     bool             `json:"seeded"`
	State      WorkerPoolState  `json:"state"`
	Thresholds scalerThresholds `json:"thresholds"`
}

type scalerThresholds struct {
	MinWorkers              int     `json:"min_workers"`
	MaxWorkers              int     `json:"max_workers"`
	ScaleUpThreshold        int64   `json:"scale_up_threshold"`
	ScaleDownThreshold      int64   `json:"scale_down_threshold"`
	ScaleStep               int     `json:"scale_step"`
	ScaleDownSustainSeconds float64 `json:"scale_down_sustain_seconds"`
	CooldownSeconds         float64 `json:"cooldown_seconds"`
	PollIntervalSeconds     float64 `json:"poll_interval_seconds"`
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state, ok := a.Scaler.Snapshot()
	c := a.Config.Scaler
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{
		Seeded: ok,
		State:  state,
		Thresholds: scalerThresholds{
			MinWorkers:              c.MinWorkers,
			MaxWorkers:              c.MaxWorkers,
			ScaleUpThreshold:        c.ScaleUpThreshold,
			ScaleDownThreshold:      c.ScaleDownThreshold,
			ScaleStep:               c.ScaleStep,
			ScaleDownSustainSeconds: c.ScaleDownSustain.Seconds(),
			CooldownSeconds:         c.Cooldown.Seconds(),
			PollIntervalSeconds:     c.PollInterval.Seconds(),
		},
	})
}

// Ready reports whether the pool state has been seeded from the controller.
func (a *App) Ready() bool { return a.Scaler != nil && a.Scaler.Seeded() }

// Start runs the first tick immediately, then the schedule, until ctx is cancelled.
// An in-flight tick finishes before Start returns.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("[autoscaler] status server stopped", zap.Error(err))
		}
	}()

	a.tick(ctx)
	a.Cron.Start()
	a.Logger.Info("[autoscaler] Cron started", zap.String("cronSpec", a.CronSpec))

	<-ctx.Done()
	a.Logger.Info("[autoscaler] shutting down…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	<-a.Cron.Stop().Done()
	a.close()
	a.Logger.Info("[autoscaler] stopped")
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("[autoscaler] close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
