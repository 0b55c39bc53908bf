// Package health classifies service health from recent request outcomes, queue depth
// and worker heartbeats, and serves the result to load balancers and scrapers.
package health

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/poolscaler/pkg/config"
	"github.com/canopy-network/poolscaler/pkg/metrics"
	"github.com/canopy-network/poolscaler/pkg/queue"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Monitor records request outcomes and computes health reports. All durable state lives in
// the metrics store, so any number of goroutines (or processes) may share one.
type Monitor struct {
	cfg    config.Health
	store  metrics.Store
	queue  queue.StatsProvider
	clock  clock.PassiveClock
	logger *zap.Logger
	pool   pond.Pool
}

// checkConcurrency bounds the store round-trips a single Check runs in parallel.
const checkConcurrency = 5

func NewMonitor(cfg config.Health, store metrics.Store, q queue.StatsProvider, clk clock.PassiveClock, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		store:  store,
		queue:  q,
		clock:  clk,
		logger: logger.With(zap.String("component", "health_monitor")),
		pool:   pond.NewPool(checkConcurrency),
	}
}

// MarkStarted writes this instance's start marker. Uptime, and so warmup, count from here.
func (m *Monitor) MarkStarted(ctx context.Context) error {
	return m.store.MarkStarted(ctx, m.cfg.Instance, m.clock.Now())
}

// RecordRequest adds one outcome to the sliding window and, on failure, bumps the
// current minute's error counter. Store errors are logged and swallowed.
func (m *Monitor) RecordRequest(ctx context.Context, success bool, duration time.Duration) {
	now := m.clock.Now()
	sample := metrics.Sample{Success: success, DurationSeconds: duration.Seconds(), ObservedAt: now}
	if err := m.store.PushSample(ctx, sample, m.cfg.SampleSize); err != nil {
		m.logger.Warn("failed to record request sample", zap.Error(err))
	}
	if success {
		return
	}
	if _, err := m.store.IncrementWithExpiry(ctx, errorCounterKey(now), m.cfg.ErrorCounterTTL); err != nil {
		m.logger.Warn("failed to increment error counter", zap.Error(err))
	}
}

// Check gathers every sub-metric concurrently and classifies the result. It never fails:
// a missing sub-metric degrades the report instead.
func (m *Monitor) Check(ctx context.Context) Report {
	start := m.clock.Now()
	obs := m.observe(ctx, start)

	status := classify(obs, m.cfg)
	report := Report{
		Status:        status,
		Timestamp:     start.UTC(),
		UptimeSeconds: round(obs.uptime.Seconds(), 1),
		IsWarmingUp:   status == StatusWarmingUp,
		Metrics: Metrics{
			ErrorRate:         round(obs.errorRate(), 4),
			AvgResponseTimeMs: round(obs.avgResponseSeconds()*1000, 2),
			QueueDepth:        obs.queueDepth,
			ActiveWorkers:     obs.activeWorkers,
			ErrorsLastMinute:  obs.errorsMinute,
			SampleCount:       obs.samples,
		},
		Thresholds: thresholdsOf(m.cfg),
		Warnings:   warnings(status, obs, m.cfg),
	}
	report.CheckDurationMs = round(float64(m.clock.Since(start).Microseconds())/1000, 2)

	if status != StatusHealthy && status != StatusWarmingUp {
		m.logger.Info("health check",
			zap.String("status", string(status)),
			zap.Strings("warnings", report.Warnings))
	}
	return report
}

func (m *Monitor) observe(ctx context.Context, now time.Time) observation {
	var (
		obs observation

		samples    []metrics.Sample
		samplesErr error
		startedAt  time.Time
		startErr   error
		workersErr error
		counterErr error
	)

	// Wait must join every task before the captured results are read, so the group is not
	// bound to ctx. Each store call honours ctx itself.
	group := m.pool.NewGroup()
	group.Submit(func() { samples, samplesErr = m.store.RecentSamples(ctx, m.cfg.SampleSize) })
	group.Submit(func() { startedAt, startErr = m.store.StartedAt(ctx, m.cfg.Instance) })
	group.Submit(func() { obs.queueDepth, obs.queueErr = m.queue.QueueDepth(ctx) })
	group.Submit(func() {
		obs.activeWorkers, workersErr = m.store.ActiveHeartbeatCount(ctx, now.Add(-m.cfg.HeartbeatTTL))
	})
	group.Submit(func() { obs.errorsMinute, counterErr = m.store.Counter(ctx, errorCounterKey(now)) })
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		m.logger.Warn("health check group failed", zap.Error(err))
	}

	for _, s := range samples {
		obs.samples++
		obs.totalDuration += s.DurationSeconds
		if !s.Success {
			obs.failures++
		}
	}

	switch {
	case errors.Is(startErr, metrics.ErrNoStartMarker):
		// The marker was lost (store flushed or expired); restart the warmup.
		if err := m.store.MarkStarted(ctx, m.cfg.Instance, now); err != nil {
			startErr = err
		} else {
			startErr = nil
			startedAt = now
		}
	case startErr == nil && startedAt.After(now):
		startedAt = now
	}
	if startErr == nil {
		obs.uptime = now.Sub(startedAt)
	}

	obs.storeErr = errors.Join(samplesErr, startErr, workersErr, counterErr, ctx.Err())
	if obs.storeErr != nil {
		m.logger.Warn("metrics store unavailable during health check", zap.Error(obs.storeErr))
		obs.uptime = 0
	}
	if obs.queueErr != nil {
		m.logger.Warn("queue depth unavailable during health check", zap.Error(obs.queueErr))
		obs.queueDepth = 0
	}
	return obs
}

// Ping reports whether the metrics store is reachable.
func (m *Monitor) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Close stops the check worker pool.
func (m *Monitor) Close() {
	m.pool.StopAndWait()
}

// errorCounterKey buckets error counts by unix minute.
func errorCounterKey(t time.Time) string {
	return "errors:" + strconv.FormatInt(t.Unix()/60, 10)
}
