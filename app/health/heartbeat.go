package health

import (
	"context"
	"time"

	"github.com/canopy-network/poolscaler/pkg/metrics"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Heartbeat keeps one worker's liveness entry fresh.
type Heartbeat struct {
	store    metrics.Store
	workerID string
	interval time.Duration
	clock    clock.WithTicker
	logger   *zap.Logger
}

func NewHeartbeat(store metrics.Store, workerID string, interval time.Duration, clk clock.WithTicker, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		store:    store,
		workerID: workerID,
		interval: interval,
		clock:    clk,
		logger:   logger.With(zap.String("component", "heartbeat"), zap.String("worker_id", workerID)),
	}
}

// Beat writes the heartbeat once.
func (h *Heartbeat) Beat(ctx context.Context) error {
	return h.store.SetHeartbeat(ctx, h.workerID, h.clock.Now())
}

// Run beats immediately and then every interval until ctx is cancelled. Failed beats are
// logged and retried on the next tick.
func (h *Heartbeat) Run(ctx context.Context) {
	h.beat(ctx)

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
		h.logger.Warn("heartbeat failed", zap.Error(err))
	}
}
