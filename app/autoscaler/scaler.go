package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/canopy-network/poolscaler/pkg/config"
	"github.com/canopy-network/poolscaler/pkg/events"
	"github.com/canopy-network/poolscaler/pkg/queue"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// WorkerPoolState is the autoscaler's belief about the pool.
// MinWorkers <= CurrentWorkers <= MaxWorkers always holds once seeded.
type WorkerPoolState struct {
	CurrentWorkers int        `json:"current_workers"`
	LastScaleTime  time.Time  `json:"last_scale_time"`
	LowQueueStart  *time.Time `json:"low_queue_start,omitempty"`
}

// Decision is the outcome of one tick.
type Decision string

const (
	// DecisionNone: depth in the neutral band or the pool already at a bound.
	DecisionNone         Decision = "none"
	DecisionScaledUp     Decision = "scaled_up"
	DecisionScaledDown   Decision = "scaled_down"
	DecisionCooldown     Decision = "cooldown"
	DecisionLowObserved  Decision = "low_observed"
	DecisionResizeFailed Decision = "resize_failed"
)

// Scaler owns one WorkerPoolState and moves it one tick at a time. Tick must not be
// called concurrently; the scheduler guarantees this with SkipIfStillRunning.
type Scaler struct {
	cfg        config.Scaler
	queue      queue.StatsProvider
	controller WorkerPoolController
	recorder   events.Recorder
	clock      clock.PassiveClock
	logger     *zap.Logger

	state    WorkerPoolState
	seeded   bool
	snapshot atomic.Pointer[WorkerPoolState]
}

// NewScaler wires a scaler. A nil recorder discards events.
func NewScaler(cfg config.Scaler, q queue.StatsProvider, c WorkerPoolController, rec events.Recorder, clk clock.PassiveClock, logger *zap.Logger) *Scaler {
	if rec == nil {
		rec = events.Nop{}
	}
	return &Scaler{
		cfg:        cfg,
		queue:      q,
		controller: c,
		recorder:   rec,
		clock:      clk,
		logger:     logger.With(zap.String("component", "scaler")),
	}
}

// Seed loads the live worker count from the controller, clamped to the configured bounds.
// When the controller cannot report a count the pool is assumed to be at MinWorkers.
func (s *Scaler) Seed(ctx context.Context) {
	n, err := s.controller.CurrentWorkers(ctx)
	switch {
	case errors.Is(err, ErrCountUnknown):
		s.logger.Info("controller has no live count, assuming minimum", zap.Int("workers", s.cfg.MinWorkers))
		n = s.cfg.MinWorkers
	case err != nil:
		s.logger.Warn("failed to read live worker count, assuming minimum", zap.Int("workers", s.cfg.MinWorkers), zap.Error(err))
		n = s.cfg.MinWorkers
	}
	clamped := clamp(n, s.cfg.MinWorkers, s.cfg.MaxWorkers)
	if clamped != n {
		s.logger.Warn("live worker count outside bounds, clamping",
			zap.Int("live", n), zap.Int("min", s.cfg.MinWorkers), zap.Int("max", s.cfg.MaxWorkers))
		// Best-effort: the next scale decision resizes again if this fails.
		if err := s.controller.Resize(ctx, clamped); err != nil {
			s.logger.Warn("failed to bring worker pool within bounds", zap.Int("target", clamped), zap.Error(err))
		}
	}
	s.state = WorkerPoolState{CurrentWorkers: clamped}
	s.seeded = true
	s.publish()
	s.logger.Info("seeded worker pool state", zap.Int("current_workers", clamped))
}

// Seeded reports whether Seed has run.
func (s *Scaler) Seeded() bool { return s.snapshot.Load() != nil }

// Snapshot returns a copy of the state as of the last completed tick.
func (s *Scaler) Snapshot() (WorkerPoolState, bool) {
	p := s.snapshot.Load()
	if p == nil {
		return WorkerPoolState{}, false
	}
	return *p, true
}

// Tick reads the queue depth once and applies at most one resize.
// A failed depth read is returned and leaves the state untouched.
func (s *Scaler) Tick(ctx context.Context) (Decision, error) {
	if !s.seeded {
		s.Seed(ctx)
	}

	depth, err := s.queue.QueueDepth(ctx)
	if err != nil {
		return DecisionNone, fmt.Errorf("read queue depth: %w", err)
	}

	now := s.clock.Now()
	current := s.state.CurrentWorkers
	var decision Decision

	switch {
	case depth > s.cfg.ScaleUpThreshold && current < s.cfg.MaxWorkers:
		s.state.LowQueueStart = nil
		decision = s.scaleUp(ctx, now, depth)
	case depth < s.cfg.ScaleDownThreshold && current > s.cfg.MinWorkers:
		decision = s.evaluateScaleDown(ctx, now, depth)
	default:
		s.state.LowQueueStart = nil
		decision = DecisionNone
	}

	s.publish()
	s.logger.Debug("tick",
		zap.Int64("queue_depth", depth),
		zap.Int("current_workers", s.state.CurrentWorkers),
		zap.String("decision", string(decision)))
	return decision, nil
}

func (s *Scaler) scaleUp(ctx context.Context, now time.Time, depth int64) Decision {
	if since := now.Sub(s.state.LastScaleTime); since < s.cfg.Cooldown {
		s.logger.Info("scale-up skipped, cooling down",
			zap.Int64("queue_depth", depth),
			zap.Duration("since_last_scale", since),
			zap.Duration("cooldown", s.cfg.Cooldown))
		return DecisionCooldown
	}

	from := s.state.CurrentWorkers
	to := clamp(from+s.cfg.ScaleStep, s.cfg.MinWorkers, s.cfg.MaxWorkers)
	reason := fmt.Sprintf("queue depth %d above %d", depth, s.cfg.ScaleUpThreshold)

	if err := s.resize(ctx, events.DirectionUp, from, to, depth, reason); err != nil {
		return DecisionResizeFailed
	}
	s.state.CurrentWorkers = to
	s.state.LastScaleTime = now
	return DecisionScaledUp
}

func (s *Scaler) evaluateScaleDown(ctx context.Context, now time.Time, depth int64) Decision {
	if s.state.LowQueueStart == nil {
		start := now
		s.state.LowQueueStart = &start
		s.logger.Info("queue below scale-down threshold, starting sustain timer",
			zap.Int64("queue_depth", depth),
			zap.Duration("sustain", s.cfg.ScaleDownSustain))
		return DecisionLowObserved
	}

	lowFor := now.Sub(*s.state.LowQueueStart)
	if lowFor < s.cfg.ScaleDownSustain {
		return DecisionLowObserved
	}

	from := s.state.CurrentWorkers
	to := clamp(from-s.cfg.ScaleStep, s.cfg.MinWorkers, s.cfg.MaxWorkers)
	reason := fmt.Sprintf("queue depth below %d for %s", s.cfg.ScaleDownThreshold, lowFor.Round(time.Second))

	// The timer survives a failed resize so the next low tick retries immediately.
	if err := s.resize(ctx, events.DirectionDown, from, to, depth, reason); err != nil {
		return DecisionResizeFailed
	}
	s.state.CurrentWorkers = to
	s.state.LastScaleTime = now
	s.state.LowQueueStart = nil
	return DecisionScaledDown
}

func (s *Scaler) resize(ctx context.Context, dir events.Direction, from, to int, depth int64, reason string) error {
	err := s.controller.Resize(ctx, to)
	e := events.ScaleEvent{
		Time:       s.clock.Now(),
		Direction:  dir,
		From:       from,
		To:         to,
		QueueDepth: depth,
		Reason:     reason,
	}
	if err != nil {
		e.Error = err.Error()
		s.logger.Error("resize failed, keeping current size",
			zap.String("direction", string(dir)),
			zap.Int("from", from),
			zap.Int("to", to),
			zap.Error(err))
	}
	s.recorder.Record(ctx, e)
	return err
}

func (s *Scaler) publish() {
	cp := s.state
	if cp.LowQueueStart != nil {
		t := *cp.LowQueueStart
		cp.LowQueueStart = &t
	}
	s.snapshot.Store(&cp)
}

func clamp(n, lo, hi int) int {
	return max(lo, min(n, hi))
}
