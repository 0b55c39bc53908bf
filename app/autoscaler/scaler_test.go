package autoscaler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/poolscaler/app/autoscaler"
	"github.com/canopy-network/poolscaler/pkg/config"
	"github.com/canopy-network/poolscaler/pkg/events"
	"github.com/canopy-network/poolscaler/pkg/queue"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	clocktesting "k8s.io/utils/clock/testing"
)

type captureRecorder struct {
	mu  sync.Mutex
	got []events.ScaleEvent
}

func (c *captureRecorder) Record(_ context.Context, e events.ScaleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, e)
}

type harness struct {
	scaler     *autoscaler.Scaler
	queue      *queue.Static
	controller *autoscaler.FakeController
	clock      *clocktesting.FakeClock
	events     *captureRecorder
	cfg        config.Scaler
}

func newHarness(t *testing.T, initialWorkers int) *harness {
	t.Helper()
	cfg := config.Default().Scaler
	h := &harness{
		queue:      queue.NewStatic(0),
		controller: autoscaler.NewFakeController(zaptest.NewLogger(t), initialWorkers),
		clock:      clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		events:     &captureRecorder{},
		cfg:        cfg,
	}
	h.scaler = autoscaler.NewScaler(cfg, h.queue, h.controller, h.events, h.clock, zaptest.NewLogger(t))
	h.scaler.Seed(context.Background())
	return h
}

// observe advances the clock by after, sets the depth and ticks once.
func (h *harness) observe(t *testing.T, after time.Duration, depth int64) autoscaler.Decision {
	t.Helper()
	h.clock.Step(after)
	h.queue.Set(depth)
	d, err := h.scaler.Tick(context.Background())
	require.NoError(t, err)
	return d
}

func (h *harness) workers(t *testing.T) int {
	t.Helper()
	st, ok := h.scaler.Snapshot()
	require.True(t, ok)
	return st.CurrentWorkers
}

func TestScalerScalesUpThenBackDown(t *testing.T) {
	h := newHarness(t, 2)
	poll := h.cfg.PollInterval

	require.Equal(t, autoscaler.DecisionScaledUp, h.observe(t, 0, 60))
	require.Equal(t, 4, h.workers(t))
	require.Equal(t, autoscaler.DecisionCooldown, h.observe(t, poll, 60))
	require.Equal(t, 4, h.workers(t))

	require.Equal(t, autoscaler.DecisionLowObserved, h.observe(t, poll, 5))
	for elapsed := poll; elapsed < h.cfg.ScaleDownSustain; elapsed += poll {
		require.Equal(t, autoscaler.DecisionLowObserved, h.observe(t, poll, 5), "low for %s", elapsed)
		require.Equal(t, 4, h.workers(t))
	}
	require.Equal(t, autoscaler.DecisionScaledDown, h.observe(t, poll, 5))
	require.Equal(t, 2, h.workers(t))

	// Already at the minimum: further low readings do nothing.
	require.Equal(t, autoscaler.DecisionNone, h.observe(t, poll, 5))
	require.Equal(t, []int{4, 2}, h.controller.Calls())
}

func TestScaleUpHonoursCooldown(t *testing.T) {
	h := newHarness(t, 2)

	require.Equal(t, autoscaler.DecisionScaledUp, h.observe(t, 0, 200))
	require.Equal(t, autoscaler.DecisionCooldown, h.observe(t, 30*time.Second, 200))
	require.Equal(t, autoscaler.DecisionCooldown, h.observe(t, 29*time.Second, 200))
	require.Equal(t, 4, h.workers(t))

	require.Equal(t, autoscaler.DecisionScaledUp, h.observe(t, time.Second, 200), "cooldown elapsed at exactly 60s")
	require.Equal(t, 6, h.workers(t))
	require.Equal(t, []int{4, 6}, h.controller.Calls())
}

func TestScaleUpClampsToMax(t *testing.T) {
	h := newHarness(t, 9)

	require.Equal(t, autoscaler.DecisionScaledUp, h.observe(t, 0, 500))
	require.Equal(t, 10, h.workers(t))
	require.Equal(t, autoscaler.DecisionNone, h.observe(t, 2*time.Minute, 500), "at max, nothing to do")
	require.Equal(t, []int{10}, h.controller.Calls())
}

func TestScaleDownClampsToMin(t *testing.T) {
	h := newHarness(t, 3)

	require.Equal(t, autoscaler.DecisionLowObserved, h.observe(t, 0, 0))
	require.Equal(t, autoscaler.DecisionScaledDown, h.observe(t, h.cfg.ScaleDownSustain, 0))
	require.Equal(t, 2, h.workers(t))
	require.Equal(t, []int{2}, h.controller.Calls())
}

func TestSingleLowReadingChangesNothing(t *testing.T) {
	h := newHarness(t, 6)

	require.Equal(t, autoscaler.DecisionLowObserved, h.observe(t, 0, 3))
	st, _ := h.scaler.Snapshot()
	require.NotNil(t, st.LowQueueStart)

	require.Equal(t, autoscaler.DecisionNone, h.observe(t, 30*time.Second, 30))
	st, _ = h.scaler.Snapshot()
	require.Nil(t, st.LowQueueStart, "neutral band resets the sustain timer")

	// The run restarts, so even a long gap does not count the earlier reading.
	require.Equal(t, autoscaler.DecisionLowObserved, h.observe(t, 10*time.Minute, 3))
	require.Equal(t, autoscaler.DecisionLowObserved, h.observe(t, 30*time.Second, 3))
	require.Empty(t, h.controller.Calls())
	require.Equal(t, 6, h.workers(t))
}

func TestHighReadingResetsLowTimer(t *testing.T) {
	h := newHarness(t, 6)

	require.Equal(t, autoscaler.DecisionLowObserved, h.observe(t, 0, 1))
	require.Equal(t, autoscaler.DecisionScaledUp, h.observe(t, 4*time.Minute, 90))
	require.Equal(t, autoscaler.DecisionLowObserved, h.observe(t, 2*time.Minute, 1))
	require.Equal(t, autoscaler.DecisionLowObserved, h.observe(t, 4*time.Minute, 1))
	require.Equal(t, 8, h.workers(t))
}

func TestResizeFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, 2)
	h.controller.FailWith(errors.New("orchestrator unavailable"))

	require.Equal(t, autoscaler.DecisionResizeFailed, h.observe(t, 0, 80))
	st, _ := h.scaler.Snapshot()
	require.Equal(t, 2, st.CurrentWorkers)
	require.True(t, st.LastScaleTime.IsZero(), "a failed resize does not start the cooldown")

	h.controller.FailWith(nil)
	require.Equal(t, autoscaler.DecisionScaledUp, h.observe(t, 30*time.Second, 80))
	require.Equal(t, 4, h.workers(t))

	require.Len(t, h.events.got, 2)
	require.False(t, h.events.got[0].Succeeded())
	require.Equal(t, "orchestrator unavailable", h.events.got[0].Error)
	require.True(t, h.events.got[1].Succeeded())
}

func TestScaleDownFailureKeepsSustainTimer(t *testing.T) {
	h := newHarness(t, 6)

	require.Equal(t, autoscaler.DecisionLowObserved, h.observe(t, 0, 0))
	h.controller.FailWith(errors.New("timeout"))
	require.Equal(t, autoscaler.DecisionResizeFailed, h.observe(t, 5*time.Minute, 0))
	require.Equal(t, 6, h.workers(t))

	h.controller.FailWith(nil)
	require.Equal(t, autoscaler.DecisionScaledDown, h.observe(t, 30*time.Second, 0), "retries on the next low tick")
	require.Equal(t, 4, h.workers(t))
	require.Equal(t, []int{4, 4}, h.controller.Calls())
}

func TestQueueReadFailureSkipsTick(t *testing.T) {
	h := newHarness(t, 2)
	h.queue.FailWith(errors.New("connection refused"))

	_, err := h.scaler.Tick(context.Background())
	require.Error(t, err)
	require.Empty(t, h.controller.Calls())
	require.Equal(t, 2, h.workers(t))
}

func TestWorkersStayWithinBounds(t *testing.T) {
	h := newHarness(t, 5)
	depths := []int64{0, 500, 70, 3, 3, 3, 1000, 1000, 1000, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 60, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}

	for i := 0; i < 5; i++ {
		for _, d := range depths {
			h.observe(t, 45*time.Second, d)
			n := h.workers(t)
			require.GreaterOrEqual(t, n, h.cfg.MinWorkers)
			require.LessOrEqual(t, n, h.cfg.MaxWorkers)
		}
	}
	for _, n := range h.controller.Calls() {
		require.GreaterOrEqual(t, n, h.cfg.MinWorkers)
		require.LessOrEqual(t, n, h.cfg.MaxWorkers)
	}
}

func TestNoTwoScaleUpsWithinCooldown(t *testing.T) {
	h := newHarness(t, 2)

	var ups []time.Time
	for i := 0; i < 40; i++ {
		if h.observe(t, 7*time.Second, 1000) == autoscaler.DecisionScaledUp {
			ups = append(ups, h.clock.Now())
		}
	}
	require.NotEmpty(t, ups)
	for i := 1; i < len(ups); i++ {
		require.GreaterOrEqual(t, ups[i].Sub(ups[i-1]), h.cfg.Cooldown)
	}
}

func TestSeedFromController(t *testing.T) {
	tests := []struct {
		name    string
		initial int
		want    int
	}{
		{"live count within bounds", 7, 7},
		{"unknown count assumes minimum", -1, 2},
		{"above max is clamped", 40, 10},
		{"below min is clamped", 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.initial)
			require.True(t, h.scaler.Seeded())
			require.Equal(t, tt.want, h.workers(t))
		})
	}
}

func TestSeedResizesPoolOutsideBounds(t *testing.T) {
	tests := []struct {
		name      string
		initial   int
		wantCalls []int
	}{
		{"below min", 0, []int{2}},
		{"above max", 40, []int{10}},
		{"within bounds", 7, []int{}},
		{"unknown count", -1, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.initial)
			require.Equal(t, tt.wantCalls, h.controller.Calls())
			require.Empty(t, h.events.got, "seeding is not a scale decision")
			if len(tt.wantCalls) > 0 {
				live, err := h.controller.CurrentWorkers(context.Background())
				require.NoError(t, err)
				require.Equal(t, h.workers(t), live)
			}
		})
	}
}

func TestSeedResizeFailureStillSeeds(t *testing.T) {
	cfg := config.Default().Scaler
	ctrl := autoscaler.NewFakeController(zaptest.NewLogger(t), 0)
	ctrl.FailWith(errors.New("api unavailable"))
	clk := clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s := autoscaler.NewScaler(cfg, queue.NewStatic(0), ctrl, &captureRecorder{}, clk, zaptest.NewLogger(t))

	s.Seed(context.Background())
	st, ok := s.Snapshot()
	require.True(t, ok)
	require.Equal(t, cfg.MinWorkers, st.CurrentWorkers)
	require.Equal(t, []int{cfg.MinWorkers}, ctrl.Calls())
}

func TestScaleEventsDescribeResize(t *testing.T) {
	h := newHarness(t, 4)

	h.observe(t, 0, 75)
	require.Len(t, h.events.got, 1)
	e := h.events.got[0]
	require.Equal(t, events.DirectionUp, e.Direction)
	require.Equal(t, 4, e.From)
	require.Equal(t, 6, e.To)
	require.Equal(t, int64(75), e.QueueDepth)
	require.Equal(t, "queue depth 75 above 50", e.Reason)
	require.Equal(t, h.clock.Now(), e.Time)
}
