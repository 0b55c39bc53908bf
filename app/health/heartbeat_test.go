package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/canopy-network/poolscaler/app/health"
	"github.com/canopy-network/poolscaler/pkg/metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestHeartbeatRunKeepsWorkerActive(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := metrics.NewMemoryStore(clk)
	hb := health.NewHeartbeat(store, "worker-a", 30*time.Second, clk, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	require.Eventually(t, clk.HasWaiters, time.Second, 5*time.Millisecond, "ticker armed after the first beat")

	active := func() int {
		n, err := store.ActiveHeartbeatCount(context.Background(), clk.Now().Add(-2*time.Minute))
		require.NoError(t, err)
		return n
	}
	require.Equal(t, 1, active())

	// Well past the TTL the worker would be stale, but every tick refreshes it.
	for i := 0; i < 8; i++ {
		clk.Step(30 * time.Second)
		require.Eventually(t, func() bool { return active() == 1 }, time.Second, 5*time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
}

func TestHeartbeatBeat(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := metrics.NewMemoryStore(clk)
	hb := health.NewHeartbeat(store, "worker-b", time.Minute, clk, zaptest.NewLogger(t))

	require.NoError(t, hb.Beat(context.Background()))
	n, err := store.ActiveHeartbeatCount(context.Background(), clk.Now().Add(-time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
