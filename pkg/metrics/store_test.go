package metrics

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

// storeFixture exposes a Store plus a way to move its notion of time forward for TTLs.
type storeFixture struct {
	store   Store
	advance func(d time.Duration)
}

func fixtures(t *testing.T) map[string]func(t *testing.T) storeFixture {
	return map[string]func(t *testing.T) storeFixture{
		"memory": func(t *testing.T) storeFixture {
			clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
			return storeFixture{store: NewMemoryStore(clk), advance: clk.Step}
		},
		"redis": func(t *testing.T) storeFixture {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return storeFixture{store: NewRedisStore(rdb, "test"), advance: mr.FastForward}
		},
	}
}

func TestStoreSlidingWindow(t *testing.T) {
	for name, mk := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			f := mk(t)
			ctx := context.Background()

			empty, err := f.store.RecentSamples(ctx, 10)
			require.NoError(t, err)
			require.Empty(t, empty)

			base := time.Unix(1_700_000_000, 0)
			for i := 0; i < 15; i++ {
				s := Sample{Success: i%2 == 0, DurationSeconds: float64(i), ObservedAt: base.Add(time.Duration(i) * time.Second)}
				require.NoError(t, f.store.PushSample(ctx, s, 10))
			}

			got, err := f.store.RecentSamples(ctx, 100)
			require.NoError(t, err)
			require.Len(t, got, 10, "window must be trimmed to capacity")
			require.Equal(t, float64(14), got[0].DurationSeconds, "newest sample first")
			require.Equal(t, float64(5), got[9].DurationSeconds, "oldest samples evicted first")
			require.True(t, got[0].ObservedAt.Equal(base.Add(14*time.Second)))

			require.Error(t, f.store.PushSample(ctx, Sample{}, 0))
		})
	}
}

func TestStoreWindowBoundedUnderConcurrentWriters(t *testing.T) {
	for name, mk := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			f := mk(t)
			ctx := context.Background()

			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 25; i++ {
						_ = f.store.PushSample(ctx, Sample{Success: true, DurationSeconds: 0.01}, 20)
					}
				}()
			}
			wg.Wait()

			got, err := f.store.RecentSamples(ctx, 1000)
			require.NoError(t, err)
			require.Len(t, got, 20)
		})
	}
}

func TestStoreCountersExpire(t *testing.T) {
	for name, mk := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			f := mk(t)
			ctx := context.Background()

			n, err := f.store.Counter(ctx, "errors:1")
			require.NoError(t, err)
			require.Zero(t, n)

			for i := 1; i <= 3; i++ {
				n, err = f.store.IncrementWithExpiry(ctx, "errors:1", 2*time.Minute)
				require.NoError(t, err)
				require.Equal(t, int64(i), n)
			}

			n, err = f.store.Counter(ctx, "errors:1")
			require.NoError(t, err)
			require.Equal(t, int64(3), n)

			f.advance(2*time.Minute + time.Second)

			n, err = f.store.Counter(ctx, "errors:1")
			require.NoError(t, err)
			require.Zero(t, n, "counter must expire after its ttl")

			n, err = f.store.IncrementWithExpiry(ctx, "errors:1", 2*time.Minute)
			require.NoError(t, err)
			require.Equal(t, int64(1), n)
		})
	}
}

func TestStoreHeartbeats(t *testing.T) {
	for name, mk := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			f := mk(t)
			ctx := context.Background()
			now := time.Unix(1_700_000_000, 0)

			n, err := f.store.ActiveHeartbeatCount(ctx, now.Add(-120*time.Second))
			require.NoError(t, err)
			require.Zero(t, n)

			require.NoError(t, f.store.SetHeartbeat(ctx, "worker-1", now.Add(-10*time.Second)))
			require.NoError(t, f.store.SetHeartbeat(ctx, "worker-2", now.Add(-119*time.Second)))
			require.NoError(t, f.store.SetHeartbeat(ctx, "worker-3", now.Add(-120*time.Second)))
			require.NoError(t, f.store.SetHeartbeat(ctx, "worker-4", now.Add(-10*time.Minute)))

			n, err = f.store.ActiveHeartbeatCount(ctx, now.Add(-120*time.Second))
			require.NoError(t, err)
			require.Equal(t, 2, n, "only heartbeats younger than the ttl count")

			// refreshing a stale worker brings it back
			require.NoError(t, f.store.SetHeartbeat(ctx, "worker-4", now))
			n, err = f.store.ActiveHeartbeatCount(ctx, now.Add(-120*time.Second))
			require.NoError(t, err)
			require.Equal(t, 3, n)
		})
	}
}

func TestStoreStartMarker(t *testing.T) {
	for name, mk := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			f := mk(t)
			ctx := context.Background()

			_, err := f.store.StartedAt(ctx, "health-0")
			require.ErrorIs(t, err, ErrNoStartMarker)

			at := time.UnixMilli(1_700_000_000_123)
			require.NoError(t, f.store.MarkStarted(ctx, "health-0", at))

			got, err := f.store.StartedAt(ctx, "health-0")
			require.NoError(t, err)
			require.True(t, got.Equal(at), fmt.Sprintf("want %s got %s", at, got))

			_, err = f.store.StartedAt(ctx, "health-1")
			require.ErrorIs(t, err, ErrNoStartMarker)

			require.NoError(t, f.store.Ping(ctx))
		})
	}
}

func TestRedisStoreReportsUnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewRedisStore(rdb, "")
	mr.Close()

	ctx := context.Background()
	require.Error(t, store.Ping(ctx))
	require.Error(t, store.PushSample(ctx, Sample{}, 10))
	_, err := store.RecentSamples(ctx, 10)
	require.Error(t, err)
	_, err = store.ActiveHeartbeatCount(ctx, time.Now())
	require.Error(t, err)
}

func TestMemoryStoreDropsExpiredCounters(t *testing.T) {
	ctx := context.Background()
	clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	s := NewMemoryStore(clk)

	for minute := 0; minute < 30; minute++ {
		_, err := s.IncrementWithExpiry(ctx, fmt.Sprintf("errors:%d", minute), 2*time.Minute)
		require.NoError(t, err)
		clk.Step(time.Minute)
	}
	require.LessOrEqual(t, s.counters.Size(), 2, "only unexpired minutes are kept")

	n, err := s.Counter(ctx, "errors:29")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
