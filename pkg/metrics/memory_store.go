package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"k8s.io/utils/clock"
)

type counter struct {
	n       int64
	expires time.Time
}

// MemoryStore is a single-process Store. It backs METRICS_STORE=memory and tests.
type MemoryStore struct {
	clock clock.PassiveClock

	mu      sync.Mutex
	samples []Sample // newest first

	counters   *xsync.Map[string, counter]
	heartbeats *xsync.Map[string, time.Time]
	starts     *xsync.Map[string, time.Time]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. A nil clock means wall time.
func NewMemoryStore(clk clock.PassiveClock) *MemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryStore{
		clock:      clk,
		counters:   xsync.NewMap[string, counter](),
		heartbeats: xsync.NewMap[string, time.Time](),
		starts:     xsync.NewMap[string, time.Time](),
	}
}

// PushSample implements Store.
func (m *MemoryStore) PushSample(_ context.Context, s Sample, capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("invalid window capacity %d", capacity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append([]Sample{s}, m.samples...)
	if len(m.samples) > capacity {
		m.samples = m.samples[:capacity]
	}
	return nil
}

// RecentSamples implements Store.
func (m *MemoryStore) RecentSamples(_ context.Context, n int) ([]Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.samples) {
		n = len(m.samples)
	}
	if n < 1 {
		return nil, nil
	}
	out := make([]Sample, n)
	copy(out, m.samples[:n])
	return out, nil
}

// IncrementWithExpiry implements Store.
func (m *MemoryStore) IncrementWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := m.clock.Now()
	v, _ := m.counters.Compute(key, func(old counter, loaded bool) (counter, xsync.ComputeOp) {
		if !loaded || !now.Before(old.expires) {
			old = counter{}
		}
		old.n++
		old.expires = now.Add(ttl)
		return old, xsync.UpdateOp
	})
	m.sweepCounters(now)
	return v.n, nil
}

// sweepCounters drops expired counters so per-minute keys do not accumulate.
func (m *MemoryStore) sweepCounters(now time.Time) {
	m.counters.Range(func(key string, c counter) bool {
		if !now.Before(c.expires) {
			m.counters.Compute(key, func(old counter, loaded bool) (counter, xsync.ComputeOp) {
				if loaded && !now.Before(old.expires) {
					return old, xsync.DeleteOp
				}
				return old, xsync.CancelOp
			})
		}
		return true
	})
}

// Counter implements Store.
func (m *MemoryStore) Counter(_ context.Context, key string) (int64, error) {
	c, ok := m.counters.Load(key)
	if !ok || !m.clock.Now().Before(c.expires) {
		return 0, nil
	}
	return c.n, nil
}

// SetHeartbeat implements Store.
func (m *MemoryStore) SetHeartbeat(_ context.Context, workerID string, at time.Time) error {
	m.heartbeats.Store(workerID, at)
	return nil
}

// ActiveHeartbeatCount implements Store.
func (m *MemoryStore) ActiveHeartbeatCount(_ context.Context, since time.Time) (int, error) {
	n := 0
	m.heartbeats.Range(func(_ string, at time.Time) bool {
		if at.After(since) {
			n++
		}
		return true
	})
	return n, nil
}

// MarkStarted implements Store.
func (m *MemoryStore) MarkStarted(_ context.Context, instance string, at time.Time) error {
	m.starts.Store(instance, at)
	return nil
}

// StartedAt implements Store.
func (m *MemoryStore) StartedAt(_ context.Context, instance string) (time.Time, error) {
	at, ok := m.starts.Load(instance)
	if !ok {
		return time.Time{}, ErrNoStartMarker
	}
	return at, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }
