// Package metrics holds the shared store the health monitor reads and writes:
// the request-outcome sliding window, per-minute error counters, worker heartbeats and
// the monitor start marker.
//
// Implementations must make PushSample's append and trim one atomic unit, so the window
// never exceeds its capacity under concurrent writers, and must make
// IncrementWithExpiry's increment and TTL one atomic unit.
package metrics

import (
	"context"
	"errors"
	"time"
)

// ErrNoStartMarker is returned by StartedAt when no start marker has been written.
var ErrNoStartMarker = errors.New("metrics: start marker not set")

// Sample is the outcome of one completed unit of work.
type Sample struct {
	Success         bool      `json:"success"`
	DurationSeconds float64   `json:"duration"`
	ObservedAt      time.Time `json:"observed_at"`
}

// Store is the shared metrics store.
type Store interface {
	// PushSample prepends s to the window and trims it to capacity entries.
	PushSample(ctx context.Context, s Sample, capacity int) error
	// RecentSamples returns up to n samples, newest first.
	RecentSamples(ctx context.Context, n int) ([]Sample, error)
	// IncrementWithExpiry increments the counter at key and (re)sets its TTL.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Counter reads a counter; missing or expired counters read as zero.
	Counter(ctx context.Context, key string) (int64, error)
	// SetHeartbeat records that workerID was alive at the given time.
	SetHeartbeat(ctx context.Context, workerID string, at time.Time) error
	// ActiveHeartbeatCount counts workers whose last heartbeat is strictly after since.
	ActiveHeartbeatCount(ctx context.Context, since time.Time) (int, error)
	// MarkStarted persists the monitor start time for instance.
	MarkStarted(ctx context.Context, instance string, at time.Time) error
	// StartedAt reads the start time for instance, or ErrNoStartMarker.
	StartedAt(ctx context.Context, instance string) (time.Time, error)
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
