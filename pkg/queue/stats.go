// Package queue reads backlog statistics of the job queue the worker pool drains.
// It never enqueues or dequeues.
package queue

import "context"

// Stats is a point-in-time view of the job queue.
type Stats struct {
	// Depth is the number of jobs waiting to be picked up.
	Depth int64 `json:"depth"`
	// Processing is the number of jobs currently reserved by workers, when known.
	Processing int64 `json:"processing"`
	// Delayed is the number of jobs scheduled for later, when known.
	Delayed int64 `json:"delayed"`
	// Pollers is the number of consumers seen polling the queue, when known.
	Pollers int `json:"pollers"`
}

// StatsProvider is consumed read-only by the autoscaler and the health monitor.
type StatsProvider interface {
	QueueDepth(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}
