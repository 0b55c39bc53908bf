package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueKey is the pending-jobs list.
const DefaultQueueKey = "queue:jobs"

// RedisStats reads a Redis list based queue:
//
//	<key>             list of pending jobs
//	<key>:processing  list of reserved jobs
//	<key>:delayed     sorted set of delayed jobs
type RedisStats struct {
	rdb *redis.Client
	key string
}

var _ StatsProvider = (*RedisStats)(nil)

// NewRedisStats returns a provider for the queue stored at key.
func NewRedisStats(rdb *redis.Client, key string) *RedisStats {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisStats{rdb: rdb, key: key}
}

// QueueDepth returns the pending list length.
func (q *RedisStats) QueueDepth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth %s: %w", q.key, err)
	}
	return n, nil
}

// Stats reads all three structures in one round-trip.
func (q *RedisStats) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.key)
	processing := pipe.LLen(ctx, q.key+":processing")
	delayed := pipe.ZCard(ctx, q.key+":delayed")
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats %s: %w", q.key, err)
	}
	return Stats{
		Depth:      pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
	}, nil
}
