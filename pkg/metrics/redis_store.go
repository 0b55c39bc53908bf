package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by the health monitor.
const DefaultKeyPrefix = "health"

// RedisStore keeps the metrics in Redis:
//
//	<prefix>:samples          list, newest first, LPUSH+LTRIM in one MULTI
//	<prefix>:<counter key>    string counter, INCR+EXPIRE in one MULTI
//	<prefix>:heartbeats       sorted set, member=worker id, score=unix seconds
//	<prefix>:started:<inst>   unix milliseconds
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a store writing under prefix (DefaultKeyPrefix when empty).
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// PushSample implements Store.
func (s *RedisStore) PushSample(ctx context.Context, sample Sample, capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("invalid window capacity %d", capacity)
	}
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	key := s.key("samples")
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(capacity-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("push sample: %w", err)
	}
	return nil
}

// RecentSamples implements Store.
func (s *RedisStore) RecentSamples(ctx context.Context, n int) ([]Sample, error) {
	if n < 1 {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, s.key("samples"), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	out := make([]Sample, 0, len(raw))
	for _, r := range raw {
		var sample Sample
		if err := json.Unmarshal([]byte(r), &sample); err != nil {
			// a corrupt entry is dropped rather than poisoning the whole window
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}

// IncrementWithExpiry implements Store.
func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := s.key(key)
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", k, err)
	}
	return incr.Val(), nil
}

// Counter implements Store.
func (s *RedisStore) Counter(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, s.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	return n, nil
}

// SetHeartbeat implements Store.
func (s *RedisStore) SetHeartbeat(ctx context.Context, workerID string, at time.Time) error {
	err := s.rdb.ZAdd(ctx, s.key("heartbeats"), redis.Z{Score: unixSeconds(at), Member: workerID}).Err()
	if err != nil {
		return fmt.Errorf("set heartbeat %s: %w", workerID, err)
	}
	return nil
}

// ActiveHeartbeatCount implements Store.
func (s *RedisStore) ActiveHeartbeatCount(ctx context.Context, since time.Time) (int, error) {
	lower := "(" + strconv.FormatFloat(unixSeconds(since), 'f', 3, 64)
	n, err := s.rdb.ZCount(ctx, s.key("heartbeats"), lower, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count heartbeats: %w", err)
	}
	return int(n), nil
}

// MarkStarted implements Store.
func (s *RedisStore) MarkStarted(ctx context.Context, instance string, at time.Time) error {
	if err := s.rdb.Set(ctx, s.key("started", instance), at.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	return nil
}

// StartedAt implements Store.
func (s *RedisStore) StartedAt(ctx context.Context, instance string) (time.Time, error) {
	ms, err := s.rdb.Get(ctx, s.key("started", instance)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrNoStartMarker
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read start marker: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
