package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/poolscaler/pkg/retry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStreamMaxLen caps streams written through XAdd.
const DefaultStreamMaxLen = 1000

// Options configures the connection.
type Options struct {
	Host         string
	Port         string
	Password     string
	DB           int
	StreamMaxLen int64
}

// Client wraps the go-redis client shared by the metrics store, queue stats and event stream.
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64
}

// NewClient dials Redis and pings it, retrying with backoff until the context or the
// attempts run out.
func NewClient(ctx context.Context, logger *zap.Logger, opts Options) (*Client, error) {
	addr := fmt.Sprintf("%s:%s", opts.Host, opts.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	err := retry.WithBackoff(ctx, retry.ConnectConfig(), logger, "redis_connect", func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", opts.DB))

	return Wrap(rdb, logger, opts.StreamMaxLen), nil
}

// Wrap adopts an existing go-redis client.
func Wrap(rdb *redis.Client, logger *zap.Logger, streamMaxLen int64) *Client {
	if streamMaxLen <= 0 {
		streamMaxLen = DefaultStreamMaxLen
	}
	return &Client{client: rdb, logger: logger, streamMaxLen: streamMaxLen}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// GetClient returns the underlying Redis client.
func (c *Client) GetClient() *redis.Client {
	return c.client
}

// Publish publishes a message to a Pub/Sub channel.
// Best-effort: errors are logged, not returned.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// XAdd appends an entry to a stream capped at the configured length (approximate trim).
// Best-effort: returns "" on failure.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) string {
	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
		MaxLen: c.streamMaxLen,
		Approx: true,
	}).Result()
	if err != nil {
		c.logger.Warn("Failed to add to Redis stream",
			zap.String("stream", stream),
			zap.Error(err))
		return ""
	}
	return id
}

// Health checks if Redis is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
