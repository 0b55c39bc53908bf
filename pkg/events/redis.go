package events

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/canopy-network/poolscaler/pkg/redis"
	"go.uber.org/zap"
)

const (
	DefaultChannel = "autoscaler:events"
	DefaultStream  = "autoscaler:events:history"
)

// RedisRecorder publishes each event on a Pub/Sub channel and appends it to a capped
// stream so recent history survives without subscribers.
type RedisRecorder struct {
	client  *redis.Client
	logger  *zap.Logger
	channel string
	stream  string
}

// NewRedisRecorder uses DefaultChannel and DefaultStream.
func NewRedisRecorder(client *redis.Client, logger *zap.Logger) *RedisRecorder {
	return &RedisRecorder{client: client, logger: logger, channel: DefaultChannel, stream: DefaultStream}
}

func (r *RedisRecorder) Record(ctx context.Context, e ScaleEvent) {
	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Warn("encode scale event", zap.Error(err))
		return
	}
	r.client.Publish(ctx, r.channel, payload)
	r.client.XAdd(ctx, r.stream, map[string]interface{}{
		"direction":   string(e.Direction),
		"from":        strconv.Itoa(e.From),
		"to":          strconv.Itoa(e.To),
		"queue_depth": strconv.FormatInt(e.QueueDepth, 10),
		"reason":      e.Reason,
		"error":       e.Error,
		"time":        strconv.FormatInt(e.Time.UnixMilli(), 10),
	})
}
