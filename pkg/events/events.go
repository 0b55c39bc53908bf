// Package events records the autoscaler's resize attempts. Recording is best-effort and
// never affects the scaling decision.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Direction of a resize.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ScaleEvent describes one resize attempt.
type ScaleEvent struct {
	Time       time.Time `json:"time"`
	Direction  Direction `json:"direction"`
	From       int       `json:"from"`
	To         int       `json:"to"`
	QueueDepth int64     `json:"queue_depth"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
}

// Succeeded reports whether the controller accepted the resize.
func (e ScaleEvent) Succeeded() bool { return e.Error == "" }

// Recorder receives scale events.
type Recorder interface {
	Record(ctx context.Context, e ScaleEvent)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, ScaleEvent) {}

// Multi fans an event out to every recorder.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e ScaleEvent) {
	for _, r := range m {
		r.Record(ctx, e)
	}
}

// Log writes events to a zap logger.
type Log struct{ Logger *zap.Logger }

func (l Log) Record(_ context.Context, e ScaleEvent) {
	fields := []zap.Field{
		zap.String("direction", string(e.Direction)),
		zap.Int("from", e.From),
		zap.Int("to", e.To),
		zap.Int64("queue_depth", e.QueueDepth),
		zap.String("reason", e.Reason),
	}
	if e.Succeeded() {
		l.Logger.Info("scale event", fields...)
		return
	}
	l.Logger.Warn("scale event failed", append(fields, zap.String("error", e.Error))...)
}
