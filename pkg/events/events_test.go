package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/canopy-network/poolscaler/pkg/redis"
)

type captureRecorder struct{ got []ScaleEvent }

func (c *captureRecorder) Record(_ context.Context, e ScaleEvent) { c.got = append(c.got, e) }

func TestMultiFansOut(t *testing.T) {
	a, b := &captureRecorder{}, &captureRecorder{}
	m := Multi{a, Nop{}, b}

	e := ScaleEvent{Direction: DirectionUp, From: 2, To: 4}
	m.Record(context.Background(), e)

	require.Equal(t, []ScaleEvent{e}, a.got)
	require.Equal(t, []ScaleEvent{e}, b.got)
}

func TestLogRecorderLevels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := Log{Logger: zap.New(core)}

	l.Record(context.Background(), ScaleEvent{Direction: DirectionUp, From: 2, To: 4})
	l.Record(context.Background(), ScaleEvent{Direction: DirectionDown, From: 4, To: 2, Error: "timeout"})

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.WarnLevel, entries[1].Level)
	require.Equal(t, "timeout", entries[1].ContextMap()["error"])
}

func TestRedisRecorderPublishesAndAppends(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, DefaultChannel)
	defer func() { _ = sub.Close() }()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	rec := NewRedisRecorder(redis.Wrap(rdb, zaptest.NewLogger(t), 0), zaptest.NewLogger(t))
	e := ScaleEvent{
		Time:       time.UnixMilli(1_700_000_000_000),
		Direction:  DirectionDown,
		From:       6,
		To:         4,
		QueueDepth: 3,
		Reason:     "queue below 10 for 5m0s",
	}
	rec.Record(ctx, e)

	select {
	case msg := <-sub.Channel():
		var got ScaleEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		require.Equal(t, e.To, got.To)
		require.Equal(t, e.Direction, got.Direction)
	case <-time.After(2 * time.Second):
		t.Fatal("no scale event published")
	}

	entries, err := rdb.XRange(ctx, DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "4", entries[0].Values["to"])
	require.Equal(t, "down", entries[0].Values["direction"])
}
