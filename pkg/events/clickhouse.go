package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/canopy-network/poolscaler/pkg/retry"
	"go.uber.org/zap"
)

// ClickHouseOptions configures the scale event history table.
type ClickHouseOptions struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string
}

// ClickHouseRecorder appends events to a MergeTree table for long-term history.
type ClickHouseRecorder struct {
	conn   driver.Conn
	logger *zap.Logger
	table  string
}

// NewClickHouseRecorder connects, retrying with backoff, and creates the table if needed.
func NewClickHouseRecorder(ctx context.Context, logger *zap.Logger, opts ClickHouseOptions) (*ClickHouseRecorder, error) {
	if opts.Table == "" {
		opts.Table = "scale_events"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}

	var conn driver.Conn
	err := retry.WithBackoff(ctx, retry.ConnectConfig(), logger, "clickhouse_connect", func(ctx context.Context) error {
		c, err := clickhouse.Open(&clickhouse.Options{
			Addr: opts.Addr,
			Auth: clickhouse.Auth{
				Database: opts.Database,
				Username: opts.Username,
				Password: opts.Password,
			},
			DialTimeout: 10 * time.Second,
			Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		})
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return fmt.Errorf("ping clickhouse: %w", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	time DateTime64(3),
	direction LowCardinality(String),
	from_workers UInt16,
	to_workers UInt16,
	queue_depth Int64,
	reason String,
	error String
) ENGINE = MergeTree ORDER BY time`, opts.Table)
	if err := conn.Exec(ctx, ddl); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create %s: %w", opts.Table, err)
	}

	logger.Info("ClickHouse scale event history ready",
		zap.Strings("addr", opts.Addr),
		zap.String("database", opts.Database),
		zap.String("table", opts.Table))

	return &ClickHouseRecorder{conn: conn, logger: logger, table: opts.Table}, nil
}

func (r *ClickHouseRecorder) Record(ctx context.Context, e ScaleEvent) {
	// Worker counts fit UInt16: config caps MaxWorkers at 65535.
	query := fmt.Sprintf("INSERT INTO %s (time, direction, from_workers, to_workers, queue_depth, reason, error) VALUES (?, ?, ?, ?, ?, ?, ?)", r.table)
	err := r.conn.Exec(ctx, query, e.Time, string(e.Direction), uint16(e.From), uint16(e.To), e.QueueDepth, e.Reason, e.Error)
	if err != nil {
		r.logger.Warn("Failed to record scale event in ClickHouse", zap.Error(err))
	}
}

// Close closes the connection.
func (r *ClickHouseRecorder) Close() error {
	return r.conn.Close()
}
