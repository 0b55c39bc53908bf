package temporal

import (
	"context"
	"fmt"

	"github.com/canopy-network/poolscaler/pkg/queue"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// Options configures the Temporal connection used for backlog reads.
type Options struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

type taskQueueDescriber interface {
	DescribeTaskQueueEnhanced(ctx context.Context, options client.DescribeTaskQueueEnhancedOptions) (client.TaskQueueDescription, error)
}

// QueueStats reports the backlog of a Temporal task queue as queue depth, for pools whose
// workers are Temporal workers.
type QueueStats struct {
	describer taskQueueDescriber
	taskQueue string
	closer    func()
}

var _ queue.StatsProvider = (*QueueStats)(nil)

// NewQueueStats dials Temporal and checks its health.
func NewQueueStats(ctx context.Context, logger *zap.Logger, opts Options) (*QueueStats, error) {
	logger.Info("Connecting to Temporal",
		zap.String("host", opts.HostPort),
		zap.String("namespace", opts.Namespace),
		zap.String("task_queue", opts.TaskQueue))

	c, err := client.DialContext(ctx, client.Options{
		HostPort:  opts.HostPort,
		Namespace: opts.Namespace,
		Logger:    NewZapAdapter(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	if _, err := c.CheckHealth(ctx, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("temporal health: %w", err)
	}

	return &QueueStats{describer: c, taskQueue: opts.TaskQueue, closer: c.Close}, nil
}

// QueueDepth implements queue.StatsProvider.
func (q *QueueStats) QueueDepth(ctx context.Context) (int64, error) {
	s, err := q.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return s.Depth, nil
}

// Stats sums workflow and activity backlog across versions.
func (q *QueueStats) Stats(ctx context.Context) (queue.Stats, error) {
	desc, err := q.describer.DescribeTaskQueueEnhanced(ctx, client.DescribeTaskQueueEnhancedOptions{
		TaskQueue: q.taskQueue,
		TaskQueueTypes: []client.TaskQueueType{
			client.TaskQueueTypeWorkflow,
			client.TaskQueueTypeActivity,
		},
		ReportPollers: true,
		ReportStats:   true,
	})
	if err != nil {
		return queue.Stats{}, fmt.Errorf("describe task queue %s: %w", q.taskQueue, err)
	}

	var out queue.Stats
	//nolint:staticcheck // VersionsInfo is the only place backlog stats are reported per type
	for _, versionInfo := range desc.VersionsInfo {
		for _, tqType := range []client.TaskQueueType{client.TaskQueueTypeWorkflow, client.TaskQueueTypeActivity} {
			info, ok := versionInfo.TypesInfo[tqType]
			if !ok {
				continue
			}
			if tqType == client.TaskQueueTypeWorkflow {
				out.Pollers += len(info.Pollers)
			}
			if info.Stats != nil {
				out.Depth += info.Stats.ApproximateBacklogCount
			}
		}
	}
	return out, nil
}

// Close releases the Temporal connection.
func (q *QueueStats) Close() {
	if q.closer != nil {
		q.closer()
	}
}
