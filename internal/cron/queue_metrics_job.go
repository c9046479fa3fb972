package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/eventrelay/pkg/enums"
	"github.com/angelmondragon/eventrelay/pkg/logger"
	"github.com/angelmondragon/eventrelay/pkg/outbox/monitor"
)

type queueCollector interface {
	CollectMetrics(ctx context.Context) (monitor.QueueMetrics, error)
}

// NewQueueMetricsJob snapshots both tables; the monitor forwards each snapshot
// to its sink.
func NewQueueMetricsJob(logg *logger.Logger, collector queueCollector) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if collector == nil {
		return nil, fmt.Errorf("queue monitor required")
	}
	return &queueMetricsJob{logg: logg, collector: collector}, nil
}

type queueMetricsJob struct {
	logg      *logger.Logger
	collector queueCollector
}

func (j *queueMetricsJob) Name() string { return "outbox-queue-metrics" }

func (j *queueMetricsJob) Run(ctx context.Context) error {
	m, err := j.collector.CollectMetrics(ctx)
	if err != nil {
		return fmt.Errorf("collect queue metrics: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"pending":             m.StatusCounts[enums.OutboxStatusPending],
		"processing":          m.StatusCounts[enums.OutboxStatusProcessing],
		"dead_letter":         m.StatusCounts[enums.OutboxStatusDeadLetter],
		"stuck":               m.StuckCount,
		"pending_p95_seconds": m.PendingAge.P95.Seconds(),
		"inbox_stale":         m.InboxStale,
	})
	if m.StuckCount > 0 || m.StatusCounts[enums.OutboxStatusDeadLetter] > 0 {
		j.logg.Warn(logCtx, "outbox queue needs attention")
		return nil
	}
	j.logg.Debug(logCtx, "outbox queue metrics collected")
	return nil
}
