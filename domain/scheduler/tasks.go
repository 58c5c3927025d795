package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docmill/docmill/domain/ingestion"
	"github.com/docmill/docmill/pkg/logger"
	"github.com/docmill/docmill/pkg/syshealth"
)

// jobQueue is the slice of the ingestion store the maintenance tasks use;
// *ingestion.Store satisfies it.
type jobQueue interface {
	RecoverStale(ctx context.Context, threshold time.Duration) (int, error)
	Stats(ctx context.Context) (*ingestion.QueueStats, error)
}

// StaleJobSweepTask returns working jobs whose lease outlived the threshold
// to the queue. Workers run the same recovery once at startup; the sweep
// covers leases lost while the process keeps running.
type StaleJobSweepTask struct {
	queue jobQueue
	log   *slog.Logger

	mu               sync.RWMutex
	thresholdMinutes int
}

// NewStaleJobSweepTask creates a new stale job sweep task
func NewStaleJobSweepTask(store *ingestion.Store, log *slog.Logger, thresholdMinutes int) *StaleJobSweepTask {
	if thresholdMinutes <= 0 {
		thresholdMinutes = 10
	}
	return &StaleJobSweepTask{
		queue:            store,
		log:              log.With(logger.Scope("scheduler.stale_job_sweep")),
		thresholdMinutes: thresholdMinutes,
	}
}

// SetThresholdMinutes updates the stale threshold at runtime.
func (t *StaleJobSweepTask) SetThresholdMinutes(minutes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thresholdMinutes = minutes
}

// ThresholdMinutes returns the current stale threshold.
func (t *StaleJobSweepTask) ThresholdMinutes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.thresholdMinutes
}

// Run executes the stale job sweep
func (t *StaleJobSweepTask) Run(ctx context.Context) error {
	start := time.Now()

	t.mu.RLock()
	threshold := time.Duration(t.thresholdMinutes) * time.Minute
	t.mu.RUnlock()

	count, err := t.queue.RecoverStale(ctx, threshold)
	if err != nil {
		t.log.Error("stale job sweep failed",
			slog.String("error", err.Error()))
		return err
	}

	if count > 0 {
		t.log.Info("requeued stale jobs",
			slog.Int("count", count),
			slog.Duration("threshold", threshold),
			slog.Duration("duration", time.Since(start)))
	} else {
		t.log.Debug("no stale jobs to requeue",
			slog.Duration("duration", time.Since(start)))
	}

	return nil
}

// QueueGaugeRefreshTask publishes queue depth counts as prometheus gauges.
type QueueGaugeRefreshTask struct {
	queue jobQueue
	log   *slog.Logger
}

// NewQueueGaugeRefreshTask creates a new queue gauge refresh task
func NewQueueGaugeRefreshTask(store *ingestion.Store, log *slog.Logger) *QueueGaugeRefreshTask {
	return &QueueGaugeRefreshTask{
		queue: store,
		log:   log.With(logger.Scope("scheduler.queue_gauges")),
	}
}

// Run executes the queue gauge refresh
func (t *QueueGaugeRefreshTask) Run(ctx context.Context) error {
	stats, err := t.queue.Stats(ctx)
	if err != nil {
		t.log.Error("failed to refresh queue gauges",
			slog.String("error", err.Error()))
		return err
	}

	ingestion.SetQueueGauges(stats)

	t.log.Debug("queue gauges refreshed",
		slog.Int64("depth", stats.Depth()),
		slog.Int64("working", stats.Working))
	return nil
}

// StatsReportTask logs a periodic pipeline and system summary.
type StatsReportTask struct {
	queue jobQueue
	sys   syshealth.Monitor
	log   *slog.Logger
}

// NewStatsReportTask creates a new stats report task
func NewStatsReportTask(store *ingestion.Store, sys syshealth.Monitor, log *slog.Logger) *StatsReportTask {
	return &StatsReportTask{
		queue: store,
		sys:   sys,
		log:   log.With(logger.Scope("scheduler.stats_report")),
	}
}

// Run executes the stats report
func (t *StatsReportTask) Run(ctx context.Context) error {
	stats, err := t.queue.Stats(ctx)
	if err != nil {
		t.log.Error("failed to collect pipeline stats",
			slog.String("error", err.Error()))
		return err
	}

	system := t.sys.GetHealth()

	t.log.Info("pipeline statistics",
		slog.Int64("queued", stats.Queued),
		slog.Int64("working", stats.Working),
		slog.Int64("retryable", stats.Retryable),
		slog.Int64("done", stats.Done),
		slog.Int64("deadletter", stats.Deadletter),
		slog.Int64("depth", stats.Depth()),
		slog.Int("system_score", system.Score),
		slog.String("system_zone", string(system.Zone)))
	return nil
}
