package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/docmill/docmill/domain/ingestion"
	"github.com/docmill/docmill/pkg/syshealth"
)

// Module provides scheduled maintenance for the ingestion pipeline
var Module = fx.Module("scheduler",
	fx.Provide(
		NewConfig,
		NewScheduler,
	),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams contains dependencies for creating scheduled tasks
type TaskParams struct {
	fx.In
	Scheduler *Scheduler
	Store     *ingestion.Store
	Sys       syshealth.Monitor
	Log       *slog.Logger
	Cfg       *Config
}

// RegisterTasks registers all scheduled tasks
func RegisterTasks(p TaskParams) error {
	if !p.Cfg.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	// Requeue stale working jobs
	sweepTask := NewStaleJobSweepTask(p.Store, p.Log, p.Cfg.StaleJobMinutes)
	if err := addScheduledTask(p.Scheduler, "stale_job_sweep",
		p.Cfg.StaleJobSweepSchedule, p.Cfg.StaleJobSweepInterval, sweepTask.Run); err != nil {
		p.Log.Error("failed to register stale job sweep task",
			slog.String("error", err.Error()))
	}

	// Refresh queue depth gauges
	gaugeTask := NewQueueGaugeRefreshTask(p.Store, p.Log)
	if err := addScheduledTask(p.Scheduler, "queue_gauge_refresh",
		p.Cfg.QueueGaugeRefreshSchedule, p.Cfg.QueueGaugeRefreshInterval, gaugeTask.Run); err != nil {
		p.Log.Error("failed to register queue gauge refresh task",
			slog.String("error", err.Error()))
	}

	// Log pipeline statistics
	statsTask := NewStatsReportTask(p.Store, p.Sys, p.Log)
	if err := addScheduledTask(p.Scheduler, "stats_report",
		p.Cfg.StatsReportSchedule, p.Cfg.StatsReportInterval, statsTask.Run); err != nil {
		p.Log.Error("failed to register stats report task",
			slog.String("error", err.Error()))
	}

	p.Log.Info("registered scheduled tasks",
		slog.Any("tasks", p.Scheduler.ListTasks()))

	return nil
}

// addScheduledTask registers by cron expression when one is configured,
// falling back to the interval.
func addScheduledTask(s *Scheduler, name, schedule string, interval time.Duration, task TaskFunc) error {
	if schedule != "" {
		return s.AddCronTask(name, schedule, task)
	}
	return s.AddIntervalTask(name, interval, task)
}

// RegisterSchedulerLifecycle registers the scheduler with fx lifecycle
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *Config) {
	if !cfg.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}
