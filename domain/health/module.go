package health

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/docmill/docmill/pkg/syshealth"
)

var Module = fx.Module("health",
	fx.Provide(
		NewSystemMonitor,
		NewHandler,
		NewMetricsHandler,
	),
	fx.Invoke(
		RegisterRoutes,
		RegisterMonitorLifecycle,
	),
)

// NewSystemMonitor builds the background system health monitor that feeds
// /health, /debug, and the scheduler's pressure logging.
func NewSystemMonitor(db *bun.DB, log *slog.Logger) syshealth.Monitor {
	return syshealth.NewMonitor(syshealth.DefaultConfig(), db, log)
}

// RegisterMonitorLifecycle starts the monitor with the fx lifecycle.
func RegisterMonitorLifecycle(lc fx.Lifecycle, sys syshealth.Monitor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sys.Start()
		},
		OnStop: func(ctx context.Context) error {
			return sys.Stop()
		},
	})
}
