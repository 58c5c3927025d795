package ingestion

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the ingestion pipeline: intake, job store, and workers.
var Module = fx.Module("ingestion",
	fx.Provide(
		NewStore,
		NewIntake,
		NewPool,
		NewHandler,
	),
	fx.Invoke(
		RegisterRoutes,
		RegisterPoolLifecycle,
	),
)

// RegisterPoolLifecycle starts the worker pool with the fx lifecycle.
func RegisterPoolLifecycle(lc fx.Lifecycle, pool *Pool) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Use context.Background() - fx lifecycle context has a 15s timeout
			return pool.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return pool.Stop(ctx)
		},
	})
}
