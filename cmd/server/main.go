// Package main provides the entry point for the docmill API server.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/docmill/docmill/domain/chunks"
	"github.com/docmill/docmill/domain/documents"
	"github.com/docmill/docmill/domain/health"
	"github.com/docmill/docmill/domain/ingestion"
	"github.com/docmill/docmill/domain/scheduler"
	"github.com/docmill/docmill/domain/tracing"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/database"
	"github.com/docmill/docmill/internal/server"
	"github.com/docmill/docmill/internal/storage"
	"github.com/docmill/docmill/pkg/embeddings"
	"github.com/docmill/docmill/pkg/logger"
	"github.com/docmill/docmill/pkg/parser"
)

func main() {
	// Load .env files if present (for local development)
	// Order matters: .env.local overrides .env
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		// Logging
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		server.Module,
		storage.Module,

		// Tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
		tracing.Module,

		// Provider clients
		embeddings.Module,
		parser.Module,

		// Domain modules
		health.Module,
		documents.Module,
		chunks.Module,

		// Ingestion pipeline (intake API plus background stage workers)
		ingestion.Module,

		// Scheduler module (cron-based maintenance tasks)
		scheduler.Module,
	).Run()
}
