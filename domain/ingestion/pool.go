package ingestion

import (
	"context"
	"log/slog"

	"github.com/docmill/docmill/domain/chunks"
	"github.com/docmill/docmill/domain/documents"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/storage"
	"github.com/docmill/docmill/pkg/embeddings"
	"github.com/docmill/docmill/pkg/logger"
	"github.com/docmill/docmill/pkg/parser"
)

// Pool owns the process's worker loops. All workers lease from the same
// queue; FOR UPDATE SKIP LOCKED keeps them from colliding.
type Pool struct {
	workers []*Worker
	log     *slog.Logger
}

// NewPool builds cfg.Pipeline.WorkerCount workers over shared dependencies.
func NewPool(
	store *Store,
	docs *documents.Repository,
	chunkRepo *chunks.Repository,
	blobs *storage.Service,
	converter parser.Converter,
	embed *embeddings.Service,
	cfg *config.Config,
	log *slog.Logger,
) *Pool {
	count := cfg.Pipeline.WorkerCount
	if count < 1 {
		count = 1
	}

	workers := make([]*Worker, 0, count)
	for i := 0; i < count; i++ {
		workers = append(workers, NewWorker(store, docs, chunkRepo, blobs, converter, embed, cfg, log))
	}

	return &Pool{
		workers: workers,
		log:     log.With(logger.Scope("ingestion.pool")),
	}
}

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) error {
	for _, w := range p.workers {
		if err := w.Start(ctx); err != nil {
			return err
		}
	}
	p.log.Info("worker pool started", slog.Int("workers", len(p.workers)))
	return nil
}

// Stop drains every worker, waiting for in-flight jobs to settle.
func (p *Pool) Stop(ctx context.Context) error {
	var firstErr error
	for _, w := range p.workers {
		if err := w.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.log.Info("worker pool stopped")
	return firstErr
}

// Health reports every worker's health.
func (p *Pool) Health(ctx context.Context) []HealthStatus {
	statuses := make([]HealthStatus, 0, len(p.workers))
	for _, w := range p.workers {
		statuses = append(statuses, w.Health(ctx))
	}
	return statuses
}

// Metrics aggregates processed/succeeded/failed counts across workers.
func (p *Pool) Metrics() WorkerMetrics {
	var total WorkerMetrics
	for _, w := range p.workers {
		m := w.Metrics()
		total.Processed += m.Processed
		total.Succeeded += m.Succeeded
		total.Failed += m.Failed
	}
	return total
}
