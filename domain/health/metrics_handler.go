package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

// MetricsHandler serves queue statistics as JSON for human consumption.
// Prometheus scrapes get the same numbers from /metrics.
type MetricsHandler struct {
	db *bun.DB
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(db *bun.DB) *MetricsHandler {
	return &MetricsHandler{
		db: db,
	}
}

// QueueMetrics summarizes the ingestion job queue by state and stage.
type QueueMetrics struct {
	Queued      int64            `json:"queued"`
	Working     int64            `json:"working"`
	Retryable   int64            `json:"retryable"`
	Done        int64            `json:"done"`
	Deadletter  int64            `json:"deadletter"`
	Total       int64            `json:"total"`
	LastHour    int64            `json:"last_hour"`
	Last24Hours int64            `json:"last_24_hours"`
	ByStage     map[string]int64 `json:"by_stage"`
}

// DocumentMetrics summarizes documents by status.
type DocumentMetrics struct {
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// ChunkMetrics summarizes chunk and embedding counts.
type ChunkMetrics struct {
	Total    int64 `json:"total"`
	Embedded int64 `json:"embedded"`
}

// PipelineMetrics is the full /api/metrics/jobs payload.
type PipelineMetrics struct {
	Queue     QueueMetrics    `json:"queue"`
	Documents DocumentMetrics `json:"documents"`
	Chunks    ChunkMetrics    `json:"chunks"`
	Timestamp string          `json:"timestamp"`
}

// JobMetrics returns queue, document, and chunk counts
func (h *MetricsHandler) JobMetrics(c echo.Context) error {
	ctx := c.Request().Context()

	queue, err := h.queueMetrics(ctx)
	if err != nil {
		return err
	}

	docs, err := h.documentMetrics(ctx)
	if err != nil {
		return err
	}

	chunks, err := h.chunkMetrics(ctx)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, PipelineMetrics{
		Queue:     *queue,
		Documents: *docs,
		Chunks:    *chunks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// queueMetrics counts ingestion jobs by state, admission window, and stage.
func (h *MetricsHandler) queueMetrics(ctx context.Context) (*QueueMetrics, error) {
	var counts struct {
		Queued      int64 `bun:"queued"`
		Working     int64 `bun:"working"`
		Retryable   int64 `bun:"retryable"`
		Done        int64 `bun:"done"`
		Deadletter  int64 `bun:"deadletter"`
		Total       int64 `bun:"total"`
		LastHour    int64 `bun:"last_hour"`
		Last24Hours int64 `bun:"last_24_hours"`
	}

	err := h.db.NewRaw(`
		SELECT
			COUNT(*) FILTER (WHERE state = 'queued') as queued,
			COUNT(*) FILTER (WHERE state = 'working') as working,
			COUNT(*) FILTER (WHERE state = 'retryable') as retryable,
			COUNT(*) FILTER (WHERE state = 'done') as done,
			COUNT(*) FILTER (WHERE state = 'deadletter') as deadletter,
			COUNT(*) as total,
			COUNT(*) FILTER (WHERE created_at > NOW() - INTERVAL '1 hour') as last_hour,
			COUNT(*) FILTER (WHERE created_at > NOW() - INTERVAL '24 hours') as last_24_hours
		FROM ingestion_jobs`).Scan(ctx, &counts)
	if err != nil {
		return nil, err
	}

	var stages []struct {
		Stage string `bun:"stage"`
		Count int64  `bun:"count"`
	}
	err = h.db.NewRaw(`SELECT stage, COUNT(*) as count FROM ingestion_jobs GROUP BY stage`).
		Scan(ctx, &stages)
	if err != nil {
		return nil, err
	}

	byStage := make(map[string]int64, len(stages))
	for _, s := range stages {
		byStage[s.Stage] = s.Count
	}

	return &QueueMetrics{
		Queued:      counts.Queued,
		Working:     counts.Working,
		Retryable:   counts.Retryable,
		Done:        counts.Done,
		Deadletter:  counts.Deadletter,
		Total:       counts.Total,
		LastHour:    counts.LastHour,
		Last24Hours: counts.Last24Hours,
		ByStage:     byStage,
	}, nil
}

// documentMetrics counts documents by status.
func (h *MetricsHandler) documentMetrics(ctx context.Context) (*DocumentMetrics, error) {
	var counts struct {
		Processing int64 `bun:"processing"`
		Completed  int64 `bun:"completed"`
		Failed     int64 `bun:"failed"`
		Total      int64 `bun:"total"`
	}

	err := h.db.NewRaw(`
		SELECT
			COUNT(*) FILTER (WHERE status = 'processing') as processing,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status LIKE 'failed_%') as failed,
			COUNT(*) as total
		FROM documents`).Scan(ctx, &counts)
	if err != nil {
		return nil, err
	}

	return &DocumentMetrics{
		Processing: counts.Processing,
		Completed:  counts.Completed,
		Failed:     counts.Failed,
		Total:      counts.Total,
	}, nil
}

// chunkMetrics counts chunks and how many carry a vector.
func (h *MetricsHandler) chunkMetrics(ctx context.Context) (*ChunkMetrics, error) {
	var counts struct {
		Total    int64 `bun:"total"`
		Embedded int64 `bun:"embedded"`
	}

	err := h.db.NewRaw(`
		SELECT
			COUNT(*) as total,
			COUNT(embedding) as embedded
		FROM document_chunks`).Scan(ctx, &counts)
	if err != nil {
		return nil, err
	}

	return &ChunkMetrics{Total: counts.Total, Embedded: counts.Embedded}, nil
}
