package ingestion

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docmill/docmill/domain/chunks"
	"github.com/docmill/docmill/domain/documents"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/storage"
	"github.com/docmill/docmill/pkg/circuit"
	"github.com/docmill/docmill/pkg/logger"
	"github.com/docmill/docmill/pkg/parser"
)

// jobStore is the queue surface the worker drives; *Store satisfies it.
type jobStore interface {
	Lease(ctx context.Context) (*Job, error)
	SetStage(ctx context.Context, jobID uuid.UUID, stage Stage) error
	Advance(ctx context.Context, jobID uuid.UUID, next Stage, done bool) error
	ScheduleRetry(ctx context.Context, job *Job, pe *PipelineError) (time.Time, error)
	Deadletter(ctx context.Context, job *Job, pe *PipelineError) error
	RecoverStale(ctx context.Context, threshold time.Duration) (int, error)
	SetChunkProgress(ctx context.Context, jobID uuid.UUID, total, done int) error
	SetEmbedProgress(ctx context.Context, jobID uuid.UUID, total, done int) error
	Ping(ctx context.Context) error
}

// documentStore is the slice of the documents repository the handlers use.
type documentStore interface {
	GetByID(ctx context.Context, documentID uuid.UUID) (*documents.Document, error)
	FindByParsedHash(ctx context.Context, parsedHash string, excludeID uuid.UUID) (*documents.Document, error)
	UpdateParsedPath(ctx context.Context, documentID uuid.UUID, parsedPath string) error
	UpdateParseResult(ctx context.Context, documentID uuid.UUID, parsedPath, parsedHash string) error
	UpdateStatus(ctx context.Context, documentID uuid.UUID, status string) error
}

// chunkStore is the slice of the chunks repository the handlers use.
type chunkStore interface {
	InsertIfAbsent(ctx context.Context, rows []*chunks.Chunk) (int, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*chunks.Chunk, error)
	UpsertVector(ctx context.Context, chunkID uuid.UUID, model, version string, vector []float32) error
}

// blobStore is the artifact I/O surface; *storage.Service satisfies it.
type blobStore interface {
	Enabled() bool
	Exists(ctx context.Context, key string) (bool, error)
	Upload(ctx context.Context, key string, data io.Reader, size int64, opts storage.UploadOptions) (*storage.UploadResult, error)
	DownloadBytes(ctx context.Context, key string) ([]byte, error)
	GetSignedDownloadURL(ctx context.Context, key string, opts storage.GetSignedDownloadURLOptions) (string, error)
}

// embedder is the embedding client surface the embedding stage uses.
type embedder interface {
	IsEnabled() bool
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelIdentity() (model, version string)
	CircuitState() string
}

// Worker leases ingestion jobs and runs the stage machine over them.
//
// Each worker is a single cooperative loop; parallelism comes from running
// several workers, in-process or across processes. The queue's skip-locked
// lease is the only coordination between them. A worker-level breaker stops
// a worker whose own infrastructure is failing (store unreachable, handler
// outcomes unrecordable) from busy-looping the queue; classified stage
// failures are normal outcomes and do not trip it.
type Worker struct {
	id      string
	store   jobStore
	docs    documentStore
	chunks  chunkStore
	blobs   blobStore
	parse   parser.Converter
	embed   embedder
	breaker *circuit.Breaker
	cfg     *config.Config
	log     *slog.Logger

	terminal  Stage
	namespace uuid.UUID

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex
	wg        sync.WaitGroup

	// Metrics
	processedCount int64
	successCount   int64
	failureCount   int64
	metricsMu      sync.RWMutex
}

// NewWorker creates a worker. Each worker gets its own breaker so one
// stuck loop does not silence its siblings.
func NewWorker(
	store *Store,
	docs *documents.Repository,
	chunkRepo *chunks.Repository,
	blobs *storage.Service,
	converter parser.Converter,
	embed embedder,
	cfg *config.Config,
	log *slog.Logger,
) *Worker {
	id := "worker-" + uuid.NewString()[:8]
	return &Worker{
		id:     id,
		store:  store,
		docs:   docs,
		chunks: chunkRepo,
		blobs:  blobs,
		parse:  converter,
		embed:  embed,
		breaker: circuit.New(id, circuit.Config{
			FailureThreshold: cfg.Pipeline.CircuitFailureThreshold,
			RecoveryTimeout:  cfg.Pipeline.CircuitRecoveryTimeout,
		}, log),
		cfg:       cfg,
		log:       log.With(logger.Scope("ingestion.worker"), slog.String("worker_id", id)),
		terminal:  terminalStage(cfg.Pipeline.TerminalStage),
		namespace: cfg.Pipeline.Namespace(),
	}
}

// terminalStage resolves the configured terminal stage, defaulting to
// embedded when unset or not a pipeline stage.
func terminalStage(name string) Stage {
	if st, ok := ParseStage(name); ok && st.Index() >= 0 {
		return st
	}
	return StageEmbedded
}

// ID returns the worker's process-unique identifier.
func (w *Worker) ID() string {
	return w.id
}

// Start begins the worker's polling loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.mu.Unlock()

	// Return jobs orphaned by a previous process before taking new ones
	go w.recoverStaleJobsOnStartup(ctx)

	w.log.Info("ingestion worker starting",
		slog.Duration("poll_interval", w.cfg.Pipeline.PollInterval),
		slog.String("terminal_stage", string(w.terminal)))

	w.wg.Add(1)
	go w.run(ctx)

	return nil
}

// Stop gracefully stops the worker between stage handlers.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.log.Debug("waiting for ingestion worker to stop...")

	select {
	case <-w.stoppedCh:
		w.log.Info("ingestion worker stopped gracefully")
	case <-ctx.Done():
		w.log.Warn("ingestion worker stop timeout, forcing shutdown")
	}

	return nil
}

// IsRunning returns whether the worker is currently running.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// CircuitOpen reports whether the worker-level breaker is open.
func (w *Worker) CircuitOpen() bool {
	return w.breaker.Open()
}

func (w *Worker) recoverStaleJobsOnStartup(ctx context.Context) {
	recovered, err := w.store.RecoverStale(ctx, w.staleThreshold())
	if err != nil {
		w.log.Warn("failed to recover stale jobs on startup", logger.Error(err))
		return
	}
	if recovered > 0 {
		w.log.Info("recovered stale ingestion jobs on startup", slog.Int("count", recovered))
	}
}

// staleThreshold is how long a job may sit in 'working' before recovery
// treats its lease as dead.
func (w *Worker) staleThreshold() time.Duration {
	return 10 * time.Minute
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.stoppedCh)

	ticker := time.NewTicker(w.cfg.Pipeline.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain leases and processes jobs until the queue is empty, the breaker
// refuses, or the worker is asked to stop.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		leased, err := w.poll(ctx)
		if err != nil {
			if !circuit.IsOpen(err) {
				w.log.Warn("worker poll failed", logger.Error(err))
			}
			return
		}
		if !leased {
			return
		}
	}
}

// poll runs one breaker-gated lease/process cycle. leased is false when the
// queue was empty. The returned error covers loop-level failures only:
// classified stage failures are recorded on the job and count as success.
func (w *Worker) poll(ctx context.Context) (bool, error) {
	leased := false
	err := w.breaker.Execute(func() error {
		job, err := w.store.Lease(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		leased = true
		return w.processJob(ctx, job)
	})
	return leased, err
}

// incrementSuccess increments both processed and success counters
func (w *Worker) incrementSuccess() {
	w.metricsMu.Lock()
	w.processedCount++
	w.successCount++
	w.metricsMu.Unlock()
}

// incrementFailure increments both processed and failure counters
func (w *Worker) incrementFailure() {
	w.metricsMu.Lock()
	w.processedCount++
	w.failureCount++
	w.metricsMu.Unlock()
}

// WorkerMetrics contains point-in-time worker counters.
type WorkerMetrics struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Metrics returns current worker metrics.
func (w *Worker) Metrics() WorkerMetrics {
	w.metricsMu.RLock()
	defer w.metricsMu.RUnlock()

	return WorkerMetrics{
		Processed: w.processedCount,
		Succeeded: w.successCount,
		Failed:    w.failureCount,
	}
}

// ComponentHealth is the per-dependency status in a worker health report.
type ComponentHealth string

const (
	ComponentHealthy   ComponentHealth = "healthy"
	ComponentUnhealthy ComponentHealth = "unhealthy"
	ComponentUnknown   ComponentHealth = "unknown"
)

// HealthStatus is the worker health report.
type HealthStatus struct {
	Status      string                     `json:"status"`
	WorkerID    string                     `json:"worker_id"`
	Running     bool                       `json:"running"`
	CircuitOpen bool                       `json:"circuit_open"`
	Components  map[string]ComponentHealth `json:"components"`
}

// Health reports the worker's view of itself and its dependencies.
func (w *Worker) Health(ctx context.Context) HealthStatus {
	components := map[string]ComponentHealth{
		"job_store":  ComponentHealthy,
		"blob_store": ComponentUnknown,
		"parser":     ComponentHealthy,
		"embedding":  ComponentUnknown,
	}

	if err := w.store.Ping(ctx); err != nil {
		components["job_store"] = ComponentUnhealthy
	}

	if w.blobs.Enabled() {
		components["blob_store"] = ComponentHealthy
	}

	// The HTTP parser client knows its upstream; the simulated converter
	// is local and cannot fail.
	if hc, ok := w.parse.(interface {
		Health(ctx context.Context) *parser.Health
	}); ok {
		if h := hc.Health(ctx); !h.Healthy {
			components["parser"] = ComponentUnhealthy
		}
	}

	if w.embed.IsEnabled() {
		components["embedding"] = ComponentHealthy
		if w.embed.CircuitState() == "open" {
			components["embedding"] = ComponentUnhealthy
		}
	}

	status := "ok"
	circuitOpen := w.breaker.Open()
	if circuitOpen || components["job_store"] == ComponentUnhealthy {
		status = "degraded"
	}
	if !w.IsRunning() {
		status = "stopped"
	}

	return HealthStatus{
		Status:      status,
		WorkerID:    w.id,
		Running:     w.IsRunning(),
		CircuitOpen: circuitOpen,
		Components:  components,
	}
}
