package ingestion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/pkg/logger"
)

// maxRetryDelay caps the exponential backoff so a misconfigured retry
// budget cannot schedule a job days into the future.
const maxRetryDelay = 5 * time.Minute

// Store manages the ingestion_jobs queue.
//
// Leasing uses a single UPDATE over a FOR UPDATE SKIP LOCKED CTE, so
// claiming a job and recording the claim happen in one statement and
// concurrent workers never block each other. All state transitions that
// release a lease guard on state = 'working' to keep a slow worker from
// overwriting a job the stale sweep already returned to the queue.
type Store struct {
	db  bun.IDB
	log *slog.Logger
	cfg *config.PipelineConfig
}

// NewStore creates a job store.
func NewStore(db bun.IDB, cfg *config.Config, log *slog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With(logger.Scope("ingestion.store")),
		cfg: &cfg.Pipeline,
	}
}

// Create inserts a new job row.
func (s *Store) Create(ctx context.Context, job *Job) error {
	return s.createWith(ctx, s.db, job)
}

// CreateTx inserts a new job row inside an existing transaction.
func (s *Store) CreateTx(ctx context.Context, tx bun.IDB, job *Job) error {
	return s.createWith(ctx, tx, job)
}

func (s *Store) createWith(ctx context.Context, db bun.IDB, job *Job) error {
	if _, err := db.NewInsert().Model(job).Exec(ctx); err != nil {
		return fmt.Errorf("create ingestion job: %w", err)
	}

	s.log.Debug("created ingestion job",
		slog.String("job_id", job.ID.String()),
		slog.String("document_id", job.DocumentID.String()),
		slog.String("stage", string(job.Stage)),
		slog.String("state", string(job.State)))
	return nil
}

// Lease atomically claims the oldest eligible job for processing.
// Eligible means queued, or retryable with its retry_at in the past.
// Returns (nil, nil) when the queue is empty.
func (s *Store) Lease(ctx context.Context) (*Job, error) {
	job := new(Job)

	err := s.db.NewRaw(`WITH cte AS (
		SELECT id FROM ingestion_jobs
		WHERE (state = 'queued')
		   OR (state = 'retryable' AND (last_error->>'retry_at')::timestamptz <= now())
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	UPDATE ingestion_jobs j
	SET state = 'working',
		started_at = now(),
		updated_at = now()
	FROM cte WHERE j.id = cte.id
	RETURNING j.*`).Scan(ctx, job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lease ingestion job: %w", err)
	}

	return job, nil
}

// Advance releases the lease by writing the next stage. Non-terminal
// advances return the job to the queue; done=true finalizes it.
// The last error is cleared either way: the stage that produced it
// completed.
func (s *Store) Advance(ctx context.Context, jobID uuid.UUID, next Stage, done bool) error {
	state := StateQueued
	if done {
		state = StateDone
	}

	q := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("stage = ?", next).
		Set("state = ?", state).
		Set("last_error = NULL").
		Set("updated_at = now()").
		Where("id = ?", jobID).
		Where("state = ?", StateWorking)
	if done {
		q = q.Set("completed_at = now()")
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("advance ingestion job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warn("advance skipped: job no longer leased",
			slog.String("job_id", jobID.String()),
			slog.String("next_stage", string(next)))
	}
	return nil
}

// ScheduleRetry writes the job back as retryable with an exponential
// backoff delay and returns when it becomes eligible again.
func (s *Store) ScheduleRetry(ctx context.Context, job *Job, pe *PipelineError) (time.Time, error) {
	now := time.Now()
	retryAt := now.Add(s.retryDelay(job.RetryCount))

	lastErr, err := json.Marshal(pe.jobError(now, &retryAt))
	if err != nil {
		return time.Time{}, fmt.Errorf("marshal last error: %w", err)
	}

	res, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("state = ?", StateRetryable).
		Set("retry_count = retry_count + 1").
		Set("last_error = ?::jsonb", string(lastErr)).
		Set("updated_at = now()").
		Where("id = ?", job.ID).
		Where("state = ?", StateWorking).
		Exec(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warn("retry skipped: job no longer leased", slog.String("job_id", job.ID.String()))
		return retryAt, nil
	}

	s.log.Warn("ingestion job failed, scheduled retry",
		slog.String("job_id", job.ID.String()),
		slog.String("stage", string(job.Stage)),
		slog.String("kind", string(pe.Kind)),
		slog.Int("retry", job.RetryCount+1),
		slog.Int("max_retries", s.cfg.MaxRetries),
		slog.Time("retry_at", retryAt))
	return retryAt, nil
}

// Deadletter finalizes the job as permanently failed, stamping the
// stage-appropriate failure marker.
func (s *Store) Deadletter(ctx context.Context, job *Job, pe *PipelineError) error {
	now := time.Now()

	lastErr, err := json.Marshal(pe.jobError(now, nil))
	if err != nil {
		return fmt.Errorf("marshal last error: %w", err)
	}

	_, err = s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("stage = ?", FailureMarker(job.Stage)).
		Set("state = ?", StateDeadletter).
		Set("last_error = ?::jsonb", string(lastErr)).
		Set("completed_at = now()").
		Set("updated_at = now()").
		Where("id = ?", job.ID).
		Where("state = ?", StateWorking).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("deadletter ingestion job: %w", err)
	}

	s.log.Error("ingestion job moved to dead letter queue",
		slog.String("job_id", job.ID.String()),
		slog.String("document_id", job.DocumentID.String()),
		slog.String("stage", string(job.Stage)),
		slog.String("marker", string(FailureMarker(job.Stage))),
		slog.String("kind", string(pe.Kind)),
		slog.Int("attempts", job.RetryCount+1),
		slog.String("error", truncateError(pe.Error())))
	return nil
}

// RecoverStale returns jobs stuck in 'working' to the queue. A job goes
// stale when the process holding its lease died between lease and release;
// handlers are idempotent so re-running the stage is safe.
func (s *Store) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}

	res, err := s.db.NewRaw(`UPDATE ingestion_jobs
		SET state = 'queued',
			started_at = NULL,
			updated_at = now()
		WHERE state = 'working'
			AND started_at < now() - (? || ' seconds')::interval`,
		fmt.Sprintf("%d", int(threshold.Seconds()))).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}

	count, _ := res.RowsAffected()
	if count > 0 {
		s.log.Warn("recovered stale ingestion jobs",
			slog.Int64("count", count),
			slog.Duration("threshold", threshold))
	}
	return int(count), nil
}

// SetStage moves a leased job to the stage whose handler is about to run,
// so inspection reflects what the worker is doing. Guarded on the lease.
func (s *Store) SetStage(ctx context.Context, jobID uuid.UUID, stage Stage) error {
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("stage = ?", stage).
		Set("updated_at = now()").
		Where("id = ?", jobID).
		Where("state = ?", StateWorking).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set job stage: %w", err)
	}
	return nil
}

// Ping verifies the job store connection.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping job store: %w", err)
	}
	return nil
}

// SetChunkProgress records the chunking stage's counters.
func (s *Store) SetChunkProgress(ctx context.Context, jobID uuid.UUID, total, done int) error {
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("chunks_total = ?", total).
		Set("chunks_done = ?", done).
		Set("updated_at = now()").
		Where("id = ?", jobID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set chunk progress: %w", err)
	}
	return nil
}

// SetEmbedProgress records the embedding stage's counters.
func (s *Store) SetEmbedProgress(ctx context.Context, jobID uuid.UUID, total, done int) error {
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("embeds_total = ?", total).
		Set("embeds_done = ?", done).
		Set("updated_at = now()").
		Where("id = ?", jobID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set embed progress: %w", err)
	}
	return nil
}

// GetByID retrieves a job. Returns (nil, nil) when not found.
func (s *Store) GetByID(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	job := new(Job)
	err := s.db.NewSelect().
		Model(job).
		Where("j.id = ?", jobID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ingestion job: %w", err)
	}
	return job, nil
}

// GetByIDForUser retrieves a job scoped to the owner of its document.
// Returns (nil, nil) when not found or owned by someone else.
func (s *Store) GetByIDForUser(ctx context.Context, jobID uuid.UUID, userID string) (*Job, error) {
	job := new(Job)
	err := s.db.NewSelect().
		Model(job).
		Join("JOIN documents AS d ON d.id = j.document_id").
		Where("j.id = ?", jobID).
		Where("d.user_id = ?", userID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ingestion job: %w", err)
	}
	return job, nil
}

// GetLatestByDocument returns the most recently created job for a document,
// or (nil, nil) when the document has none.
func (s *Store) GetLatestByDocument(ctx context.Context, documentID uuid.UUID) (*Job, error) {
	job := new(Job)
	err := s.db.NewSelect().
		Model(job).
		Where("j.document_id = ?", documentID).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest job for document: %w", err)
	}
	return job, nil
}

// ListJobsParams filters the job listing.
type ListJobsParams struct {
	UserID     string
	DocumentID *uuid.UUID
	State      State
	Limit      int
}

// List returns jobs for a user's documents, newest first.
func (s *Store) List(ctx context.Context, params ListJobsParams) ([]*Job, error) {
	limit := params.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var jobs []*Job
	q := s.db.NewSelect().
		Model(&jobs).
		Join("JOIN documents AS d ON d.id = j.document_id").
		Where("d.user_id = ?", params.UserID).
		Order("j.created_at DESC").
		Limit(limit)

	if params.DocumentID != nil {
		q = q.Where("j.document_id = ?", *params.DocumentID)
	}
	if params.State != "" {
		q = q.Where("j.state = ?", params.State)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list ingestion jobs: %w", err)
	}
	return jobs, nil
}

// QueueStats summarizes the queue by state and stage.
type QueueStats struct {
	Queued     int64           `json:"queued"`
	Working    int64           `json:"working"`
	Retryable  int64           `json:"retryable"`
	Done       int64           `json:"done"`
	Deadletter int64           `json:"deadletter"`
	Total      int64           `json:"total"`
	ByStage    map[Stage]int64 `json:"by_stage"`
}

// Depth is the number of jobs waiting for a worker.
func (st *QueueStats) Depth() int64 {
	return st.Queued + st.Retryable
}

// Stats returns per-state and per-stage queue counts.
func (s *Store) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{ByStage: make(map[Stage]int64)}

	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*) FILTER (WHERE state = 'queued') AS queued,
			COUNT(*) FILTER (WHERE state = 'working') AS working,
			COUNT(*) FILTER (WHERE state = 'retryable') AS retryable,
			COUNT(*) FILTER (WHERE state = 'done') AS done,
			COUNT(*) FILTER (WHERE state = 'deadletter') AS deadletter,
			COUNT(*) AS total
		FROM ingestion_jobs`).
		Scan(&stats.Queued, &stats.Working, &stats.Retryable, &stats.Done, &stats.Deadletter, &stats.Total)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	var rows []struct {
		Stage Stage `bun:"stage"`
		Count int64 `bun:"count"`
	}
	err = s.db.NewRaw(`SELECT stage, COUNT(*) AS count
		FROM ingestion_jobs
		GROUP BY stage`).
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("queue stage stats: %w", err)
	}
	for _, r := range rows {
		stats.ByStage[r.Stage] = r.Count
	}

	return stats, nil
}

// retryDelay computes the exponential backoff for a retry. The exponent is
// the retry count before the increment, so the schedule for the 3 s default
// base is 3 s, 6 s, 12 s.
func (s *Store) retryDelay(retryCount int) time.Duration {
	base := s.cfg.RetryBaseDelay
	if base <= 0 {
		base = 3 * time.Second
	}
	if retryCount > 30 {
		retryCount = 30
	}
	delay := base * time.Duration(1<<uint(retryCount))
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}
