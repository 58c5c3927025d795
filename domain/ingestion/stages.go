package ingestion

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/docmill/docmill/domain/chunks"
	"github.com/docmill/docmill/domain/documents"
	"github.com/docmill/docmill/internal/storage"
	"github.com/docmill/docmill/pkg/chunker"
	"github.com/docmill/docmill/pkg/logger"
	"github.com/docmill/docmill/pkg/tracing"
)

// signedURLTTL bounds how long the parser may take to fetch a raw artifact.
const signedURLTTL = 15 * time.Minute

// processJob runs exactly one stage of a leased job and releases the lease
// by advancing, retrying, or deadlettering it.
//
// The returned error covers failures to record an outcome (the job is left
// leased for the stale sweep); classified stage failures are written to the
// job and return nil.
func (w *Worker) processJob(ctx context.Context, job *Job) error {
	correlationID := uuid.NewString()
	log := w.log.With(
		slog.String("job_id", job.ID.String()),
		slog.String("document_id", job.DocumentID.String()),
		slog.String("correlation_id", correlationID),
	)

	ctx, span := tracing.Start(ctx, "ingestion.stage",
		attribute.String("docmill.job.id", job.ID.String()),
		attribute.String("docmill.document.id", job.DocumentID.String()),
		attribute.String("docmill.job.stage", string(job.Stage)),
	)
	defer span.End()

	start := time.Now()

	// A job leased at or past the terminal stage only needs finalization.
	// This happens when a worker died between finishing the terminal
	// stage's work and marking the job done.
	if job.Stage.AtOrPast(w.terminal) {
		if err := w.finalize(ctx, job, job.Stage); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		w.incrementSuccess()
		return nil
	}

	// Move checkpoint stages to the stage whose handler runs next, so an
	// observer sees "parsing", not "job_validated", while the parse runs.
	work := workStage(job.Stage)
	if work != job.Stage {
		if err := w.store.SetStage(ctx, job.ID, work); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		job.Stage = work
	}

	log = log.With(slog.String("stage", string(work)))
	log.Debug("stage started")

	next, stageErr := w.runStage(ctx, job, log)
	duration := time.Since(start)

	if stageErr != nil {
		pe := Classify(stageErr)
		span.RecordError(stageErr)
		span.SetStatus(codes.Error, pe.Error())
		w.incrementFailure()
		stageFailures.WithLabelValues(string(work), string(pe.Kind)).Inc()
		stageDuration.WithLabelValues(string(work), "error").Observe(duration.Seconds())

		log.Warn("stage failed",
			slog.String("kind", string(pe.Kind)),
			slog.Bool("retryable", pe.Retryable()),
			slog.Duration("duration", duration),
			logger.Error(stageErr))

		return w.markFailed(ctx, job, pe)
	}

	done := next.AtOrPast(w.terminal)
	if done {
		if err := w.finalize(ctx, job, next); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	} else if err := w.store.Advance(ctx, job.ID, next, false); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	w.incrementSuccess()
	stagesProcessed.WithLabelValues(string(work)).Inc()
	stageDuration.WithLabelValues(string(work), "ok").Observe(duration.Seconds())

	log.Info("stage completed",
		slog.String("next_stage", string(next)),
		slog.Bool("done", done),
		slog.Duration("duration", duration))
	return nil
}

// workStage maps a leased stage to the stage whose handler should run.
// Checkpoint stages advance to the following handler stage; handler stages
// re-run themselves (the lease was recovered mid-stage).
func workStage(s Stage) Stage {
	switch s {
	case StageJobValidated:
		return StageParsing
	case StageParseValidated:
		return StageChunking
	case StageChunked:
		return StageEmbedding
	default:
		return s
	}
}

// runStage dispatches on the job's (work) stage and returns the stage to
// advance to on success.
func (w *Worker) runStage(ctx context.Context, job *Job, log *slog.Logger) (Stage, error) {
	switch job.Stage {
	case StageParsing:
		return StageParsed, w.handleParsing(ctx, job, log)
	case StageParsed:
		return StageParseValidated, w.handleParseValidation(ctx, job, log)
	case StageChunking:
		return StageChunked, w.handleChunking(ctx, job, log)
	case StageEmbedding:
		return StageEmbedded, w.handleEmbedding(ctx, job, log)
	default:
		return job.Stage, NewError(KindContentInvariant, "no handler for stage %q", job.Stage)
	}
}

// finalize marks the document completed and the job done. The document is
// written first: if the process dies in between, the job is re-leased and
// finalization re-runs, which is idempotent in both writes.
func (w *Worker) finalize(ctx context.Context, job *Job, stage Stage) error {
	if err := w.docs.UpdateStatus(ctx, job.DocumentID, documents.StatusCompleted); err != nil {
		return fmt.Errorf("finalize document status: %w", err)
	}
	return w.store.Advance(ctx, job.ID, stage, true)
}

// markFailed records a classified failure: schedule a retry while budget
// remains on a retryable kind, otherwise deadletter the job and roll the
// document status to the stage's failure marker.
func (w *Worker) markFailed(ctx context.Context, job *Job, pe *PipelineError) error {
	if pe.Retryable() && job.RetryCount < w.cfg.Pipeline.MaxRetries {
		_, err := w.store.ScheduleRetry(ctx, job, pe)
		return err
	}

	if pe.Retryable() {
		pe = &PipelineError{
			Kind:    KindRetriesExhausted,
			Message: fmt.Sprintf("retries exhausted after %d attempts", job.RetryCount+1),
			Err:     pe,
		}
	}

	// Failure marker stages share their names with document status values.
	marker := FailureMarker(job.Stage)
	if err := w.docs.UpdateStatus(ctx, job.DocumentID, string(marker)); err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	return w.store.Deadletter(ctx, job, pe)
}

// document loads the job's document. A missing row is fatal: jobs hold a
// foreign key, so absence means external interference, not a race.
func (w *Worker) document(ctx context.Context, job *Job) (*documents.Document, error) {
	doc, err := w.docs.GetByID(ctx, job.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, NewError(KindContentInvariant, "document %s not found", job.DocumentID)
	}
	return doc, nil
}

// handleParsing converts the raw artifact to markdown and writes it to the
// document's canonical parsed path. The path is deterministic in the user,
// document id, and the document's creation time, so a re-run overwrites the
// same object with the same content.
func (w *Worker) handleParsing(ctx context.Context, job *Job, log *slog.Logger) error {
	doc, err := w.document(ctx, job)
	if err != nil {
		return err
	}

	sourceURI := doc.RawPath
	if w.blobs.Enabled() {
		// The raw artifact arrives through a presigned PUT after intake
		// returns, so the first lease can win the race against the upload.
		exists, err := w.blobs.Exists(ctx, doc.RawPath)
		if err != nil {
			return err
		}
		if !exists {
			return NewError(KindStorageUnavailable, "raw artifact %s not available yet", doc.RawPath)
		}

		sourceURI, err = w.blobs.GetSignedDownloadURL(ctx, doc.RawPath, storage.GetSignedDownloadURLOptions{
			ExpiresIn: signedURLTTL,
		})
		if err != nil {
			return err
		}
	}

	markdown, err := w.parse.Convert(ctx, job.ID.String(), sourceURI)
	if err != nil {
		return err
	}

	parsedPath := storage.ParsedArtifactKey(doc.UserID, doc.ID, doc.CreatedAt)
	if _, err := w.blobs.Upload(ctx, parsedPath, bytes.NewReader(markdown), int64(len(markdown)), storage.UploadOptions{
		ContentType: "text/markdown",
	}); err != nil {
		return err
	}

	if err := w.docs.UpdateParsedPath(ctx, doc.ID, parsedPath); err != nil {
		return err
	}

	log.Debug("parsed artifact written",
		slog.String("parsed_path", parsedPath),
		slog.Int("bytes", len(markdown)))
	return nil
}

// handleParseValidation checks the parsed artifact, records its content
// hash, and deduplicates at the parsed layer: when another document already
// carries the same parsed hash, this document's parsed path is repointed at
// the canonical artifact.
func (w *Worker) handleParseValidation(ctx context.Context, job *Job, log *slog.Logger) error {
	doc, err := w.document(ctx, job)
	if err != nil {
		return err
	}
	if doc.ParsedPath == nil {
		return NewError(KindContentInvariant, "document %s has no parsed artifact", doc.ID)
	}

	raw, err := w.blobs.DownloadBytes(ctx, *doc.ParsedPath)
	if err != nil {
		return err
	}

	normalized := normalizeMarkdown(raw)
	if normalized == "" {
		return NewError(KindContentInvariant, "parsed content is empty")
	}

	sum := sha256.Sum256([]byte(normalized))
	parsedHash := hex.EncodeToString(sum[:])

	parsedPath := *doc.ParsedPath
	canonical, err := w.docs.FindByParsedHash(ctx, parsedHash, doc.ID)
	if err != nil {
		return err
	}
	if canonical != nil && canonical.ParsedPath != nil {
		parsedPath = *canonical.ParsedPath
		log.Debug("parsed artifact deduplicated",
			slog.String("canonical_document_id", canonical.ID.String()),
			slog.String("parsed_path", parsedPath))
	}

	if err := w.docs.UpdateParseResult(ctx, doc.ID, parsedPath, parsedHash); err != nil {
		return err
	}

	log.Debug("parse validated",
		slog.String("parsed_hash", parsedHash),
		slog.Int("normalized_bytes", len(normalized)))
	return nil
}

// handleChunking splits the parsed markdown into chunks and writes them
// with insert-if-absent semantics, so a re-run is a no-op.
func (w *Worker) handleChunking(ctx context.Context, job *Job, log *slog.Logger) error {
	doc, err := w.document(ctx, job)
	if err != nil {
		return err
	}
	if doc.ParsedPath == nil {
		return NewError(KindContentInvariant, "document %s has no parsed artifact", doc.ID)
	}

	markdown, err := w.blobs.DownloadBytes(ctx, *doc.ParsedPath)
	if err != nil {
		return err
	}

	name, version := w.chunkerIdentity(job)
	ck, err := chunker.New(name, version)
	if err != nil {
		return NewError(KindContentInvariant, "unknown chunker %s v%d", name, version)
	}

	pieces := ck.Split(string(markdown))
	if len(pieces) == 0 {
		return NewError(KindContentInvariant, "chunker produced no chunks")
	}

	now := time.Now().UTC()
	rows := make([]*chunks.Chunk, 0, len(pieces))
	for _, p := range pieces {
		rows = append(rows, &chunks.Chunk{
			ID:             chunks.NewChunkID(w.namespace, doc.ID, name, version, p.Ordinal),
			DocumentID:     doc.ID,
			Ordinal:        p.Ordinal,
			ChunkerName:    name,
			ChunkerVersion: version,
			Text:           p.Text,
			TextHash:       chunks.TextHash(p.Text),
			StartLine:      p.StartLine,
			EndLine:        p.EndLine,
			ChunkType:      p.Type,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	inserted, err := w.chunks.InsertIfAbsent(ctx, rows)
	if err != nil {
		return err
	}

	if err := w.store.SetChunkProgress(ctx, job.ID, len(rows), len(rows)); err != nil {
		return err
	}

	log.Debug("chunks written",
		slog.String("chunker", fmt.Sprintf("%s v%d", name, version)),
		slog.Int("chunks", len(rows)),
		slog.Int("inserted", inserted))
	return nil
}

// handleEmbedding embeds all of the document's chunks in ordinal order and
// upserts each vector with its integrity hash.
func (w *Worker) handleEmbedding(ctx context.Context, job *Job, log *slog.Logger) error {
	rows, err := w.chunks.ListByDocument(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return NewError(KindContentInvariant, "document %s has no chunks to embed", job.DocumentID)
	}

	if err := w.store.SetEmbedProgress(ctx, job.ID, len(rows), 0); err != nil {
		return err
	}

	texts := make([]string, len(rows))
	for i, row := range rows {
		texts[i] = row.Text
	}

	vectors, err := w.embed.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(rows) {
		return NewError(KindContentInvariant,
			"embedding count mismatch: %d chunks, %d vectors", len(rows), len(vectors))
	}

	dim := w.embed.Dimension()
	model, modelVersion := w.embed.ModelIdentity()

	for i, row := range rows {
		if len(vectors[i]) != dim {
			return NewError(KindContentInvariant,
				"vector %d has dimension %d, want %d", row.Ordinal, len(vectors[i]), dim)
		}
		if err := w.chunks.UpsertVector(ctx, row.ID, model, modelVersion, vectors[i]); err != nil {
			return err
		}
	}

	if err := w.store.SetEmbedProgress(ctx, job.ID, len(rows), len(rows)); err != nil {
		return err
	}

	log.Debug("embeddings written",
		slog.Int("chunks", len(rows)),
		slog.String("model", model),
		slog.Int("dimension", dim))
	return nil
}

// chunkerIdentity resolves the chunker recorded in the job payload at
// intake, falling back to the configured default for legacy rows.
func (w *Worker) chunkerIdentity(job *Job) (string, int) {
	name := job.Payload.ChunkerName
	version := job.Payload.ChunkerVersion
	if name == "" {
		name = w.cfg.Pipeline.ChunkerName
	}
	if version == 0 {
		version = w.cfg.Pipeline.ChunkerVersion
	}
	if name == "" {
		name = chunker.DefaultName
	}
	if version == 0 {
		version = chunker.DefaultVersion
	}
	return name, version
}

// normalizeMarkdown strips trailing whitespace from every line and trims
// the result. Hashing normalized content keeps parsed-layer dedup stable
// across parsers that differ only in whitespace.
func normalizeMarkdown(b []byte) string {
	lines := strings.Split(string(b), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
