// Package main provides a one-shot backfill tool that embeds document
// chunks whose embedding column is NULL. Useful after enabling a provider
// on an existing corpus, or after an embed-stage outage left gaps.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/docmill/docmill/domain/chunks"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/pkg/embeddings"
	"github.com/docmill/docmill/pkg/embeddings/genai"
	"github.com/docmill/docmill/pkg/embeddings/openai"
	"github.com/docmill/docmill/pkg/pgutils"
)

// chunkRow holds the fields scanned from the backfill query.
type chunkRow struct {
	ID   string
	Text string
}

func main() {
	var (
		batchSize  int
		delayMs    int
		dryRun     bool
		documentID string
	)

	flag.IntVar(&batchSize, "batch-size", 64, "Number of chunks per embedding batch")
	flag.IntVar(&delayMs, "delay", 100, "Milliseconds to sleep between batches")
	flag.BoolVar(&dryRun, "dry-run", false, "Print what would be done without writing to DB")
	flag.StringVar(&documentID, "document-id", "", "Filter to a specific document UUID (optional)")
	flag.Parse()

	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if dryRun {
		log.Info("DRY RUN mode enabled, no database writes will occur")
	}

	cfg, err := config.NewConfig(log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "Error pinging database: %v\n", err)
		os.Exit(1)
	}
	log.Info("connected to database")

	ctx := context.Background()
	client, err := newEmbeddingClient(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating embedding client: %v\n", err)
		os.Exit(1)
	}
	model, version := client.ModelIdentity()
	log.Info("embedding client initialized",
		slog.String("model", model),
		slog.String("version", version))

	total, err := countMissingVectors(ctx, db, documentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error counting chunks: %v\n", err)
		os.Exit(1)
	}
	if total == 0 {
		log.Info("no chunks with NULL embeddings found, nothing to do")
		return
	}
	log.Info("starting backfill", slog.Int64("total", total), slog.Int("batch_size", batchSize))

	var processed, embedded, errCount int64

	for {
		rows, err := fetchBatch(ctx, db, batchSize, documentID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching batch: %v\n", err)
			os.Exit(1)
		}
		if len(rows) == 0 {
			break // No more chunks with NULL embeddings
		}

		if dryRun {
			for _, row := range rows {
				log.Info("would embed",
					slog.String("id", row.ID),
					slog.Int("text_len", len(row.Text)),
				)
			}
			processed += int64(len(rows))
			if processed >= total {
				break
			}
			continue
		}

		texts := make([]string, len(rows))
		for i, row := range rows {
			texts[i] = row.Text
		}

		vectors, err := client.Embed(ctx, texts)
		if err != nil {
			// The whole batch failed; the same rows would be fetched again,
			// so bail out instead of spinning on a broken provider.
			fmt.Fprintf(os.Stderr, "Error embedding batch: %v\n", err)
			os.Exit(1)
		}
		if len(vectors) != len(rows) {
			fmt.Fprintf(os.Stderr, "Error: provider returned %d vectors for %d inputs\n", len(vectors), len(rows))
			os.Exit(1)
		}

		wrote := int64(0)
		for i, row := range rows {
			processed++

			if err := updateEmbedding(ctx, db, row.ID, model, version, vectors[i]); err != nil {
				errCount++
				log.Warn("failed to update embedding",
					slog.String("id", row.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			embedded++
			wrote++
		}

		log.Info("progress",
			slog.Int64("processed", processed),
			slog.Int64("total", total),
			slog.Int64("embedded", embedded),
			slog.Int64("errors", errCount),
		)

		if wrote == 0 {
			// Nothing was written, so the next fetch would return the same
			// rows. Abort rather than loop forever.
			fmt.Fprintln(os.Stderr, "Error: no rows updated in last batch, aborting")
			os.Exit(1)
		}

		// Sleep between batches to avoid hammering the embedding API
		if delayMs > 0 {
			time.Sleep(time.Duration(delayMs) * time.Millisecond)
		}
	}

	log.Info("backfill complete",
		slog.Int64("processed", processed),
		slog.Int64("embedded", embedded),
		slog.Int64("errors", errCount),
	)
}

// newEmbeddingClient creates an embeddings.Client from the configured provider.
func newEmbeddingClient(ctx context.Context, cfg *config.Config, log *slog.Logger) (embeddings.Client, error) {
	embCfg := cfg.Embeddings

	switch embCfg.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			BaseURL:                 embCfg.OpenAIBaseURL,
			APIKey:                  embCfg.OpenAIAPIKey,
			Model:                   embCfg.Model,
			Version:                 embCfg.Version,
			Dimension:               embCfg.Dimension,
			MaxBatchSize:            embCfg.MaxBatchSize,
			RequestsPerMinute:       embCfg.RequestsPerMinute,
			TokensPerMinute:         embCfg.TokensPerMinute,
			Timeout:                 embCfg.Timeout,
			CircuitFailureThreshold: cfg.Pipeline.CircuitFailureThreshold,
			CircuitRecoveryTimeout:  cfg.Pipeline.CircuitRecoveryTimeout,
		}, openai.WithLogger(log))
	case "gemini":
		return genai.NewClient(ctx, genai.Config{
			APIKey:                  embCfg.GoogleAPIKey,
			Model:                   embCfg.Model,
			Version:                 embCfg.Version,
			Dimension:               embCfg.Dimension,
			CircuitFailureThreshold: cfg.Pipeline.CircuitFailureThreshold,
			CircuitRecoveryTimeout:  cfg.Pipeline.CircuitRecoveryTimeout,
		}, genai.WithLogger(log))
	}

	return nil, fmt.Errorf("no embedding provider configured: set EMBEDDINGS_PROVIDER to openai or gemini")
}

// countMissingVectors returns the number of chunks with NULL embeddings.
func countMissingVectors(ctx context.Context, db *sql.DB, documentID string) (int64, error) {
	query := `SELECT COUNT(*) FROM document_chunks WHERE embedding IS NULL`
	args := []any{}

	if documentID != "" {
		query += ` AND document_id = $1`
		args = append(args, documentID)
	}

	var count int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count query: %w", err)
	}
	return count, nil
}

// fetchBatch retrieves the next batch of chunks with NULL embeddings.
// Because we update rows (setting embedding to non-NULL), subsequent queries
// naturally exclude already-processed rows; no OFFSET needed.
func fetchBatch(ctx context.Context, db *sql.DB, limit int, documentID string) ([]chunkRow, error) {
	query := `
		SELECT id::text, text
		FROM document_chunks
		WHERE embedding IS NULL
		ORDER BY document_id, ordinal
		LIMIT $1`
	args := []any{limit}

	if documentID != "" {
		query = `
		SELECT id::text, text
		FROM document_chunks
		WHERE embedding IS NULL
		  AND document_id = $2
		ORDER BY document_id, ordinal
		LIMIT $1`
		args = append(args, documentID)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch query: %w", err)
	}
	defer rows.Close()

	var result []chunkRow
	for rows.Next() {
		var r chunkRow
		if err := rows.Scan(&r.ID, &r.Text); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return result, nil
}

// updateEmbedding writes the vector, its hash and the model identity to a chunk row.
func updateEmbedding(ctx context.Context, db *sql.DB, id, model, version string, vec []float32) error {
	_, err := db.ExecContext(ctx,
		`UPDATE document_chunks
		 SET embedding = $1::vector,
		     vector_hash = $2,
		     embed_model = $3,
		     embed_version = $4,
		     vector_dim = $5,
		     updated_at = now()
		 WHERE id = $6`,
		pgutils.FormatVector(vec), chunks.VectorHash(vec), model, version, len(vec), id,
	)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return nil
}
