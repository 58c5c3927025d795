package chunks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/docmill/docmill/pkg/apperror"
	"github.com/docmill/docmill/pkg/logger"
	"github.com/docmill/docmill/pkg/pgutils"
)

// Repository handles database operations for chunks
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new chunks repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("chunks.repo")),
	}
}

// ListByDocument returns all chunks for a document in ordinal order
func (r *Repository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Chunk, error) {
	chunks := []*Chunk{}
	err := r.db.NewSelect().
		Model(&chunks).
		Where("document_id = ?", documentID).
		Order("ordinal ASC").
		Scan(ctx)

	if err != nil {
		r.log.Error("failed to list chunks", logger.Error(err), slog.String("document_id", documentID.String()))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return chunks, nil
}

// GetByID retrieves a single chunk. Returns nil, nil when no row exists.
func (r *Repository) GetByID(ctx context.Context, chunkID uuid.UUID) (*Chunk, error) {
	chunk := new(Chunk)
	err := r.db.NewSelect().
		Model(chunk).
		Where("c.id = ?", chunkID).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.log.Error("failed to get chunk", logger.Error(err), slog.String("chunk_id", chunkID.String()))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return chunk, nil
}

// ListByDocumentForUser lists a document's chunks only when the document
// belongs to the given user. Ownership is enforced in the join.
func (r *Repository) ListByDocumentForUser(ctx context.Context, documentID uuid.UUID, userID string) ([]*Chunk, error) {
	chunks := []*Chunk{}
	err := r.db.NewSelect().
		Model(&chunks).
		Join("JOIN documents AS d ON d.id = c.document_id").
		Where("c.document_id = ?", documentID).
		Where("d.user_id = ?", userID).
		Order("ordinal ASC").
		Scan(ctx)

	if err != nil {
		r.log.Error("failed to list chunks for user", logger.Error(err), slog.String("document_id", documentID.String()))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return chunks, nil
}

// GetByIDForUser retrieves a chunk only when its document belongs to the
// given user. Returns nil, nil when no visible row exists.
func (r *Repository) GetByIDForUser(ctx context.Context, chunkID uuid.UUID, userID string) (*Chunk, error) {
	chunk := new(Chunk)
	err := r.db.NewSelect().
		Model(chunk).
		Join("JOIN documents AS d ON d.id = c.document_id").
		Where("c.id = ?", chunkID).
		Where("d.user_id = ?", userID).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.log.Error("failed to get chunk for user", logger.Error(err), slog.String("chunk_id", chunkID.String()))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return chunk, nil
}

// InsertIfAbsent writes chunk rows, skipping any whose deterministic id is
// already present. Re-running a chunking pass is therefore a no-op for rows
// that survived the previous pass. Returns the number of rows inserted.
func (r *Repository) InsertIfAbsent(ctx context.Context, chunks []*Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	res, err := r.db.NewInsert().
		Model(&chunks).
		On("CONFLICT DO NOTHING").
		Exec(ctx)

	if err != nil {
		r.log.Error("failed to insert chunks", logger.Error(err), slog.Int("count", len(chunks)))
		return 0, apperror.ErrDatabase.WithInternal(err)
	}

	inserted, _ := res.RowsAffected()
	return int(inserted), nil
}

// UpsertVector stores a chunk's embedding together with its integrity hash
// and model identity. Running the same model again writes identical bytes;
// a different model simply replaces the stored vector.
func (r *Repository) UpsertVector(ctx context.Context, chunkID uuid.UUID, model, version string, vector []float32) error {
	_, err := r.db.NewRaw(
		`UPDATE document_chunks
		 SET embedding = ?::vector,
		     vector_hash = ?,
		     embed_model = ?,
		     embed_version = ?,
		     vector_dim = ?,
		     updated_at = now()
		 WHERE id = ?`,
		pgutils.FormatVector(vector), VectorHash(vector), model, version, len(vector), chunkID,
	).Exec(ctx)

	if err != nil {
		r.log.Error("failed to store chunk vector", logger.Error(err), slog.String("chunk_id", chunkID.String()))
		return apperror.ErrDatabase.WithInternal(err)
	}

	return nil
}

// CountByDocument returns the number of chunks stored for a document
func (r *Repository) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	count, err := r.db.NewSelect().
		Model((*Chunk)(nil)).
		Where("document_id = ?", documentID).
		Count(ctx)

	if err != nil {
		r.log.Error("failed to count chunks", logger.Error(err), slog.String("document_id", documentID.String()))
		return 0, apperror.ErrDatabase.WithInternal(err)
	}

	return count, nil
}

// CountEmbeddedByDocument returns the number of chunks that carry a vector
func (r *Repository) CountEmbeddedByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	count, err := r.db.NewSelect().
		Model((*Chunk)(nil)).
		Where("document_id = ?", documentID).
		Where("embedding IS NOT NULL").
		Count(ctx)

	if err != nil {
		r.log.Error("failed to count embedded chunks", logger.Error(err), slog.String("document_id", documentID.String()))
		return 0, apperror.ErrDatabase.WithInternal(err)
	}

	return count, nil
}

// CloneForDocument copies every chunk of sourceDocID to newDocID inside the
// given transaction. Text, hashes, vectors, and model identity are copied in
// SQL so the clone's embedding bytes match the source exactly; only the chunk
// ids change, re-derived for the new document. Returns the number of rows
// copied.
func (r *Repository) CloneForDocument(ctx context.Context, tx bun.IDB, namespace, sourceDocID, newDocID uuid.UUID) (int, error) {
	var sources []struct {
		ID             uuid.UUID `bun:"id"`
		Ordinal        int       `bun:"ordinal"`
		ChunkerName    string    `bun:"chunker_name"`
		ChunkerVersion int       `bun:"chunker_version"`
	}

	err := tx.NewSelect().
		Table("document_chunks").
		Column("id", "ordinal", "chunker_name", "chunker_version").
		Where("document_id = ?", sourceDocID).
		Order("ordinal ASC").
		Scan(ctx, &sources)
	if err != nil {
		return 0, fmt.Errorf("load source chunks: %w", err)
	}

	if len(sources) == 0 {
		return 0, nil
	}

	// Map old ids to fresh deterministic ids through a VALUES join so the
	// whole copy, vector column included, is a single INSERT ... SELECT.
	var values strings.Builder
	args := make([]any, 0, len(sources)*2+1)
	args = append(args, newDocID)
	for i, src := range sources {
		if i > 0 {
			values.WriteString(", ")
		}
		values.WriteString("(?::uuid, ?::uuid)")
		args = append(args, src.ID, NewChunkID(namespace, newDocID, src.ChunkerName, src.ChunkerVersion, src.Ordinal))
	}

	query := fmt.Sprintf(`
		INSERT INTO document_chunks
			(id, document_id, ordinal, chunker_name, chunker_version,
			 text, text_hash, start_line, end_line, chunk_type,
			 embed_model, embed_version, vector_dim, embedding, vector_hash,
			 created_at, updated_at)
		SELECT
			m.new_id, ?, c.ordinal, c.chunker_name, c.chunker_version,
			c.text, c.text_hash, c.start_line, c.end_line, c.chunk_type,
			c.embed_model, c.embed_version, c.vector_dim, c.embedding, c.vector_hash,
			now(), now()
		FROM document_chunks c
		JOIN (VALUES %s) AS m (old_id, new_id) ON m.old_id = c.id
		ON CONFLICT DO NOTHING`, values.String())

	res, err := tx.NewRaw(query, args...).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("clone chunks: %w", err)
	}

	copied, _ := res.RowsAffected()
	return int(copied), nil
}
