package documents

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/docmill/docmill/domain/chunks"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/database"
	"github.com/docmill/docmill/internal/storage"
	"github.com/docmill/docmill/pkg/apperror"
	"github.com/docmill/docmill/pkg/logger"
)

// Duplicator resolves content-hash duplicates at intake and clones fully
// processed documents across users so identical content is parsed, chunked,
// and embedded exactly once.
type Duplicator struct {
	db        bun.IDB
	repo      *Repository
	chunkRepo *chunks.Repository
	namespace uuid.UUID
	log       *slog.Logger
}

// NewDuplicator creates a new duplicator
func NewDuplicator(db bun.IDB, repo *Repository, chunkRepo *chunks.Repository, cfg *config.Config, log *slog.Logger) *Duplicator {
	return &Duplicator{
		db:        db,
		repo:      repo,
		chunkRepo: chunkRepo,
		namespace: cfg.Pipeline.Namespace(),
		log:       log.With(logger.Scope("documents.duplicator")),
	}
}

// FindUserDocument returns the user's own copy of the content, or nil
func (d *Duplicator) FindUserDocument(ctx context.Context, userID, contentHash string) (*Document, error) {
	return d.repo.GetByUserAndHash(ctx, userID, contentHash)
}

// FindAnyDocument returns the oldest completed copy of the content across
// all users, or nil. Only completed documents qualify: their chunk set and
// vectors are final, so a clone needs no reprocessing.
func (d *Duplicator) FindAnyDocument(ctx context.Context, contentHash string) (*Document, error) {
	return d.repo.GetAnyByHash(ctx, contentHash)
}

// CloneDocumentForUser creates a new document row for the target user from
// an existing source document, copying content hash, MIME, byte length,
// parsed hash, and status, with fresh deterministic raw/parsed paths. Every
// chunk row is copied with text, hashes, vector, and model identity intact
// under fresh chunk ids. The document and its chunks commit in one
// transaction or not at all.
//
// A concurrent intake of the same content by the same user loses the unique
// race on (user_id, content_hash); the loser returns the winner's row.
func (d *Duplicator) CloneDocumentForUser(ctx context.Context, sourceDocID uuid.UUID, targetUserID, targetFilename string) (*Document, error) {
	source, err := d.repo.GetByID(ctx, sourceDocID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, apperror.NewNotFound("document", sourceDocID.String())
	}

	now := time.Now().UTC()
	newID := NewDocumentID(d.namespace, targetUserID, source.ContentHash)

	clone := &Document{
		ID:          newID,
		UserID:      targetUserID,
		Filename:    targetFilename,
		MimeType:    source.MimeType,
		ByteLength:  source.ByteLength,
		ContentHash: source.ContentHash,
		RawPath:     storage.RawArtifactKey(targetUserID, newID, targetFilename, now),
		Status:      source.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if source.ParsedHash != nil {
		h := *source.ParsedHash
		clone.ParsedHash = &h
	}
	if source.ParsedPath != nil {
		p := storage.ParsedArtifactKey(targetUserID, newID, now)
		clone.ParsedPath = &p
	}

	tx, err := database.BeginSafeTx(ctx, d.db)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	defer tx.Rollback()

	if err := d.repo.CreateTx(ctx, tx, clone); err != nil {
		if appErr, ok := err.(*apperror.Error); ok && appErr.Code == "conflict" {
			existing, getErr := d.repo.GetByUserAndHash(ctx, targetUserID, source.ContentHash)
			if getErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	copied, err := d.chunkRepo.CloneForDocument(ctx, tx, d.namespace, source.ID, newID)
	if err != nil {
		d.log.Error("chunk clone failed", logger.Error(err),
			slog.String("source_id", source.ID.String()),
			slog.String("clone_id", newID.String()))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	d.log.Info("document cloned",
		slog.String("source_id", source.ID.String()),
		slog.String("clone_id", newID.String()),
		slog.String("source_user", source.UserID),
		slog.String("target_user", targetUserID),
		slog.Int("chunks_copied", copied))

	return clone, nil
}
