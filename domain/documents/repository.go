package documents

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/docmill/docmill/pkg/apperror"
	"github.com/docmill/docmill/pkg/logger"
	"github.com/docmill/docmill/pkg/pgutils"
)

// Repository handles document database operations
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new documents repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("documents.repo")),
	}
}

// Create inserts a new document row
func (r *Repository) Create(ctx context.Context, doc *Document) error {
	return r.createWith(ctx, r.db, doc)
}

// CreateTx inserts a new document row inside an existing transaction
func (r *Repository) CreateTx(ctx context.Context, tx bun.IDB, doc *Document) error {
	return r.createWith(ctx, tx, doc)
}

func (r *Repository) createWith(ctx context.Context, db bun.IDB, doc *Document) error {
	_, err := db.NewInsert().
		Model(doc).
		Returning("*").
		Exec(ctx)

	if err != nil {
		if pgutils.IsUniqueViolation(err) {
			// (user_id, content_hash) duplicate - let the caller decide
			return apperror.ErrConflict.WithMessage("Document with this content already exists for this user")
		}
		r.log.Error("failed to create document", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}

	return nil
}

// GetByID retrieves a single document by ID.
// Returns nil, nil when no row exists.
func (r *Repository) GetByID(ctx context.Context, documentID uuid.UUID) (*Document, error) {
	var doc Document
	err := r.db.NewSelect().
		Model(&doc).
		Where("id = ?", documentID).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}

	return &doc, nil
}

// GetByUserAndHash retrieves the user's own copy of a content hash.
// Returns nil, nil when the user has no such document.
func (r *Repository) GetByUserAndHash(ctx context.Context, userID, contentHash string) (*Document, error) {
	var doc Document
	err := r.db.NewSelect().
		Model(&doc).
		Where("user_id = ?", userID).
		Where("content_hash = ?", contentHash).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document by user and hash: %w", err)
	}

	return &doc, nil
}

// GetAnyByHash retrieves the oldest fully processed document with the given
// content hash regardless of owner. Used for cross-user deduplication; only
// completed documents qualify as clone sources since their chunks and
// vectors are final.
func (r *Repository) GetAnyByHash(ctx context.Context, contentHash string) (*Document, error) {
	var doc Document
	err := r.db.NewSelect().
		Model(&doc).
		Where("content_hash = ?", contentHash).
		Where("status = ?", StatusCompleted).
		Order("created_at ASC").
		Limit(1).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document by hash: %w", err)
	}

	return &doc, nil
}

// FindByParsedHash retrieves the oldest document (excluding excludeID) whose
// parsed content hash matches. Used to repoint parsed artifacts at the
// canonical copy.
func (r *Repository) FindByParsedHash(ctx context.Context, parsedHash string, excludeID uuid.UUID) (*Document, error) {
	var doc Document
	err := r.db.NewSelect().
		Model(&doc).
		Where("parsed_hash = ?", parsedHash).
		Where("id != ?", excludeID).
		Where("parsed_path IS NOT NULL").
		Order("created_at ASC").
		Limit(1).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document by parsed hash: %w", err)
	}

	return &doc, nil
}

// List retrieves documents with cursor pagination, scoped to a user
func (r *Repository) List(ctx context.Context, params ListParams) (*ListResult, error) {
	// Default limit
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 500 {
		params.Limit = 500
	}

	query := r.db.NewSelect().
		TableExpr("documents AS d").
		ColumnExpr("d.*").
		ColumnExpr("(SELECT COUNT(*)::int FROM document_chunks c WHERE c.document_id = d.id) AS chunks").
		ColumnExpr("(SELECT COUNT(*)::int FROM document_chunks c WHERE c.document_id = d.id AND c.embedding IS NOT NULL) AS embedded_chunks").
		Where("d.user_id = ?", params.UserID)

	if params.Status != "" {
		query = query.Where("d.status = ?", params.Status)
	}

	// Apply cursor-based pagination
	if params.Cursor != nil {
		query = query.Where("(d.created_at, d.id) < (?, ?)", params.Cursor.CreatedAt, params.Cursor.ID)
	}

	// Get total count (without pagination)
	countQuery := r.db.NewSelect().
		Model((*Document)(nil)).
		Where("user_id = ?", params.UserID)
	if params.Status != "" {
		countQuery = countQuery.Where("status = ?", params.Status)
	}

	total, err := countQuery.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}

	// Order by created_at DESC, id DESC for cursor pagination
	query = query.Order("d.created_at DESC", "d.id DESC").
		Limit(params.Limit + 1) // +1 to detect if there are more

	docs := []Document{}
	if err := query.Scan(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	// Check if there are more results
	var nextCursor *string
	if len(docs) > params.Limit {
		docs = docs[:params.Limit]
		lastDoc := docs[len(docs)-1]
		cursor := Cursor{
			CreatedAt: lastDoc.CreatedAt,
			ID:        lastDoc.ID,
		}
		cursorJSON, _ := json.Marshal(cursor)
		encoded := base64.URLEncoding.EncodeToString(cursorJSON)
		nextCursor = &encoded
	}

	return &ListResult{
		Documents:  docs,
		Total:      total,
		NextCursor: nextCursor,
	}, nil
}

// UpdateParseResult writes the parsed artifact path and hash after validation
func (r *Repository) UpdateParseResult(ctx context.Context, documentID uuid.UUID, parsedPath, parsedHash string) error {
	_, err := r.db.NewUpdate().
		Model((*Document)(nil)).
		Set("parsed_path = ?", parsedPath).
		Set("parsed_hash = ?", parsedHash).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", documentID).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("update parse result: %w", err)
	}

	return nil
}

// UpdateParsedPath repoints the parsed artifact at an existing canonical copy
func (r *Repository) UpdateParsedPath(ctx context.Context, documentID uuid.UUID, parsedPath string) error {
	_, err := r.db.NewUpdate().
		Model((*Document)(nil)).
		Set("parsed_path = ?", parsedPath).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", documentID).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("update parsed path: %w", err)
	}

	return nil
}

// UpdateStatus sets the document's processing status
func (r *Repository) UpdateStatus(ctx context.Context, documentID uuid.UUID, status string) error {
	_, err := r.db.NewUpdate().
		Model((*Document)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", documentID).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}

	return nil
}

// ParseCursor decodes a base64-encoded cursor
func ParseCursor(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	var cursor Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("invalid cursor format: %w", err)
	}

	return &cursor, nil
}
