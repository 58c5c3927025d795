package documents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docmill/docmill/internal/storage"
	"github.com/docmill/docmill/pkg/apperror"
	"github.com/docmill/docmill/pkg/logger"
)

// Service handles document business logic
type Service struct {
	repo    *Repository
	storage *storage.Service
	log     *slog.Logger
}

// NewService creates a new documents service
func NewService(repo *Repository, store *storage.Service, log *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		storage: store,
		log:     log.With(logger.Scope("documents.svc")),
	}
}

// List retrieves the user's documents with pagination and status filtering
func (s *Service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	return s.repo.List(ctx, params)
}

// GetByID retrieves a single document owned by the user. Documents of other
// users are reported as not found.
func (s *Service) GetByID(ctx context.Context, userID string, documentID uuid.UUID) (*Document, error) {
	doc, err := s.repo.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.UserID != userID {
		return nil, apperror.ErrDocumentNotFound
	}
	return doc, nil
}

// DownloadResponse carries a presigned GET URL for a stored artifact
type DownloadResponse struct {
	URL       string `json:"url"`
	Artifact  string `json:"artifact"`
	ExpiresAt string `json:"expiresAt"`
}

// GetDownloadURL mints a presigned GET URL for the document's raw or parsed
// artifact. The parsed artifact exists only after the parse stages complete.
func (s *Service) GetDownloadURL(ctx context.Context, userID string, documentID uuid.UUID, artifact string) (*DownloadResponse, error) {
	doc, err := s.GetByID(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}

	var key string
	switch artifact {
	case "", "raw":
		artifact = "raw"
		key = doc.RawPath
	case "parsed":
		if doc.ParsedPath == nil {
			return nil, apperror.ErrNotFound.WithMessage("Document has no parsed artifact yet")
		}
		key = *doc.ParsedPath
	default:
		return nil, apperror.ErrBadRequest.WithMessage("artifact must be 'raw' or 'parsed'")
	}

	const ttl = time.Hour
	url, err := s.storage.GetSignedDownloadURL(ctx, key, storage.GetSignedDownloadURLOptions{
		ExpiresIn:                  ttl,
		ResponseContentDisposition: fmt.Sprintf("attachment; filename=%q", doc.Filename),
	})
	if err != nil {
		s.log.Error("failed to presign download", logger.Error(err),
			slog.String("document_id", documentID.String()),
			slog.String("artifact", artifact))
		return nil, apperror.ErrStorage.WithInternal(err)
	}

	return &DownloadResponse{
		URL:       url,
		Artifact:  artifact,
		ExpiresAt: time.Now().UTC().Add(ttl).Format(time.RFC3339),
	}, nil
}
