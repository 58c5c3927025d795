package chunks

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/docmill/docmill/pkg/apperror"
	"github.com/docmill/docmill/pkg/logger"
)

// Service handles business logic for chunks
type Service struct {
	repo *Repository
	log  *slog.Logger
}

// NewService creates a new chunks service
func NewService(repo *Repository, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With(logger.Scope("chunks.svc")),
	}
}

// List returns a document's chunks in ordinal order, visible only to the
// document's owner.
func (s *Service) List(ctx context.Context, userID string, documentID uuid.UUID) (*ListChunksResponse, error) {
	chunks, err := s.repo.ListByDocumentForUser(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}

	dtos := make([]*ChunkDTO, 0, len(chunks))
	for _, chunk := range chunks {
		dtos = append(dtos, chunk.ToDTO())
	}

	return &ListChunksResponse{
		Data:       dtos,
		TotalCount: len(dtos),
	}, nil
}

// GetByID retrieves a single chunk owned by the user
func (s *Service) GetByID(ctx context.Context, userID string, chunkID uuid.UUID) (*ChunkDTO, error) {
	chunk, err := s.repo.GetByIDForUser(ctx, chunkID, userID)
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		return nil, apperror.NewNotFound("chunk", chunkID.String())
	}

	return chunk.ToDTO(), nil
}
