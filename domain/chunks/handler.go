package chunks

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docmill/docmill/internal/server"
	"github.com/docmill/docmill/pkg/apperror"
)

// Handler handles HTTP requests for chunks
type Handler struct {
	svc *Service
}

// NewHandler creates a new chunks handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// List handles GET /chunks?documentId=
// @Summary List chunks
// @Description List all chunks of a document owned by the caller
// @Tags chunks
// @Accept json
// @Produce json
// @Param documentId query string true "Document ID"
// @Success 200 {object} ListChunksResponse
// @Failure 400 {object} apperror.Error
// @Failure 401 {object} apperror.Error
// @Router /chunks [get]
func (h *Handler) List(c echo.Context) error {
	userID, err := server.UserID(c)
	if err != nil {
		return err
	}

	docIDStr := c.QueryParam("documentId")
	if docIDStr == "" {
		return apperror.ErrBadRequest.WithMessage("documentId query parameter is required")
	}
	documentID, err := uuid.Parse(docIDStr)
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid document ID")
	}

	response, err := h.svc.List(c.Request().Context(), userID, documentID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, response)
}

// GetByID handles GET /chunks/:id
// @Summary Get a chunk
// @Description Get a single chunk by ID, scoped to the caller's documents
// @Tags chunks
// @Accept json
// @Produce json
// @Param id path string true "Chunk ID"
// @Success 200 {object} ChunkDTO
// @Failure 400 {object} apperror.Error
// @Failure 401 {object} apperror.Error
// @Failure 404 {object} apperror.Error
// @Router /chunks/{id} [get]
func (h *Handler) GetByID(c echo.Context) error {
	userID, err := server.UserID(c)
	if err != nil {
		return err
	}

	chunkID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid chunk ID")
	}

	dto, err := h.svc.GetByID(c.Request().Context(), userID, chunkID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, dto)
}
