package documents

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docmill/docmill/internal/server"
	"github.com/docmill/docmill/pkg/apperror"
)

// Handler handles document HTTP requests
type Handler struct {
	svc *Service
}

// NewHandler creates a new documents handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// List handles GET /api/documents
func (h *Handler) List(c echo.Context) error {
	userID, err := server.UserID(c)
	if err != nil {
		return err
	}

	params := ListParams{
		UserID: userID,
	}

	if limitStr := c.QueryParam("limit"); limitStr != "" {
		limit, err := parsePositiveInt(limitStr, 1, 500)
		if err != nil {
			return apperror.ErrBadRequest.WithMessage("limit must be between 1 and 500")
		}
		params.Limit = limit
	}

	if cursorStr := c.QueryParam("cursor"); cursorStr != "" {
		cursor, err := ParseCursor(cursorStr)
		if err != nil {
			return apperror.ErrBadRequest.WithMessage("invalid cursor")
		}
		params.Cursor = cursor
	}

	if status := c.QueryParam("status"); status != "" {
		params.Status = status
	}

	result, err := h.svc.List(c.Request().Context(), params)
	if err != nil {
		return err
	}

	// Expose the continuation cursor in a header as well as the body
	if result.NextCursor != nil {
		c.Response().Header().Set("x-next-cursor", *result.NextCursor)
	}

	return c.JSON(http.StatusOK, result)
}

// GetByID handles GET /api/documents/:id
func (h *Handler) GetByID(c echo.Context) error {
	userID, err := server.UserID(c)
	if err != nil {
		return err
	}

	documentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid document ID")
	}

	doc, err := h.svc.GetByID(c.Request().Context(), userID, documentID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, doc)
}

// Download handles GET /api/documents/:id/download?artifact=raw|parsed
// Responds with a presigned GET URL instead of proxying artifact bytes.
func (h *Handler) Download(c echo.Context) error {
	userID, err := server.UserID(c)
	if err != nil {
		return err
	}

	documentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid document ID")
	}

	resp, err := h.svc.GetDownloadURL(c.Request().Context(), userID, documentID, c.QueryParam("artifact"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}

// parsePositiveInt parses a string as an int and validates it's within bounds
func parsePositiveInt(s string, min, max int) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, apperror.ErrBadRequest
		}
		n = n*10 + int(c-'0')
		if n > max {
			return 0, apperror.ErrBadRequest
		}
	}
	if n < min {
		return 0, apperror.ErrBadRequest
	}
	return n, nil
}
