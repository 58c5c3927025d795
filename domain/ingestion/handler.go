package ingestion

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docmill/docmill/internal/server"
	"github.com/docmill/docmill/pkg/apperror"
)

// Handler handles ingestion HTTP requests
type Handler struct {
	intake *Intake
	store  *Store
	pool   *Pool
}

// NewHandler creates a new ingestion handler
func NewHandler(intake *Intake, store *Store, pool *Pool) *Handler {
	return &Handler{intake: intake, store: store, pool: pool}
}

// Submit handles POST /api/documents
func (h *Handler) Submit(c echo.Context) error {
	userID, err := server.UserID(c)
	if err != nil {
		return err
	}

	var req IntakeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	req.UserID = userID

	result, err := h.intake.Admit(c.Request().Context(), req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, result)
}

// GetJob handles GET /api/jobs/:id
func (h *Handler) GetJob(c echo.Context) error {
	userID, err := server.UserID(c)
	if err != nil {
		return err
	}

	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid job ID")
	}

	job, err := h.store.GetByIDForUser(c.Request().Context(), jobID, userID)
	if err != nil {
		return err
	}
	if job == nil {
		return apperror.NewNotFound("job", jobID.String())
	}

	return c.JSON(http.StatusOK, job.ToDTO())
}

// ListJobs handles GET /api/jobs?document_id=&state=&limit=
func (h *Handler) ListJobs(c echo.Context) error {
	userID, err := server.UserID(c)
	if err != nil {
		return err
	}

	params := ListJobsParams{UserID: userID}

	if docStr := c.QueryParam("document_id"); docStr != "" {
		docID, err := uuid.Parse(docStr)
		if err != nil {
			return apperror.ErrBadRequest.WithMessage("invalid document_id")
		}
		params.DocumentID = &docID
	}

	if state := c.QueryParam("state"); state != "" {
		params.State = State(state)
	}

	if limitStr := c.QueryParam("limit"); limitStr != "" {
		limit, err := parsePositiveInt(limitStr, 1, 200)
		if err != nil {
			return apperror.ErrBadRequest.WithMessage("limit must be between 1 and 200")
		}
		params.Limit = limit
	}

	jobs, err := h.store.List(c.Request().Context(), params)
	if err != nil {
		return err
	}

	dtos := make([]*JobDTO, 0, len(jobs))
	for _, job := range jobs {
		dtos = append(dtos, job.ToDTO())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": dtos})
}

// PipelineHealth handles GET /api/pipeline/health
func (h *Handler) PipelineHealth(c echo.Context) error {
	statuses := h.pool.Health(c.Request().Context())

	overall := "ok"
	for _, s := range statuses {
		if s.Status != "ok" {
			overall = s.Status
			break
		}
	}

	stats, err := h.store.Stats(c.Request().Context())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  overall,
		"workers": statuses,
		"queue":   stats,
	})
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
