package ingestion

import (
	"github.com/labstack/echo/v4"

	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/server"
)

// RegisterRoutes registers ingestion routes with the Echo router.
func RegisterRoutes(e *echo.Echo, h *Handler, cfg *config.Config) {
	api := e.Group("/api")
	api.Use(server.APIKeyAuth(cfg.APIKey))

	api.POST("/documents", h.Submit)
	api.GET("/jobs", h.ListJobs)
	api.GET("/jobs/:id", h.GetJob)
	api.GET("/pipeline/health", h.PipelineHealth)
}
