package documents

import (
	"github.com/labstack/echo/v4"

	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/server"
)

// RegisterRoutes registers document routes with the Echo router.
// Intake (POST /api/documents) is registered by the ingestion domain.
func RegisterRoutes(e *echo.Echo, h *Handler, cfg *config.Config) {
	g := e.Group("/api/documents")
	g.Use(server.APIKeyAuth(cfg.APIKey))

	g.GET("", h.List)
	g.GET("/:id", h.GetByID)
	g.GET("/:id/download", h.Download)
}
