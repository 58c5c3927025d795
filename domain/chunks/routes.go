package chunks

import (
	"github.com/labstack/echo/v4"

	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/server"
)

// RegisterRoutes registers the chunks routes
func RegisterRoutes(e *echo.Echo, handler *Handler, cfg *config.Config) {
	chunks := e.Group("/api/chunks")
	chunks.Use(server.APIKeyAuth(cfg.APIKey))

	chunks.GET("", handler.List)
	chunks.GET("/:id", handler.GetByID)
}
