package workspace

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers workspace CRUD routes.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/v1/workspaces")

	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:workspace_id", h.Get)
	g.POST("/:workspace_id/stop", h.Stop)
	g.DELETE("/:workspace_id", h.Delete)
}
