package turn

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers the streaming chat route.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.POST("/api/v1/workspaces/:workspace_id/chat/stream", h.ChatStream)
}
