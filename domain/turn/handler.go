package turn

import (
	"github.com/labstack/echo/v4"

	"github.com/cadenza-ai/cadenza/domain/workspace"
	"github.com/cadenza-ai/cadenza/pkg/apperror"
	"github.com/cadenza-ai/cadenza/pkg/sse"
)

// Handler exposes the streaming chat endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates the turn handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// ChatStream handles POST /api/v1/workspaces/:workspace_id/chat/stream.
// Errors before the first frame render as JSON; after that the stream
// carries its own error and done frames.
func (h *Handler) ChatStream(c echo.Context) error {
	userID, err := workspace.UserID(c)
	if err != nil {
		return err
	}

	req := new(Request)
	if err := c.Bind(req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	req.WorkspaceID = c.Param("workspace_id")
	req.UserID = userID

	writer := sse.NewWriter(c.Response())
	sink := func(event any) error {
		// Headers flush on the first frame so validation errors can still
		// return a JSON status.
		if err := writer.Start(); err != nil {
			return err
		}
		return writer.WriteData(event)
	}

	ctx := c.Request().Context()
	stop := writer.KeepAlive(ctx, sse.DefaultKeepAliveInterval)
	defer stop()

	return h.service.Stream(ctx, req, sink)
}
