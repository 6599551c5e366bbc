package workspace

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cadenza-ai/cadenza/pkg/apperror"
)

// HeaderUserID carries the caller identity on every workspace endpoint.
const HeaderUserID = "X-User-Id"

// Handler exposes workspace CRUD over HTTP.
type Handler struct {
	manager *Manager
}

// NewHandler creates the workspace handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// UserID extracts the caller identity from the request, or an error when the
// header is missing.
func UserID(c echo.Context) (string, error) {
	userID := c.Request().Header.Get(HeaderUserID)
	if userID == "" {
		return "", apperror.ErrBadRequest.WithMessage("X-User-Id header is required")
	}
	return userID, nil
}

// Create handles POST /api/v1/workspaces.
func (h *Handler) Create(c echo.Context) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}

	var req CreateWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	ws, err := h.manager.Create(c.Request().Context(), userID, &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ws.ToDTO())
}

// List handles GET /api/v1/workspaces.
func (h *Handler) List(c echo.Context) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}

	list, err := h.manager.List(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	dtos := make([]*WorkspaceDTO, 0, len(list))
	for _, ws := range list {
		dtos = append(dtos, ws.ToDTO())
	}
	return c.JSON(http.StatusOK, map[string]any{"workspaces": dtos})
}

// Get handles GET /api/v1/workspaces/:workspace_id.
func (h *Handler) Get(c echo.Context) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}

	ws, err := h.manager.Get(c.Request().Context(), c.Param("workspace_id"), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ws.ToDTO())
}

// Stop handles POST /api/v1/workspaces/:workspace_id/stop.
func (h *Handler) Stop(c echo.Context) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}

	workspaceID := c.Param("workspace_id")
	if err := h.manager.Stop(c.Request().Context(), workspaceID, userID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"workspace_id": workspaceID,
		"status":       StatusStopped,
	})
}

// Delete handles DELETE /api/v1/workspaces/:workspace_id.
func (h *Handler) Delete(c echo.Context) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}

	if err := h.manager.Delete(c.Request().Context(), c.Param("workspace_id"), userID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
