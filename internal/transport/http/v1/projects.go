package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// WorkLoopToggleRequest enables or disables the work loop for a project.
type WorkLoopToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetWorkLoop toggles a project's work loop flag.
// PUT /v1/projects/:project_id/workloop
func (h *Handler) SetWorkLoop(c echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("project_id")

	var req WorkLoopToggleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Enabled == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "enabled is required"})
	}

	project, err := h.store.GetProject(ctx, projectID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if project == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "project not found"})
	}

	if err := h.store.SetWorkLoopEnabled(ctx, projectID, *req.Enabled); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"project_id":        projectID,
		"work_loop_enabled": *req.Enabled,
	})
}
