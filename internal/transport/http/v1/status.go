package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/workloop/internal/agents"
	"github.com/xiaot623/gogo/workloop/internal/domain"
)

const (
	defaultActionLimit = 50
	maxActionLimit     = 500
)

// GetStatus returns per-project cycle state and the live agents.
// GET /v1/status
func (h *Handler) GetStatus(c echo.Context) error {
	ctx := c.Request().Context()

	cycles, err := h.store.ListCycleStates(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if cycles == nil {
		cycles = []domain.CycleState{}
	}
	active := []agents.Info{}
	if h.agents != nil {
		active = append(active, h.agents.Active()...)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"cycles":        cycles,
		"active_agents": active,
	})
}

// ListActions returns a project's most recent audit entries.
// GET /v1/projects/:project_id/actions?limit=
func (h *Handler) ListActions(c echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("project_id")

	limit := defaultActionLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}
	if limit > maxActionLimit {
		limit = maxActionLimit
	}

	entries, err := h.store.ListActions(ctx, projectID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if entries == nil {
		entries = []domain.ActionLogEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"actions":    entries,
	})
}
