// Package v1 provides the work loop's HTTP handlers.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/workloop/internal/agents"
	"github.com/xiaot623/gogo/workloop/internal/repository"
)

// AgentLister returns the live agent handles.
type AgentLister interface {
	Active() []agents.Info
}

// Handler handles HTTP requests.
type Handler struct {
	store  store.Store
	agents AgentLister
}

// NewHandler creates a new handler.
func NewHandler(db store.Store, lister AgentLister) *Handler {
	return &Handler{
		store:  db,
		agents: lister,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/status", h.GetStatus)
	e.PUT("/v1/projects/:project_id/workloop", h.SetWorkLoop)
	e.GET("/v1/projects/:project_id/actions", h.ListActions)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
