// Package http provides the operational HTTP server for the work loop.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/workloop/internal/metrics"
	"github.com/xiaot623/gogo/workloop/internal/repository"
	v1 "github.com/xiaot623/gogo/workloop/internal/transport/http/v1"
)

// NewServer creates the status and control server.
func NewServer(db store.Store, agents v1.AgentLister, rec *metrics.Recorder) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Handlers
	handler := v1.NewHandler(db, agents)
	handler.RegisterRoutes(e)

	e.GET("/metrics", echo.WrapHandler(rec.Handler()))

	return e
}
