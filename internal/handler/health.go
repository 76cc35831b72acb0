package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ode-ingress/internal/config"
	"ode-ingress/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	service *service.HealthService
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *service.HealthService, cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{service: svc, cfg: cfg, version: v}
}

// Health checks the upstream status endpoint for the supervisor watchdog.
func (h *HealthHandler) Health(c echo.Context) error {
	res := h.service.Check(c.Request().Context())

	code := http.StatusOK
	if res.Status != service.HealthOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]string{
		"status":   string(res.Status),
		"upstream": res.Upstream,
	})
}

// Status returns ingress status information without contacting the upstream.
func (h *HealthHandler) Status(c echo.Context) error {
	mode := "ui"
	if h.cfg.Passthrough.Enabled {
		mode = "passthrough"
	}
	routes := make([]string, 0, len(h.cfg.Proxy.Routes))
	for _, r := range h.cfg.Proxy.Routes {
		routes = append(routes, r.Prefix)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.cfg.Upstream.BaseURL,
		"mode":         mode,
		"routes":       routes,
	})
}
