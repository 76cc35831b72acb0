package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ode-ingress/internal/config"
	"ode-ingress/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	m *metrics.Metrics,
	health *HealthHandler,
	proxy *ProxyHandler,
	ui *StaticHandler,
	passthrough *PassthroughHandler,
) {
	e.GET("/health", health.Health)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	if cfg.Passthrough.Enabled {
		e.Any("/", passthrough.Handle)
		e.Any("/*", passthrough.Handle)
		return
	}

	for _, route := range cfg.Proxy.Routes {
		methods := append(append([]string{}, route.Methods...), http.MethodOptions)
		h := proxy.Handle(route)
		e.Match(methods, route.Prefix, h)
		e.Match(methods, route.Prefix+"/*", h)
	}

	assets := []string{http.MethodGet, http.MethodHead}
	e.Match(assets, "/", ui.Serve)
	e.Match(assets, "/*", ui.Serve)
}
