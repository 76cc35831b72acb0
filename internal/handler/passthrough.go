package handler

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/labstack/echo/v4"

	"ode-ingress/internal/client"
	"ode-ingress/internal/config"
)

var unreachablePage = template.Must(template.New("unreachable").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>ODE Connection Error</title>
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; background: #1a1a1a; color: #e0e0e0; }
    .box { background: #2a2a2a; padding: 40px; border-radius: 8px; text-align: center; max-width: 600px; }
    h1 { color: #f44336; font-size: 24px; }
    code { background: #1a1a1a; padding: 4px 8px; border-radius: 4px; }
    ul { text-align: left; display: inline-block; }
  </style>
</head>
<body>
  <div class="box">
    <h1>Cannot connect to Open Dynamic Export</h1>
    <p>Unable to reach ODE at <code>{{.Upstream}}</code>.</p>
    <ul>
      <li>The Open Dynamic Export add-on is installed and started</li>
      <li>Its logs show no errors</li>
      <li>Port {{.Port}} is reachable from this add-on</li>
    </ul>
    <p><button onclick="location.reload()">Retry</button></p>
  </div>
</body>
</html>
`))

// PassthroughHandler proxies every request to the upstream unchanged.
type PassthroughHandler struct {
	proxy    *httputil.ReverseProxy
	upstream *url.URL
	logger   *slog.Logger
}

// NewPassthroughHandler creates a PassthroughHandler sharing the upstream client's transport.
func NewPassthroughHandler(cfg *config.Config, c *client.UpstreamClient, logger *slog.Logger) (*PassthroughHandler, error) {
	target, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	h := &PassthroughHandler{
		upstream: target,
		logger:   logger.With("component", "passthrough_handler"),
	}
	h.proxy = &httputil.ReverseProxy{
		// Rewrite mode drops inbound X-Forwarded-* headers; SetURL also
		// points the Host header at the upstream.
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
		},
		Transport:    c.Transport(),
		ErrorHandler: h.renderError,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
	return h, nil
}

// Handle proxies the request.
func (h *PassthroughHandler) Handle(c echo.Context) error {
	h.logger.Debug("passthrough", "method", c.Request().Method, "path", c.Request().URL.Path)
	h.proxy.ServeHTTP(c.Response(), c.Request())
	return nil
}

func (h *PassthroughHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		h.logger.Debug("client disconnected", "path", r.URL.Path)
		return
	}
	h.logger.Error("passthrough error", "err", err, "path", r.URL.Path)

	port := h.upstream.Port()
	if port == "" {
		port = "80"
		if h.upstream.Scheme == "https" {
			port = "443"
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	if err := unreachablePage.Execute(w, struct {
		Upstream string
		Port     string
	}{h.upstream.String(), port}); err != nil {
		h.logger.Error("render error page", "err", err)
	}
}
