package handler

import (
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"

	"ode-ingress/internal/client"
	"ode-ingress/internal/config"
	"ode-ingress/internal/metrics"
	"ode-ingress/internal/service"
	"ode-ingress/internal/static"
)

const testIndexHTML = `<!doctype html>
<html>
<head></head>
<body>
  <div id="root"></div>
  <script src="/app.js"></script>
</body>
</html>
`

// writeStaticRoot creates a UI build directory. The index is omitted when withIndex is false.
func writeStaticRoot(t *testing.T, withIndex bool) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"app.js":           "console.log('ode')",
		"assets/style.css": "body{}",
	}
	if withIndex {
		files["index.html"] = testIndexHTML
	}
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testConfig(upstreamURL, staticRoot string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         upstreamURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Static: config.StaticConfig{
			Root:          staticRoot,
			Index:         "index.html",
			IngressHeader: "X-Ingress-Path",
		},
		Proxy:   config.ProxyConfig{Routes: config.DefaultRoutes()},
		Health:  config.HealthConfig{Path: "/coordinator/status", TimeoutSeconds: 1},
		CORS:    config.CORSConfig{AllowOrigins: []string{"*"}},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// newTestServer builds the route table without the middleware chain.
func newTestServer(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewForConfig(cfg)
	uc := client.NewUpstreamClient(cfg, logger, m)

	svc, err := service.NewProxyService(uc, cfg, logger, m)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	site, err := static.NewSite(cfg)
	if err != nil {
		t.Fatalf("NewSite: %v", err)
	}
	t.Cleanup(func() { _ = site.Close() })
	passthrough, err := NewPassthroughHandler(cfg, uc, logger)
	if err != nil {
		t.Fatalf("NewPassthroughHandler: %v", err)
	}

	e := echo.New()
	RegisterRoutes(e, cfg, m,
		NewHealthHandler(service.NewHealthService(uc, cfg, logger, m), cfg, "test"),
		NewProxyHandler(svc, cfg, logger),
		NewStaticHandler(site, cfg, logger),
		passthrough,
	)
	return e
}

// closedAddr returns a loopback address nothing is listening on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}
