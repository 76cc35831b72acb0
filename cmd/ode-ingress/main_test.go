package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"ode-ingress/internal/client"
	"ode-ingress/internal/config"
	"ode-ingress/internal/handler"
	"ode-ingress/internal/metrics"
	"ode-ingress/internal/service"
	"ode-ingress/internal/static"
)

type testApp struct {
	echo *echo.Echo
	hits *atomic.Int64
}

// newTestApp wires the server the way main does, minus fx and the listener.
// extraTOML is appended to the config file.
func newTestApp(t *testing.T, extraTOML string) *testApp {
	t.Helper()

	hits := &atomic.Int64{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coordinator/status" || r.Method != http.MethodGet {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	staticRoot := filepath.Join(dir, "dist")
	if err := os.MkdirAll(staticRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{
		"index.html": "<html><head></head><body><script src=\"/app.js\"></script></body></html>",
		"app.js":     "console.log('ode')",
	} {
		if err := os.WriteFile(filepath.Join(staticRoot, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfgPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte(extraTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	optsPath := filepath.Join(dir, "options.json")
	if err := os.WriteFile(optsPath, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(&config.CLI{
		Config:     cfgPath,
		Options:    optsPath,
		Upstream:   upstream.URL,
		StaticRoot: staticRoot,
	})
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewForConfig(cfg)
	e, err := newEcho(cfg, logger, m)
	if err != nil {
		t.Fatalf("newEcho() error = %v", err)
	}

	uc := client.NewUpstreamClient(cfg, logger, m)
	svc, err := service.NewProxyService(uc, cfg, logger, m)
	if err != nil {
		t.Fatalf("NewProxyService() error = %v", err)
	}
	site, err := static.NewSite(cfg)
	if err != nil {
		t.Fatalf("NewSite() error = %v", err)
	}
	t.Cleanup(func() { _ = site.Close() })
	passthrough, err := handler.NewPassthroughHandler(cfg, uc, logger)
	if err != nil {
		t.Fatalf("NewPassthroughHandler() error = %v", err)
	}

	handler.RegisterRoutes(e, cfg, m,
		handler.NewHealthHandler(service.NewHealthService(uc, cfg, logger, m), cfg, "test"),
		handler.NewProxyHandler(svc, cfg, logger),
		handler.NewStaticHandler(site, cfg, logger),
		passthrough,
	)
	e.GET("/whoami", func(c echo.Context) error {
		return c.String(http.StatusOK, c.RealIP())
	})

	return &testApp{echo: e, hits: hits}
}

func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func TestServer_ProxyPreflight(t *testing.T) {
	app := newTestApp(t, "")

	tests := []struct {
		name          string
		path          string
		origin        string
		requestMethod string
		wantMethods   string
	}{
		{"bare options on GET-only route", "/docs/openapi.json", "", "", "GET, OPTIONS"},
		{"browser preflight on GET-only route", "/docs/openapi.json", "http://homeassistant.local:8123", http.MethodGet, "GET, OPTIONS"},
		{"browser preflight on write route", "/coordinator/limits", "http://homeassistant.local:8123", http.MethodPost, "GET, POST, PUT, DELETE, OPTIONS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, tt.path, http.NoBody)
			if tt.origin != "" {
				req.Header.Set(echo.HeaderOrigin, tt.origin)
				req.Header.Set(echo.HeaderAccessControlRequestMethod, tt.requestMethod)
			}
			rec := app.do(req)

			if rec.Code != http.StatusNoContent {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
			}
			if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
			}
			if got := rec.Header().Get(echo.HeaderAccessControlAllowMethods); got != tt.wantMethods {
				t.Errorf("Access-Control-Allow-Methods = %q, want %q", got, tt.wantMethods)
			}
			if got := rec.Header().Get(echo.HeaderAccessControlAllowHeaders); got != "Content-Type, Authorization" {
				t.Errorf("Access-Control-Allow-Headers = %q, want %q", got, "Content-Type, Authorization")
			}
			if got := rec.Header().Get(echo.HeaderAllow); got != tt.wantMethods {
				t.Errorf("Allow = %q, want %q", got, tt.wantMethods)
			}
		})
	}

	if n := app.hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
}

func TestServer_ProxyPreflightRestrictedOrigins(t *testing.T) {
	app := newTestApp(t, "[cors]\nallow_origins = [\"http://homeassistant.local:8123\"]\n")

	tests := []struct {
		origin string
		want   string
	}{
		{"http://homeassistant.local:8123", "http://homeassistant.local:8123"},
		{"http://evil.test", ""},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/coordinator", http.NoBody)
			req.Header.Set(echo.HeaderOrigin, tt.origin)
			req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPut)
			rec := app.do(req)

			if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != tt.want {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServer_UIPreflightUsesCORSMiddleware(t *testing.T) {
	app := newTestApp(t, "")

	req := httptest.NewRequest(http.MethodOptions, "/", http.NoBody)
	req.Header.Set(echo.HeaderOrigin, "http://homeassistant.local:8123")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodGet)
	rec := app.do(req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestServer_ProxiedResponseCarriesAllowOrigin(t *testing.T) {
	app := newTestApp(t, "")

	req := httptest.NewRequest(http.MethodGet, "/coordinator/limits", http.NoBody)
	req.Header.Set(echo.HeaderOrigin, "http://homeassistant.local:8123")
	rec := app.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if n := app.hits.Load(); n != 1 {
		t.Errorf("upstream hits = %d, want 1", n)
	}
}

func TestServer_BodyLimit(t *testing.T) {
	app := newTestApp(t, "[server]\nbody_max_bytes = 16\n")

	body := `{"export_limit_watts":5000,"site":"main"}`
	req := httptest.NewRequest(http.MethodPost, "/coordinator/limits", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := app.do(req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if n := app.hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
}

func TestServer_ClientIP(t *testing.T) {
	tests := []struct {
		name       string
		toml       string
		remoteAddr string
		want       string
	}{
		{"forwarded header ignored by default", "", "192.0.2.10:4000", "192.0.2.10"},
		{"trusted proxy", "[server]\ntrusted_proxies = [\"192.0.2.0/24\"]\n", "192.0.2.10:4000", "203.0.113.7"},
		{"untrusted peer", "[server]\ntrusted_proxies = [\"192.0.2.0/24\"]\n", "198.51.100.1:4000", "198.51.100.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, tt.toml)

			req := httptest.NewRequest(http.MethodGet, "/whoami", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			req.Header.Set(echo.HeaderXForwardedFor, "203.0.113.7")
			rec := app.do(req)

			if got := rec.Body.String(); got != tt.want {
				t.Errorf("client IP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServer_SecurityHeaders(t *testing.T) {
	app := newTestApp(t, "")

	rec := app.do(httptest.NewRequest(http.MethodGet, "/app.js", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get(echo.HeaderXFrameOptions); got != "SAMEORIGIN" {
		t.Errorf("X-Frame-Options = %q, want SAMEORIGIN", got)
	}
	if got := rec.Header().Get(echo.HeaderXContentTypeOptions); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestServer_RateLimitSparesHealth(t *testing.T) {
	app := newTestApp(t, "[server.rate_limit]\nenabled = true\nrequests_per_second = 1\n")

	limited := false
	for range 10 {
		if rec := app.do(httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)); rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected a 429 after the burst on /proxy/status")
	}

	for i := range 5 {
		if rec := app.do(httptest.NewRequest(http.MethodGet, "/health", http.NoBody)); rec.Code != http.StatusOK {
			t.Fatalf("/health request %d: status = %d, want %d", i, rec.Code, http.StatusOK)
		}
	}
}
