package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"ode-ingress/internal/client"
	"ode-ingress/internal/config"
	"ode-ingress/internal/handler"
	"ode-ingress/internal/metrics"
	"ode-ingress/internal/middleware"
	"ode-ingress/internal/service"
	"ode-ingress/internal/static"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliArgs struct {
	config.CLI `embed:""`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli cliArgs
	kong.Parse(&cli,
		kong.Name("ode-ingress"),
		kong.Description("Ingress server for the Open Dynamic Export UI and API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli.CLI },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newEcho,
			metrics.NewForConfig,
			client.NewUpstreamClient,
			service.NewProxyService,
			service.NewHealthService,
			static.NewSite,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewStaticHandler,
			handler.NewPassthroughHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, logStartup, closeSite, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Upstream calls carry their own deadline.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	// The supervisor's ingress gateway is the usual client; only configured
	// proxies may set the client address through X-Forwarded-For.
	if len(cfg.Server.TrustedProxies) > 0 {
		opts := []echo.TrustOption{echo.TrustLinkLocal(false), echo.TrustPrivateNet(false)}
		for _, cidr := range cfg.Server.TrustedProxies {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
			}
			opts = append(opts, echo.TrustIPRange(ipNet))
		}
		e.IPExtractor = echo.ExtractIPFromXFFHeader(opts...)
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger, cfg.IsAPIPath, cfg.Static.IngressHeader))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders(cfg.Server.FrameOptions))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		// Proxied routes answer CORS with their own method list.
		Skipper: func(c echo.Context) bool {
			_, ok := cfg.RouteFor(c.Request().URL.Path)
			return ok
		},
		AllowOrigins: cfg.CORS.AllowOrigins,
		AllowMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost,
			http.MethodPut, http.MethodPatch, http.MethodDelete,
		},
	}))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond, "/health"))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e, nil
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func logStartup(cfg *config.Config, site *static.Site, logger *slog.Logger) {
	if cfg.Passthrough.Enabled {
		logger.Info("passthrough mode: all requests go to upstream", "upstream", cfg.Upstream.BaseURL)
		return
	}
	prefixes := make([]string, 0, len(cfg.Proxy.Routes))
	for _, r := range cfg.Proxy.Routes {
		prefixes = append(prefixes, r.Prefix)
	}
	logger.Info("serving UI",
		"static_root", site.Dir(),
		"upstream", cfg.Upstream.BaseURL,
		"routes", prefixes,
	)
}

func closeSite(lc fx.Lifecycle, site *static.Site) {
	lc.Append(fx.StopHook(site.Close))
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
