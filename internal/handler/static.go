package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"ode-ingress/internal/config"
	"ode-ingress/internal/static"
)

// StaticHandler serves the built UI with SPA fallback to the index document.
type StaticHandler struct {
	site          *static.Site
	indexName     string
	ingressHeader string
	logger        *slog.Logger
}

// NewStaticHandler creates a StaticHandler.
func NewStaticHandler(site *static.Site, cfg *config.Config, logger *slog.Logger) *StaticHandler {
	return &StaticHandler{
		site:          site,
		indexName:     cfg.Static.Index,
		ingressHeader: cfg.Static.IngressHeader,
		logger:        logger.With("component", "static_handler"),
	}
}

// Serve returns the requested file when it exists under the static root and
// the index document for every other path.
func (h *StaticHandler) Serve(c echo.Context) error {
	req := c.Request()

	f, err := h.site.Open(req.URL.Path)
	if err != nil {
		if !errors.Is(err, static.ErrNotFound) {
			h.logger.Warn("static lookup failed", "err", err, "path", req.URL.Path)
		}
		return h.serveIndex(c)
	}
	defer func() { _ = f.Close() }()

	// The index always goes through the ingress rewrite, even when named explicitly.
	if f.Name == h.indexName {
		return h.serveIndex(c)
	}

	c.Response().Header().Set(echo.HeaderContentType, f.ContentType)
	http.ServeContent(c.Response(), req, f.Name, f.ModTime, f)
	return nil
}

func (h *StaticHandler) serveIndex(c echo.Context) error {
	var ingress string
	if v := c.Request().Header.Get(h.ingressHeader); v != "" {
		p, ok := static.NormalizeIngress(v)
		if ok {
			ingress = p
		} else {
			h.logger.Warn("ignoring malformed ingress path", "header", h.ingressHeader, "value", v)
		}
	}

	doc, err := h.site.Index(ingress)
	if err != nil {
		if errors.Is(err, static.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorBody{Error: "not found"})
		}
		h.logger.Error("read index", "err", err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
	}

	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.HTMLBlob(http.StatusOK, doc)
}
