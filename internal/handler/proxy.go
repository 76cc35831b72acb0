package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"

	"ode-ingress/internal/config"
	"ode-ingress/internal/model"
	"ode-ingress/internal/service"
)

// errorBody is the JSON shape of every locally generated error response.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ProxyHandler forwards requests on the configured prefixes to the upstream.
// It answers CORS for those prefixes itself, so the global CORS middleware
// skips them.
type ProxyHandler struct {
	service      *service.ProxyService
	allowOrigins []string
	logger       *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:      svc,
		allowOrigins: cfg.CORS.AllowOrigins,
		logger:       logger.With("component", "proxy_handler"),
	}
}

// Handle returns the handler for one route. The same function serves the bare
// prefix and everything below it.
func (h *ProxyHandler) Handle(route config.RouteConfig) echo.HandlerFunc {
	allow := strings.Join(append(append([]string{}, route.Methods...), http.MethodOptions), ", ")

	return func(c echo.Context) error {
		req := c.Request()
		h.setAllowOrigin(c)

		if req.Method == http.MethodOptions {
			return preflight(c, allow)
		}

		body, err := io.ReadAll(req.Body)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return c.JSON(http.StatusBadRequest, errorBody{Error: "could not read request body"})
		}

		pr := &model.ProxyRequest{
			Method:   req.Method,
			Path:     req.URL.EscapedPath(),
			RawQuery: req.URL.RawQuery,
			Header:   req.Header,
			Body:     body,
		}

		resp, err := h.service.Forward(req.Context(), route, pr)
		if err != nil {
			return h.mapError(c, err)
		}

		if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
			return c.NoContent(resp.StatusCode)
		}

		switch b := resp.Body.(type) {
		case model.StructuredBody:
			return c.JSONBlob(resp.StatusCode, b.JSON)
		case model.RawBody:
			return c.Blob(resp.StatusCode, b.ContentType, b.Data)
		default:
			return h.mapError(c, fmt.Errorf("unexpected response body %T", resp.Body))
		}
	}
}

// setAllowOrigin sets Access-Control-Allow-Origin for the configured origins.
// A "*" entry allows every origin; otherwise only a listed Origin is echoed back.
func (h *ProxyHandler) setAllowOrigin(c echo.Context) {
	header := c.Response().Header()
	if slices.Contains(h.allowOrigins, "*") {
		header.Set(echo.HeaderAccessControlAllowOrigin, "*")
		return
	}
	header.Add(echo.HeaderVary, echo.HeaderOrigin)
	if origin := c.Request().Header.Get(echo.HeaderOrigin); origin != "" && slices.Contains(h.allowOrigins, origin) {
		header.Set(echo.HeaderAccessControlAllowOrigin, origin)
	}
}

// preflight answers OPTIONS locally with the route's own methods; the upstream
// is never contacted.
func preflight(c echo.Context, allow string) error {
	header := c.Response().Header()
	header.Set(echo.HeaderAccessControlAllowMethods, allow)
	header.Set(echo.HeaderAccessControlAllowHeaders, "Content-Type, Authorization")
	header.Set(echo.HeaderAllow, allow)
	return c.NoContent(http.StatusNoContent)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, service.ErrInvalidBody):
		h.logger.Warn("rejected request body", "err", err, "path", path)
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})

	case errors.Is(err, service.ErrUpstreamTimeout):
		h.logger.Error("upstream timeout", "err", err, "path", path)
		return c.JSON(http.StatusGatewayTimeout, errorBody{
			Error:   "upstream timeout",
			Details: err.Error(),
		})

	case errors.Is(err, service.ErrUpstreamUnavailable):
		h.logger.Error("upstream unavailable", "err", err, "path", path)
		return c.JSON(http.StatusBadGateway, errorBody{
			Error:   "upstream not available",
			Details: err.Error(),
		})

	case errors.Is(err, context.Canceled):
		h.logger.Info("client disconnected", "path", path)
		return c.JSON(http.StatusBadGateway, errorBody{Error: "client disconnected"})
	}

	h.logger.Error("proxy error", "err", err, "path", path)
	return c.JSON(http.StatusInternalServerError, errorBody{
		Error:   "internal error",
		Details: err.Error(),
	})
}
