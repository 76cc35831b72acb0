// Package middleware provides Echo middleware for request logging, metrics and response hardening.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// UI asset requests are logged at debug level; everything else at info.
// ingressHeader names the request header carrying the ingress path.
func RequestLogger(logger *slog.Logger, isAPI func(path string) bool, ingressHeader string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let Echo write the error response so the logged status is final.
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if isAPI != nil && !isAPI(req.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"ingress", ingressHeader != "" && req.Header.Get(ingressHeader) != "",
				"bytes_out", res.Size,
			)

			return nil
		}
	}
}
