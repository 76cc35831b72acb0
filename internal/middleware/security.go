package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are request headers that must not reach a handler or the upstream.
// Upgrade is among them: WebSocket upgrades are not proxied.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop request
// headers and sets hardening headers on every response. An empty frameOptions
// omits X-Frame-Options.
func SecurityHeaders(frameOptions string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			// Set before the handler runs; headers added after the body is written are lost.
			header := c.Response().Header()
			header.Set(echo.HeaderXContentTypeOptions, "nosniff")
			if frameOptions != "" {
				header.Set(echo.HeaderXFrameOptions, frameOptions)
			}

			return next(c)
		}
	}
}
