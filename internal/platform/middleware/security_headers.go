package middleware

import (
	"github.com/labstack/echo/v4"
)

// securityHeaders are set on every response. Record responses depend on
// who asked and may carry PHI, so nothing is cacheable by any intermediary.
var securityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
}

const hsts = "max-age=31536000; includeSubDomains"

// SecurityHeaders sets the headers above before the handler runs, so they
// are present on error responses too. HSTS is only sent over HTTPS,
// including behind a proxy that sets X-Forwarded-Proto.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range securityHeaders {
				h.Set(kv[0], kv[1])
			}
			h.Add(echo.HeaderVary, echo.HeaderAuthorization)
			if c.Scheme() == "https" {
				h.Set(echo.HeaderStrictTransportSecurity, hsts)
			}
			return next(c)
		}
	}
}
