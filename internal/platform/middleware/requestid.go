package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/hipaa"
)

// RequestIDHeader carries the correlation id in and out.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

const maxRequestIDLen = 128

// RequestID reuses the caller's X-Request-ID or generates one, echoes it on
// the response and stores it in both the echo context and the request
// context, where audit events pick it up.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > maxRequestIDLen {
				rid = uuid.NewString()
			}
			c.Set(requestIDKey, rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			c.SetRequest(c.Request().WithContext(hipaa.WithRequestID(c.Request().Context(), rid)))
			return next(c)
		}
	}
}
