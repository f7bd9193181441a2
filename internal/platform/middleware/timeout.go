package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/apperror"
)

// RequestTimeout sets a deadline on each request context. When it expires
// before the handler returns, the caller gets SYSTEM_ERROR with status 504.
// Writes that have already reached the version store are not cancelled by
// the deadline; they finish on their own bounded context.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return timeoutError()
				}
				return ctx.Err()
			}
		}
	}
}

func timeoutError() error {
	err := apperror.New(apperror.CodeSystem, "Request processing exceeded the allowed time limit")
	err.Status = http.StatusGatewayTimeout
	return err
}
