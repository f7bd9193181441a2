package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperror"
	"github.com/ehr/compliance/internal/platform/auth"
)

const panicStackSize = 4 << 10

// Recovery turns a handler panic into SYSTEM_ERROR. Only the panic's type and
// the stack are logged: a panic value built from a record payload would
// otherwise put field values into the log.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				stack := make([]byte, panicStackSize)
				stack = stack[:runtime.Stack(stack, false)]

				rid, _ := c.Get(requestIDKey).(string)
				ev := logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("path", c.Path()).
					Str("panic_type", fmt.Sprintf("%T", r)).
					Bytes("stack", stack)
				if actor, ok := auth.ActorFromContext(c.Request().Context()); ok {
					ev = ev.Str("actor_id", actor.ID)
				}
				ev.Msg("panic recovered")

				err = apperror.Internal(fmt.Errorf("panic in %s %s", c.Request().Method, c.Path()))
			}()
			return next(c)
		}
	}
}
