package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperror"
)

// ErrorHandler renders every error returned by a handler or middleware in the
// taxonomy's external form. Errors outside the taxonomy are logged and
// rendered as SYSTEM_ERROR without their text.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		appErr := toAppError(err)
		form := apperror.ToExternalForm(appErr)
		if form.Status >= http.StatusInternalServerError {
			rid, _ := c.Get(requestIDKey).(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("code", string(form.Code)).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(form.Status)
		} else {
			werr = c.JSON(form.Status, form)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}

// toAppError maps framework errors onto the taxonomy.
func toAppError(err error) error {
	if _, ok := apperror.As(err); ok {
		return err
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		return err
	}

	msg := http.StatusText(he.Code)
	if s, ok := he.Message.(string); ok && s != "" {
		msg = s
	}
	var code apperror.Code
	switch he.Code {
	case http.StatusNotFound:
		code = apperror.CodeResourceNotFound
	case http.StatusUnauthorized:
		code = apperror.CodeAuthenticationRequired
	case http.StatusForbidden:
		code = apperror.CodeInsufficientPermissions
	case http.StatusTooManyRequests:
		code = apperror.CodeRateLimitExceeded
	case http.StatusMethodNotAllowed, http.StatusBadRequest,
		http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		code = apperror.CodeInvalidInput
	default:
		return apperror.Internal(err)
	}
	out := apperror.New(code, msg)
	out.Status = he.Code
	return out
}
