package middleware

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/bytes"

	"github.com/ehr/compliance/internal/platform/apperror"
)

const defaultBodyLimit = 1 << 20

// BodyLimit rejects record payloads larger than limit with a 413. The limit
// uses the same size syntax as echo ("1M", "512K", "10MB"); a bare number is
// bytes. Unparseable limits fall back to 1MiB.
func BodyLimit(limit string) echo.MiddlewareFunc {
	limitBytes := parseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > limitBytes {
				return payloadTooLarge(limitBytes)
			}
			req.Body = &cappedBody{ReadCloser: req.Body, left: limitBytes, max: limitBytes}
			return next(c)
		}
	}
}

// cappedBody covers requests whose Content-Length is missing or lies.
type cappedBody struct {
	io.ReadCloser
	left, max int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.left < 0 {
		return 0, payloadTooLarge(b.max)
	}
	// Read one byte past the limit so an exact-size body still ends in EOF.
	if int64(len(p)) > b.left+1 {
		p = p[:b.left+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.left -= int64(n)
	if b.left < 0 {
		return 0, payloadTooLarge(b.max)
	}
	return n, err
}

func payloadTooLarge(limit int64) error {
	err := apperror.New(apperror.CodeInvalidInput, "Request body is too large",
		apperror.Detail{Field: "body", Code: "BODY_TOO_LARGE", Message: "maximum size is " + strconv.FormatInt(limit, 10) + " bytes"})
	err.Status = http.StatusRequestEntityTooLarge
	return err
}

func parseLimit(s string) int64 {
	n, err := bytes.Parse(s)
	if err != nil || n <= 0 {
		return defaultBodyLimit
	}
	return n
}
