package record

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/apperror"
)

// SetVersionHeaders sets ETag and Last-Modified on the response.
func SetVersionHeaders(c echo.Context, version int64, lastModified string) {
	c.Response().Header().Set("ETag", FormatETag(version))
	if lastModified != "" {
		c.Response().Header().Set("Last-Modified", lastModified)
	}
}

// FormatETag creates a weak ETag from a version.
func FormatETag(version int64) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// ParseETag extracts the version from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int64, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// ExpectedVersion reads the version a write is conditioned on from If-Match.
// Writes are never unconditional: a missing header is an error.
func ExpectedVersion(c echo.Context) (int64, error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return 0, apperror.New(apperror.CodeInvalidInput, "If-Match header is required",
			apperror.Detail{Field: "If-Match", Code: "REQUIRED", Message: "send the ETag of the version being changed"})
	}
	v, err := ParseETag(ifMatch)
	if err != nil {
		return 0, apperror.New(apperror.CodeInvalidInput, "invalid If-Match header",
			apperror.Detail{Field: "If-Match", Code: "INVALID_VERSION", Message: err.Error()})
	}
	return v, nil
}

// NotModified reports whether If-None-Match names the current version.
func NotModified(c echo.Context, current int64) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}
	v, err := ParseETag(ifNoneMatch)
	return err == nil && v == current
}

func lastModified(c echo.Context, v int64, t time.Time) {
	SetVersionHeaders(c, v, t.UTC().Format(http.TimeFormat))
}
