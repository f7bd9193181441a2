package middleware

import (
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperror"
)

const maxHeaderValueSize = 8 << 10

var (
	// Logged, not blocked: storage access is parameterized.
	sqlPatterns = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1|1\s*=\s*1)`)

	scriptPatterns = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)
)

// Sanitize rejects requests with path traversal, null bytes, header
// injection, oversized headers or script in the query string. Rejections are
// INVALID_INPUT with one detail naming where the problem was found. The
// offending value is never echoed back or logged, since it may be PHI.
func Sanitize() echo.MiddlewareFunc {
	return SanitizeWithLogger(zerolog.Nop())
}

// SanitizeWithLogger is Sanitize with warnings for SQL-like query values.
func SanitizeWithLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := checkRequest(c, logger); err != nil {
				return err
			}
			return next(c)
		}
	}
}

func checkRequest(c echo.Context, logger zerolog.Logger) error {
	req := c.Request()
	for _, p := range []string{req.URL.Path, req.URL.RawPath} {
		if containsPathTraversal(p) {
			return rejected("path", "PATH_TRAVERSAL", "Path traversal detected")
		}
		if containsNullByte(p) {
			return rejected("path", "NULL_BYTE", "Null byte injection detected")
		}
	}

	for name, values := range req.Header {
		for _, v := range values {
			if len(v) > maxHeaderValueSize {
				return rejected("header."+name, "HEADER_TOO_LARGE", "Header value exceeds maximum size: "+name)
			}
			if strings.ContainsAny(v, "\r\n") {
				return rejected("header."+name, "HEADER_INJECTION", "Header injection detected: "+name)
			}
		}
	}

	for key, values := range req.URL.Query() {
		field := "query." + key
		if containsNullByte(key) {
			return rejected(field, "NULL_BYTE", "Null byte injection detected in query parameter")
		}
		if scriptPatterns.MatchString(key) {
			return rejected(field, "SCRIPT_INJECTION", "Script injection detected in query parameter")
		}
		for _, v := range values {
			if containsNullByte(v) {
				return rejected(field, "NULL_BYTE", "Null byte injection detected in query parameter")
			}
			if scriptPatterns.MatchString(v) {
				return rejected(field, "SCRIPT_INJECTION", "Script injection detected in query parameter")
			}
			if sqlPatterns.MatchString(v) {
				rid, _ := c.Get(requestIDKey).(string)
				logger.Warn().
					Str("request_id", rid).
					Str("param", key).
					Str("path", req.URL.Path).
					Str("remote_ip", c.RealIP()).
					Msg("potential SQL injection pattern detected in query parameter")
			}
		}
	}
	return nil
}

// containsPathTraversal checks raw, encoded and double-encoded dot-dot.
func containsPathTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(s, "..") ||
		strings.Contains(lower, "%2e%2e") ||
		strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}

func rejected(field, code, message string) error {
	return apperror.New(apperror.CodeInvalidInput, message,
		apperror.Detail{Field: field, Code: code, Message: message})
}
