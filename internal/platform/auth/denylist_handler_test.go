package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/compliance/internal/platform/apperror"
)

func newDenylistServer(d *Denylist, as Actor) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		form := apperror.ToExternalForm(err)
		_ = c.JSON(form.Status, form)
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), as)))
			return next(c)
		}
	})
	NewDenylistHandler(d, zerolog.Nop()).RegisterRoutes(e.Group("/api/v1"), DefaultPolicy())
	return e
}

func sendJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestDenylistHandler_LockAndUnlock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDenylist()
	d.now = func() time.Time { return now }
	e := newDenylistServer(d, Actor{ID: "a1", Role: RoleAdmin})

	rec := sendJSON(e, http.MethodPut, "/api/v1/admin/actors/w1/lock", `{"duration":"2h"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "2026-03-01T14:00:00Z")
	assert.Equal(t, apperror.CodeAccountLocked, apperror.CodeOf(d.Check("w1", "")))

	rec = sendJSON(e, http.MethodDelete, "/api/v1/admin/actors/w1/lock", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoError(t, d.Check("w1", ""))
}

func TestDenylistHandler_Validation(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   apperror.Code
	}{
		{"missing duration", http.MethodPut, "/api/v1/admin/actors/w1/lock", `{}`, http.StatusBadRequest, apperror.CodeValidation},
		{"negative duration", http.MethodPut, "/api/v1/admin/actors/w1/lock", `{"duration":"-1h"}`, http.StatusBadRequest, apperror.CodeValidation},
		{"too long", http.MethodPut, "/api/v1/admin/actors/w1/lock", `{"duration":"9000h"}`, http.StatusBadRequest, apperror.CodeValidation},
		{"self lock", http.MethodPut, "/api/v1/admin/actors/a1/lock", `{"duration":"1h"}`, http.StatusUnprocessableEntity, apperror.CodeBusinessRuleViolation},
		{"bad json", http.MethodPost, "/api/v1/admin/tokens/revoke", `{`, http.StatusBadRequest, apperror.CodeInvalidInput},
		{"missing jti", http.MethodPost, "/api/v1/admin/tokens/revoke", `{}`, http.StatusBadRequest, apperror.CodeValidation},
	}

	e := newDenylistServer(NewDenylist(), Actor{ID: "a1", Role: RoleAdmin})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := sendJSON(e, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), string(tt.wantCode))
		})
	}
}

func TestDenylistHandler_RevokeToken(t *testing.T) {
	d := NewDenylist()
	e := newDenylistServer(d, Actor{ID: "a1", Role: RoleAdmin})

	exp := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec := sendJSON(e, http.MethodPost, "/api/v1/admin/tokens/revoke", `{"jti":"jti-9","expires_at":"`+exp+`"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, apperror.CodeTokenInvalid, apperror.CodeOf(d.Check("w1", "jti-9")))

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rec = sendJSON(e, http.MethodPost, "/api/v1/admin/tokens/revoke", `{"jti":"jti-old","expires_at":"`+past+`"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, d.Len())
}

func TestDenylistHandler_RequiresAccountPermission(t *testing.T) {
	e := newDenylistServer(NewDenylist(), Actor{ID: "s1", Role: RoleSupervisor})
	rec := sendJSON(e, http.MethodPut, "/api/v1/admin/actors/w1/lock", `{"duration":"1h"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	for _, role := range []Role{RoleWorker, RoleClient} {
		e := newDenylistServer(NewDenylist(), Actor{ID: "u1", Role: role})
		rec := sendJSON(e, http.MethodPut, "/api/v1/admin/actors/w1/lock", `{"duration":"1h"}`)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", role, rec.Code)
		}
	}
}
