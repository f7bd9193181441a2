package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/compliance/internal/config"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/hipaa"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRegistry(t *testing.T) {
	t.Run("defaults only", func(t *testing.T) {
		r, err := loadRegistry("")
		require.NoError(t, err)
		assert.Equal(t, hipaa.TierPHI, r.Tier("client", "diagnosis"))
	})

	t.Run("extra file", func(t *testing.T) {
		path := writeFile(t, "classifications.yaml", `
classifications:
  - record_type: client
    field: pronouns
    tier: PII
`)
		r, err := loadRegistry(path)
		require.NoError(t, err)
		assert.Equal(t, hipaa.TierPII, r.Tier("client", "pronouns"))
	})

	t.Run("conflict with defaults", func(t *testing.T) {
		path := writeFile(t, "classifications.yaml", `
classifications:
  - record_type: client
    field: diagnosis
    tier: PUBLIC
`)
		_, err := loadRegistry(path)
		if err == nil {
			t.Fatal("expected error when a file downgrades a default classification")
		}
	})
}

func TestClassifyCmd(t *testing.T) {
	t.Setenv("CLASSIFICATION_FILE", "")

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"classify", "client", "diagnosis", "nickname", "status"})
	require.NoError(t, cmd.Execute())

	tiers := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n")[1:] {
		cols := strings.Fields(line)
		require.Len(t, cols, 2)
		tiers[cols[0]] = cols[1]
	}
	assert.Equal(t, map[string]string{"diagnosis": "PHI", "nickname": "INTERNAL", "status": "PUBLIC"}, tiers)
}

func TestClassifyCmd_UnknownType(t *testing.T) {
	t.Setenv("CLASSIFICATION_FILE", "")

	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"classify", "invoice"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for a record type with no registered fields")
	}
}

func testConfig(authMode string) *config.Config {
	return &config.Config{
		Env:             "test",
		AuthMode:        authMode,
		AuthSigningKey:  testSigningKey,
		VersionStore:    config.StoreMemory,
		AuditStore:      config.StoreMemory,
		WriteTimeout:    time.Second,
		AuditTimeout:    time.Second,
		RequestTimeout:  5 * time.Second,
		ShutdownTimeout: time.Second,
		BodyLimit:       "1M",
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	require.NoError(t, cfg.Validate())
	ctx := context.Background()
	logger := zerolog.Nop()

	registry, err := loadRegistry("")
	require.NoError(t, err)
	b, err := openBackends(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(b.close)

	reg := newRegistry()
	policy := auth.DefaultPolicy()
	svc, err := newService(ctx, cfg, registry, policy, b, reg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	return newEcho(cfg, svc, policy, b, reg, auth.NewDenylist(), logger)
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func createRequest() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/records/client",
		strings.NewReader(`{"id":"c1","fields":{"first_name":"Ada","diagnosis":"F41.1"}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestServer_PublicEndpoints(t *testing.T) {
	e := newTestServer(t, testConfig("hmac"))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_DevelopmentAuth(t *testing.T) {
	e := newTestServer(t, testConfig("development"))

	rec := serve(e, createRequest())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/records/client/c1?fields=diagnosis", nil)
	rec = serve(e, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "F41.1")

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "compliance_access_decisions_total")
}

func signToken(t *testing.T, sub, role string, perms ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role:        role,
		Permissions: perms,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return s
}

func TestServer_TokenAuth(t *testing.T) {
	e := newTestServer(t, testConfig("hmac"))

	rec := serve(e, createRequest())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "AUTHENTICATION_REQUIRED")

	req := createRequest()
	req.Header.Set("Authorization", "Bearer "+signToken(t, "a1", "ADMIN", auth.PermPHIAccess))
	rec = serve(e, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// A worker without phi.access cannot read clinical fields.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/records/client/c1?fields=diagnosis", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "w9", "WORKER"))
	rec = serve(e, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "PHI_ACCESS_DENIED")
	assert.NotContains(t, rec.Body.String(), "F41.1")
}

func TestServer_LockedActorIsRejected(t *testing.T) {
	e := newTestServer(t, testConfig("hmac"))
	admin := "Bearer " + signToken(t, "a1", "ADMIN")

	req := httptest.NewRequest(http.MethodPut, "/api/v1/admin/actors/w9/lock", strings.NewReader(`{"duration":"1h"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", admin)
	rec := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/v1/classifications", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "w9", "WORKER"))
	rec = serve(e, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "ACCOUNT_LOCKED")
}

func TestPrintMigrationStatus(t *testing.T) {
	applied := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var out bytes.Buffer
	printMigrationStatus(&out, []db.MigrationStatus{
		{Version: 1, Name: "compliance_core", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "next"},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"1", "compliance_core", "applied", "2026-01-02", "03:04:05"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"2", "next", "pending"}, strings.Fields(lines[2]))
}
