package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperror"
)

// PermAccountWrite guards account locks and token revocation. SUPERVISOR and
// ADMIN hold it by default through "*.write" and "*.*".
const PermAccountWrite = "account.write"

const maxLockDuration = 30 * 24 * time.Hour

// DenylistHandler exposes the denylist to administrators.
type DenylistHandler struct {
	denylist *Denylist
	logger   zerolog.Logger
}

func NewDenylistHandler(d *Denylist, logger zerolog.Logger) *DenylistHandler {
	return &DenylistHandler{denylist: d, logger: logger.With().Str("component", "denylist").Logger()}
}

func (h *DenylistHandler) RegisterRoutes(api *echo.Group, policy *Policy) {
	g := api.Group("/admin", RequirePermission(policy, PermAccountWrite))
	g.PUT("/actors/:id/lock", h.LockActor)
	g.DELETE("/actors/:id/lock", h.UnlockActor)
	g.POST("/tokens/revoke", h.RevokeToken)
}

type lockRequest struct {
	Duration string `json:"duration"`
}

type revokeRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *DenylistHandler) LockActor(c echo.Context) error {
	var req lockRequest
	if err := c.Bind(&req); err != nil {
		return apperror.Wrap(err, apperror.CodeInvalidInput, "request body is not valid JSON")
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 || d > maxLockDuration {
		return apperror.New(apperror.CodeValidation, "duration must be a positive Go duration of at most 720h",
			apperror.Detail{Field: "duration", Code: "INVALID_DURATION", Message: "expected e.g. \"15m\" or \"24h\""})
	}

	id := c.Param("id")
	if self, _ := ActorFromContext(c.Request().Context()); self.ID == id {
		return apperror.New(apperror.CodeBusinessRuleViolation, "an administrator cannot lock their own account")
	}
	until := h.denylist.now().Add(d)
	h.denylist.LockActor(id, until)
	h.logger.Info().Str("actor_id", id).Time("until", until).Str("by", actorID(c)).Msg("actor locked")
	return c.JSON(http.StatusOK, map[string]any{"actor_id": id, "locked_until": until.UTC()})
}

func (h *DenylistHandler) UnlockActor(c echo.Context) error {
	id := c.Param("id")
	h.denylist.UnlockActor(id)
	h.logger.Info().Str("actor_id", id).Str("by", actorID(c)).Msg("actor unlocked")
	return c.NoContent(http.StatusNoContent)
}

func (h *DenylistHandler) RevokeToken(c echo.Context) error {
	var req revokeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.Wrap(err, apperror.CodeInvalidInput, "request body is not valid JSON")
	}
	if req.JTI == "" {
		return apperror.New(apperror.CodeValidation, "jti is required",
			apperror.Detail{Field: "jti", Code: "REQUIRED", Message: "jti is required"})
	}
	if !req.ExpiresAt.After(h.denylist.now()) {
		// An expired token already fails the exp claim check.
		return c.NoContent(http.StatusNoContent)
	}
	h.denylist.RevokeToken(req.JTI, req.ExpiresAt)
	h.logger.Info().Str("jti", req.JTI).Str("by", actorID(c)).Msg("token revoked")
	return c.NoContent(http.StatusNoContent)
}

func actorID(c echo.Context) string {
	a, _ := ActorFromContext(c.Request().Context())
	return a.ID
}
