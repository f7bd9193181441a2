package auth

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/apperror"
)

// RequireRole returns middleware that checks if the actor has one of the
// specified roles. ADMIN always passes.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, ok := ActorFromContext(c.Request().Context())
			if !ok || !actor.Authenticated() {
				return apperror.New(apperror.CodeAuthenticationRequired, "Authentication is required")
			}
			if actor.Role == RoleAdmin {
				return next(c)
			}
			for _, r := range roles {
				if actor.Role == r {
					return next(c)
				}
			}
			names := make([]string, len(roles))
			for i, r := range roles {
				names[i] = string(r)
			}
			return apperror.New(apperror.CodeInsufficientPermissions,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}

// RequirePermission returns middleware that checks the actor's effective
// permissions against "<recordType>.<op>".
func RequirePermission(policy *Policy, required string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, ok := ActorFromContext(c.Request().Context())
			if !ok || !actor.Authenticated() {
				return apperror.New(apperror.CodeAuthenticationRequired, "Authentication is required")
			}
			if !policy.Allows(actor, required) {
				return apperror.New(apperror.CodeInsufficientPermissions,
					fmt.Sprintf("required permission: %s", required))
			}
			return next(c)
		}
	}
}
