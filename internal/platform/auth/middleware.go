package auth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/apperror"
)

// Claims is the token payload the authentication collaborator issues.
type Claims struct {
	jwt.RegisteredClaims
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// Actor converts verified claims into an Actor. An unknown role is rejected.
func (c *Claims) Actor() (Actor, error) {
	role, ok := ParseRole(c.Role)
	if !ok {
		return Actor{}, apperror.New(apperror.CodeTokenInvalid, "Token carries an unknown role")
	}
	if c.Subject == "" {
		return Actor{}, apperror.New(apperror.CodeTokenInvalid, "Token has no subject")
	}
	return Actor{ID: c.Subject, Role: role, Grants: c.Permissions}, nil
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
	Skipper    func(echo.Context) bool
	// Denylist, when set, rejects revoked tokens and locked actors.
	Denylist *Denylist
}

// JWTMiddleware verifies the bearer token and stores the resulting Actor in
// the request context. Failures are returned as AppErrors.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var jwks *JWKSCache
	if len(cfg.SigningKey) == 0 && cfg.JWKSURL != "" {
		jwks = NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			tokenStr, err := bearerToken(c.Request().Header.Get("Authorization"))
			if err != nil {
				return err
			}

			var keyFunc jwt.Keyfunc
			switch {
			case len(cfg.SigningKey) > 0:
				keyFunc = func(*jwt.Token) (any, error) { return cfg.SigningKey, nil }
			case jwks != nil:
				keyFunc = jwks.Keyfunc(c.Request().Context())
			default:
				return apperror.New(apperror.CodeSystem, "Token verification is not configured")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return tokenError(err)
			}

			actor, err := claims.Actor()
			if err != nil {
				return err
			}
			if cfg.Denylist != nil {
				if err := cfg.Denylist.Check(actor.ID, claims.ID); err != nil {
					return err
				}
			}
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor)))
			return next(c)
		}
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", apperror.New(apperror.CodeAuthenticationRequired, "Missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", apperror.New(apperror.CodeTokenInvalid, "Invalid authorization format")
	}
	return token, nil
}

func tokenError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return apperror.New(apperror.CodeTokenExpired, "Token has expired")
	}
	return apperror.Wrap(err, apperror.CodeTokenInvalid, "Invalid token")
}

// DevActor is the actor DevAuthMiddleware uses for requests without a token.
var DevActor = Actor{ID: "dev-user", Role: RoleAdmin, Grants: []string{PermPHIAccess}}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without an Authorization header act as DevActor; requests with one are
// verified like JWTMiddleware.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	verify := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := verify(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				return verified(c)
			}
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), DevActor)))
			return next(c)
		}
	}
}
