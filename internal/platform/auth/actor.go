package auth

import (
	"context"
	"slices"
	"strings"
)

// Role is the coarse role an authenticated actor acts under.
type Role string

const (
	RoleClient     Role = "CLIENT"
	RoleWorker     Role = "WORKER"
	RoleSupervisor Role = "SUPERVISOR"
	RoleAdmin      Role = "ADMIN"
)

var knownRoles = []Role{RoleClient, RoleWorker, RoleSupervisor, RoleAdmin}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return slices.Contains(knownRoles, r)
}

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Actor is the authenticated principal behind a request. It is built once
// per request by the authentication middleware and never modified.
type Actor struct {
	ID     string
	Role   Role
	Grants []string
}

// Authenticated reports whether the actor has an identity and a known role.
func (a Actor) Authenticated() bool {
	return a.ID != "" && a.Role.Valid()
}

// HasGrant reports whether perm was explicitly granted to the actor. Role
// defaults are not consulted.
func (a Actor) HasGrant(perm string) bool {
	return slices.Contains(a.Grants, perm)
}

type contextKey string

const actorKey contextKey = "actor"

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	actor.Grants = slices.Clone(actor.Grants)
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}
