package auth

import (
	"fmt"
	"maps"
	"slices"
)

// Policy maps roles to their default permissions. It is built once at
// startup and is read-only afterwards.
type Policy struct {
	defaults map[Role][]string
}

// DefaultRoleGrants returns the stock role defaults.
func DefaultRoleGrants() map[Role][]string {
	return map[Role][]string{
		RoleClient:     {"*.read"},
		RoleWorker:     {"*.read", "*.create", "*.update"},
		RoleSupervisor: {"*.read", "*.write"},
		RoleAdmin:      {"*.*"},
	}
}

// NewPolicy validates grants and returns an immutable Policy. phi.access can
// only be granted per actor, never as a role default.
func NewPolicy(grants map[Role][]string) (*Policy, error) {
	defaults := make(map[Role][]string, len(grants))
	for role, perms := range grants {
		if !role.Valid() {
			return nil, fmt.Errorf("policy: unknown role %q", role)
		}
		for _, p := range perms {
			if p == PermPHIAccess {
				return nil, fmt.Errorf("policy: %s cannot be a default for role %s", PermPHIAccess, role)
			}
			if err := ValidatePermission(p); err != nil {
				return nil, fmt.Errorf("policy: role %s: %w", role, err)
			}
		}
		defaults[role] = slices.Clone(perms)
	}
	return &Policy{defaults: defaults}, nil
}

// DefaultPolicy returns the Policy built from DefaultRoleGrants.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultRoleGrants())
	if err != nil {
		panic(err)
	}
	return p
}

// RoleDefaults returns a copy of the default permissions of role.
func (p *Policy) RoleDefaults(role Role) []string {
	return slices.Clone(p.defaults[role])
}

// Roles returns the roles with defaults, sorted.
func (p *Policy) Roles() []Role {
	return slices.Sorted(maps.Keys(p.defaults))
}

// Effective returns the role defaults followed by the actor's own grants.
func (p *Policy) Effective(actor Actor) []string {
	out := slices.Clone(p.defaults[actor.Role])
	for _, g := range actor.Grants {
		if !slices.Contains(out, g) {
			out = append(out, g)
		}
	}
	return out
}

// Allows reports whether any effective permission of actor satisfies required.
func (p *Policy) Allows(actor Actor, required string) bool {
	if required == PermPHIAccess {
		return actor.HasGrant(PermPHIAccess)
	}
	for _, g := range p.defaults[actor.Role] {
		if matchPermission(g, required) {
			return true
		}
	}
	for _, g := range actor.Grants {
		if matchPermission(g, required) {
			return true
		}
	}
	return false
}
