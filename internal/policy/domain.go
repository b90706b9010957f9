// Package policy answers authorization questions for a principal: permission and role checks
// against a tenant-scoped role model with time-bounded overrides, and workflow status
// transitions gated per module by a data-driven role matrix. Every answer is fail-closed.
package policy

import (
	"sort"
	"time"
)

// Role identifies a position in the role hierarchy.
type Role string

// Wildcard in a transition matrix entry permits every role.
const Wildcard Role = "*"

// Permission is an opaque capability identifier.
type Permission string

// StatusID identifies a workflow status inside a module.
type StatusID int

// Membership binds a principal to a role inside one tenant (store).
type Membership struct {
	TenantID   int64  `json:"tenant_id"`
	TenantName string `json:"tenant_name"`
	Role       Role   `json:"role"`
}

// Principal is the session snapshot of an authenticated actor.
type Principal struct {
	ID           int64         `json:"id"`
	IsSuperAdmin bool          `json:"is_super_admin"`
	GlobalRoles  map[Role]bool `json:"global_role_flags,omitempty"`
	Memberships  []Membership  `json:"memberships"`
	// CurrentTenantID is the tenant selected by an explicit switch. Nil selects the first membership.
	CurrentTenantID *int64 `json:"current_tenant_id,omitempty"`
}

// WithTenant returns a copy of the principal with the current tenant selection replaced.
// Membership data is shared, never modified.
func (p Principal) WithTenant(tenantID int64) Principal {
	id := tenantID
	p.CurrentTenantID = &id
	return p
}

// OverrideKind distinguishes grants from denies.
type OverrideKind string

const (
	// OverrideGrant adds a permission on top of the role-derived set.
	OverrideGrant OverrideKind = "grant"
	// OverrideDeny removes a permission; it wins over any grant.
	OverrideDeny OverrideKind = "deny"
)

// Valid reports whether the kind is one of the known values.
func (k OverrideKind) Valid() bool {
	return k == OverrideGrant || k == OverrideDeny
}

// PermissionOverride is a per-principal exception to the role-derived permission set.
type PermissionOverride struct {
	ID          string       `json:"id"`
	PrincipalID int64        `json:"principal_id"`
	Permission  Permission   `json:"permission"`
	Kind        OverrideKind `json:"kind"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	CreatedBy   int64        `json:"created_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Active reports whether the override still applies at now.
func (o PermissionOverride) Active(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Clone returns an independent copy.
func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

// Sorted returns the permissions in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ModuleGroup groups catalog permissions under a business module for administration screens.
type ModuleGroup struct {
	Module      string       `json:"module"`
	Label       string       `json:"label,omitempty"`
	Permissions []Permission `json:"permissions"`
}
