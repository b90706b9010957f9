package policy

// MembershipResolver answers tenant-scoped role questions about a principal.
type MembershipResolver struct {
	hierarchy *Hierarchy
}

// NewMembershipResolver constructs a resolver over the hierarchy.
func NewMembershipResolver(h *Hierarchy) MembershipResolver {
	return MembershipResolver{hierarchy: h}
}

// CurrentMembership returns the membership for requestedTenantID when the principal holds one,
// else the first membership. The second result is false when the principal has none.
func (m MembershipResolver) CurrentMembership(p Principal, requestedTenantID *int64) (Membership, bool) {
	if len(p.Memberships) == 0 {
		return Membership{}, false
	}
	if requestedTenantID != nil {
		for _, ms := range p.Memberships {
			if ms.TenantID == *requestedTenantID {
				return ms, true
			}
		}
	}
	return p.Memberships[0], true
}

// EffectiveRole returns the role of the current membership.
func (m MembershipResolver) EffectiveRole(p Principal, requestedTenantID *int64) (Role, bool) {
	ms, ok := m.CurrentMembership(p, requestedTenantID)
	if !ok || ms.Role == "" {
		return "", false
	}
	return ms.Role, true
}

// HighestRole returns the top-ranked role across all memberships. Super-admins hold the top
// role of the hierarchy. Roles outside the hierarchy are skipped.
func (m MembershipResolver) HighestRole(p Principal) (Role, bool) {
	if p.IsSuperAdmin {
		top := m.hierarchy.Highest()
		return top, top != ""
	}
	var (
		best  Role
		level int
		found bool
	)
	for _, ms := range p.Memberships {
		l, err := m.hierarchy.Level(ms.Role)
		if err != nil {
			continue
		}
		if !found || l > level {
			best, level, found = ms.Role, l, true
		}
	}
	return best, found
}

// HasGlobalRole reports whether the principal holds role without tenant membership.
func (m MembershipResolver) HasGlobalRole(p Principal, role Role) bool {
	return p.GlobalRoles[role]
}

// Tenants lists the memberships the principal may switch between.
func (m MembershipResolver) Tenants(p Principal) []Membership {
	out := make([]Membership, len(p.Memberships))
	copy(out, p.Memberships)
	return out
}

// HoldsTenant reports whether the principal is a member of tenantID.
func (m MembershipResolver) HoldsTenant(p Principal, tenantID int64) bool {
	for _, ms := range p.Memberships {
		if ms.TenantID == tenantID {
			return true
		}
	}
	return false
}
