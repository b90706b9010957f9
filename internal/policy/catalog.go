package policy

import "fmt"

// Catalog maps each role to its base permission set.
type Catalog struct {
	base map[Role]PermissionSet
	all  PermissionSet
}

// NewCatalog builds a catalog over the hierarchy. Grants to roles outside the hierarchy are a
// configuration error. Roles without grants get an empty set. Groups register permissions that
// no role holds by default but that overrides may grant.
func NewCatalog(h *Hierarchy, grants map[Role][]Permission, groups ...ModuleGroup) (*Catalog, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: hierarchy required", ErrInvalidCatalog)
	}
	c := &Catalog{base: make(map[Role]PermissionSet, len(grants)), all: make(PermissionSet)}
	for _, g := range groups {
		for _, p := range g.Permissions {
			if p = NormalizePermission(string(p)); p != "" {
				c.all[p] = struct{}{}
			}
		}
	}
	for rawRole, perms := range grants {
		role := NormalizeRole(string(rawRole))
		if !h.Contains(role) {
			return nil, fmt.Errorf("%w: %w: %q", ErrInvalidCatalog, ErrUnknownRole, rawRole)
		}
		set, ok := c.base[role]
		if !ok {
			set = make(PermissionSet, len(perms))
			c.base[role] = set
		}
		for _, raw := range perms {
			p := NormalizePermission(string(raw))
			if p == "" {
				return nil, fmt.Errorf("%w: empty permission for role %q", ErrInvalidCatalog, role)
			}
			set[p] = struct{}{}
			c.all[p] = struct{}{}
		}
	}
	return c, nil
}

// BasePermissions returns a copy of the role's base set. Unknown roles get the empty set.
func (c *Catalog) BasePermissions(role Role) PermissionSet {
	if c == nil {
		return PermissionSet{}
	}
	return c.base[role].Clone()
}

// Known reports whether the permission exists anywhere in the catalog.
func (c *Catalog) Known(p Permission) bool {
	if c == nil {
		return false
	}
	return c.all.Has(p)
}

// All returns every catalog permission.
func (c *Catalog) All() PermissionSet {
	if c == nil {
		return PermissionSet{}
	}
	return c.all.Clone()
}
