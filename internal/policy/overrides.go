package policy

import "time"

// OverrideEngine applies per-principal grant/deny overrides to a base permission set.
type OverrideEngine struct {
	catalog *Catalog
}

// NewOverrideEngine constructs an engine. Grants of permissions absent from the catalog are
// ignored; a nil catalog accepts every permission.
func NewOverrideEngine(c *Catalog) OverrideEngine {
	return OverrideEngine{catalog: c}
}

// Resolve returns base with active grants added and active denies removed. Denies are applied
// last, so a deny beats a grant for the same permission. base is not modified.
func (e OverrideEngine) Resolve(base PermissionSet, overrides []PermissionOverride, now time.Time) PermissionSet {
	out := base.Clone()
	if len(overrides) == 0 {
		return out
	}
	var denies []Permission
	for _, o := range overrides {
		if !o.Active(now) {
			continue
		}
		switch o.Kind {
		case OverrideGrant:
			if e.catalog != nil && !e.catalog.Known(o.Permission) {
				continue
			}
			out[o.Permission] = struct{}{}
		case OverrideDeny:
			denies = append(denies, o.Permission)
		}
	}
	for _, p := range denies {
		delete(out, p)
	}
	return out
}
