package policy

import (
	"fmt"
	"sort"
)

// RoleLevel pairs a role with its position in the hierarchy.
type RoleLevel struct {
	Role        Role   `json:"name"`
	Level       int    `json:"level"`
	DisplayName string `json:"display_name,omitempty"`
}

// Hierarchy is a total order over the closed role set.
type Hierarchy struct {
	levels  map[Role]int
	ordered []RoleLevel
}

// NewHierarchy validates the definition and builds a Hierarchy. Empty names, duplicate roles,
// duplicate levels and the wildcard are rejected.
func NewHierarchy(roles []RoleLevel) (*Hierarchy, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: no roles defined", ErrInvalidHierarchy)
	}
	levels := make(map[Role]int, len(roles))
	taken := make(map[int]Role, len(roles))
	ordered := make([]RoleLevel, 0, len(roles))
	for _, rl := range roles {
		role := NormalizeRole(string(rl.Role))
		if role == "" || role == Wildcard {
			return nil, fmt.Errorf("%w: invalid role name %q", ErrInvalidHierarchy, rl.Role)
		}
		if _, dup := levels[role]; dup {
			return nil, fmt.Errorf("%w: duplicate role %q", ErrInvalidHierarchy, role)
		}
		if other, dup := taken[rl.Level]; dup {
			return nil, fmt.Errorf("%w: roles %q and %q share level %d", ErrInvalidHierarchy, other, role, rl.Level)
		}
		levels[role] = rl.Level
		taken[rl.Level] = role
		rl.Role = role
		ordered = append(ordered, rl)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Level < ordered[j].Level })
	return &Hierarchy{levels: levels, ordered: ordered}, nil
}

// MustHierarchy is NewHierarchy for static definitions; it panics on error.
func MustHierarchy(roles []RoleLevel) *Hierarchy {
	h, err := NewHierarchy(roles)
	if err != nil {
		panic(err)
	}
	return h
}

// Level returns the hierarchy level of role.
func (h *Hierarchy) Level(role Role) (int, error) {
	if h == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	level, ok := h.levels[role]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return level, nil
}

// Contains reports whether role belongs to the closed set.
func (h *Hierarchy) Contains(role Role) bool {
	if h == nil {
		return false
	}
	_, ok := h.levels[role]
	return ok
}

// AtLeast reports whether a ranks at or above b. Unknown roles never satisfy the comparison.
func (h *Hierarchy) AtLeast(a, b Role) bool {
	la, err := h.Level(a)
	if err != nil {
		return false
	}
	lb, err := h.Level(b)
	if err != nil {
		return false
	}
	return la >= lb
}

// Highest returns the top role of the hierarchy.
func (h *Hierarchy) Highest() Role {
	if h == nil || len(h.ordered) == 0 {
		return ""
	}
	return h.ordered[len(h.ordered)-1].Role
}

// Roles lists the hierarchy in ascending level order.
func (h *Hierarchy) Roles() []RoleLevel {
	if h == nil {
		return nil
	}
	out := make([]RoleLevel, len(h.ordered))
	copy(out, h.ordered)
	return out
}
