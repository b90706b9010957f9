package policy

import (
	"fmt"
	"sort"
)

// StatusMeta describes a status for display. The engine only relies on its existence.
type StatusMeta struct {
	Label string `json:"label"`
	Color string `json:"color,omitempty"`
	Final bool   `json:"final,omitempty"`
}

// ModuleConfig is the configuration snapshot of one workflow module.
type ModuleConfig struct {
	ID          string                           `json:"id"`
	Statuses    map[StatusID]StatusMeta          `json:"statuses"`
	Transitions map[StatusID][]StatusID          `json:"transitions"`
	RoleMatrix  map[StatusID]map[StatusID][]Role `json:"transition_role_matrix"`
}

// Validate reports matrix edges missing from the graph and edges touching undeclared statuses.
// Administration writes call it; the graph itself ignores such data.
func (c ModuleConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: module id required", ErrInvalidModule)
	}
	for from, targets := range c.Transitions {
		if !c.declared(from) {
			return fmt.Errorf("%w: status %d not declared", ErrInvalidModule, from)
		}
		for _, to := range targets {
			if !c.declared(to) {
				return fmt.Errorf("%w: status %d not declared", ErrInvalidModule, to)
			}
		}
	}
	for from, row := range c.RoleMatrix {
		for to := range row {
			if !c.hasEdge(from, to) {
				return fmt.Errorf("%w: matrix edge %d->%d not in transition graph", ErrInvalidModule, from, to)
			}
		}
	}
	return nil
}

func (c ModuleConfig) declared(id StatusID) bool {
	if len(c.Statuses) == 0 {
		return true
	}
	_, ok := c.Statuses[id]
	return ok
}

func (c ModuleConfig) hasEdge(from, to StatusID) bool {
	for _, t := range c.Transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

type edgeGate struct {
	gated    bool
	wildcard bool
	roles    map[Role]struct{}
}

func (g edgeGate) permits(role Role) bool {
	if !g.gated {
		return false
	}
	if g.wildcard {
		return true
	}
	_, ok := g.roles[role]
	return ok
}

type moduleGraph struct {
	edges map[StatusID]map[StatusID]edgeGate
}

// TransitionGraph holds the compiled state machines of a set of modules. It is immutable
// after construction and safe for concurrent use.
type TransitionGraph struct {
	modules map[string]moduleGraph
}

// NewTransitionGraph compiles module configurations. Edges touching undeclared statuses and
// matrix entries without a graph edge are dropped. A later config with the same ID replaces
// an earlier one.
func NewTransitionGraph(configs ...ModuleConfig) *TransitionGraph {
	g := &TransitionGraph{modules: make(map[string]moduleGraph, len(configs))}
	for _, cfg := range configs {
		if cfg.ID == "" {
			continue
		}
		g.modules[cfg.ID] = compileModule(cfg)
	}
	return g
}

func compileModule(cfg ModuleConfig) moduleGraph {
	mg := moduleGraph{edges: make(map[StatusID]map[StatusID]edgeGate, len(cfg.Transitions))}
	for from, targets := range cfg.Transitions {
		if !cfg.declared(from) {
			continue
		}
		row := make(map[StatusID]edgeGate, len(targets))
		for _, to := range targets {
			if !cfg.declared(to) {
				continue
			}
			row[to] = edgeGate{}
		}
		mg.edges[from] = row
	}
	for from, matrixRow := range cfg.RoleMatrix {
		row, ok := mg.edges[from]
		if !ok {
			continue
		}
		for to, roles := range matrixRow {
			gate, ok := row[to]
			if !ok {
				continue
			}
			gate.gated = true
			if gate.roles == nil {
				gate.roles = make(map[Role]struct{}, len(roles))
			}
			for _, r := range roles {
				r = NormalizeRole(string(r))
				if r == Wildcard {
					gate.wildcard = true
					continue
				}
				if r != "" {
					gate.roles[r] = struct{}{}
				}
			}
			row[to] = gate
		}
	}
	return mg
}

// Has reports whether the graph holds a configuration for moduleID.
func (g *TransitionGraph) Has(moduleID string) bool {
	if g == nil {
		return false
	}
	_, ok := g.modules[moduleID]
	return ok
}

// AllowedTargets returns every status reachable from from in one step, ignoring roles.
func (g *TransitionGraph) AllowedTargets(moduleID string, from StatusID) []StatusID {
	row := g.row(moduleID, from)
	out := make([]StatusID, 0, len(row))
	for to := range row {
		out = append(out, to)
	}
	return sortStatuses(out)
}

// AllowedTargetsForRole returns the targets whose matrix entry lists role or the wildcard.
// Edges without a matrix entry are permitted for no role.
func (g *TransitionGraph) AllowedTargetsForRole(moduleID string, from StatusID, role Role) []StatusID {
	row := g.row(moduleID, from)
	out := make([]StatusID, 0, len(row))
	for to, gate := range row {
		if gate.permits(role) {
			out = append(out, to)
		}
	}
	return sortStatuses(out)
}

// CanTransition reports whether role may move from from to to.
func (g *TransitionGraph) CanTransition(moduleID string, from, to StatusID, role Role) bool {
	gate, ok := g.row(moduleID, from)[to]
	return ok && gate.permits(role)
}

// HasEdge reports whether the raw graph holds from->to.
func (g *TransitionGraph) HasEdge(moduleID string, from, to StatusID) bool {
	_, ok := g.row(moduleID, from)[to]
	return ok
}

func (g *TransitionGraph) row(moduleID string, from StatusID) map[StatusID]edgeGate {
	if g == nil {
		return nil
	}
	mg, ok := g.modules[moduleID]
	if !ok {
		return nil
	}
	return mg.edges[from]
}

func sortStatuses(in []StatusID) []StatusID {
	sort.Slice(in, func(i, j int) bool { return in[i] < in[j] })
	return in
}
