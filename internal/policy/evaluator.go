package policy

import (
	"log/slog"
	"time"
)

// OverrideSnapshot is the override list of one principal as last fetched.
type OverrideSnapshot struct {
	Items  []PermissionOverride
	Loaded bool
}

// Snapshot bundles the inputs of one evaluation. A nil Principal, an unloaded override
// snapshot, or a nil Modules graph mean that input is still loading; checks depending on it
// deny.
type Snapshot struct {
	Principal *Principal
	Overrides OverrideSnapshot
	Modules   *TransitionGraph
}

// Ready builds a fully loaded snapshot.
func Ready(p Principal, overrides []PermissionOverride, modules *TransitionGraph) Snapshot {
	return Snapshot{
		Principal: &p,
		Overrides: OverrideSnapshot{Items: overrides, Loaded: true},
		Modules:   modules,
	}
}

// Observer receives every top-level decision.
type Observer interface {
	ObserveDecision(check string, allowed bool)
}

// FailureObserver is an Observer that also counts fail-closed gaps. reason is one of a small
// fixed set ("principal loading", "overrides loading", "snapshot loading", "unknown module",
// "no effective role").
type FailureObserver interface {
	ObserveFailClosed(check, reason string)
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock replaces the wall clock used for override expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger used to report fail-closed gaps.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver registers a decision observer.
func WithObserver(o Observer) Option {
	return func(e *Evaluator) { e.observer = o }
}

// Evaluator is the query surface of the policy engine. It holds only immutable configuration,
// so one instance serves concurrent callers.
type Evaluator struct {
	hierarchy *Hierarchy
	catalog   *Catalog
	members   MembershipResolver
	overrides OverrideEngine
	now       func() time.Time
	logger    *slog.Logger
	observer  Observer
}

// NewEvaluator composes the engine from a hierarchy and catalog.
func NewEvaluator(h *Hierarchy, c *Catalog, opts ...Option) *Evaluator {
	e := &Evaluator{
		hierarchy: h,
		catalog:   c,
		members:   NewMembershipResolver(h),
		overrides: NewOverrideEngine(c),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Hierarchy exposes the role hierarchy.
func (e *Evaluator) Hierarchy() *Hierarchy { return e.hierarchy }

// Catalog exposes the permission catalog.
func (e *Evaluator) Catalog() *Catalog { return e.catalog }

// Members exposes the membership resolver.
func (e *Evaluator) Members() MembershipResolver { return e.members }

// HasPermission reports whether the principal currently holds perm.
func (e *Evaluator) HasPermission(s Snapshot, perm Permission) bool {
	if superAdmin(s) {
		return e.decide("has_permission", true)
	}
	set, ok := e.permissions(s, "has_permission")
	return e.decide("has_permission", ok && set.Has(perm))
}

// HasAnyPermission reports whether the principal holds at least one of perms.
func (e *Evaluator) HasAnyPermission(s Snapshot, perms []Permission) bool {
	if superAdmin(s) {
		return e.decide("has_any_permission", true)
	}
	set, ok := e.permissions(s, "has_any_permission")
	if !ok {
		return e.decide("has_any_permission", false)
	}
	for _, p := range perms {
		if set.Has(p) {
			return e.decide("has_any_permission", true)
		}
	}
	return e.decide("has_any_permission", false)
}

// HasAllPermissions reports whether the principal holds every one of perms.
func (e *Evaluator) HasAllPermissions(s Snapshot, perms []Permission) bool {
	if superAdmin(s) {
		return e.decide("has_all_permissions", true)
	}
	set, ok := e.permissions(s, "has_all_permissions")
	if !ok {
		return e.decide("has_all_permissions", false)
	}
	for _, p := range perms {
		if !set.Has(p) {
			return e.decide("has_all_permissions", false)
		}
	}
	return e.decide("has_all_permissions", true)
}

// EffectivePermissions returns the resolved permission set. Super-admins get the whole
// catalog. The set is empty while any input is loading.
func (e *Evaluator) EffectivePermissions(s Snapshot) PermissionSet {
	if superAdmin(s) {
		return e.catalog.All()
	}
	set, ok := e.permissions(s, "effective_permissions")
	if !ok {
		return PermissionSet{}
	}
	return set
}

// EffectiveRole returns the role in effect for the principal's current tenant.
func (e *Evaluator) EffectiveRole(s Snapshot) (Role, bool) {
	if s.Principal == nil {
		return "", false
	}
	return e.members.EffectiveRole(*s.Principal, s.Principal.CurrentTenantID)
}

// HasRole reports whether the principal holds role globally or in its current tenant.
func (e *Evaluator) HasRole(s Snapshot, role Role) bool {
	return e.decide("has_role", e.hasRole(s, role))
}

// HasAnyRole reports whether the principal holds any of roles.
func (e *Evaluator) HasAnyRole(s Snapshot, roles []Role) bool {
	if superAdmin(s) {
		return e.decide("has_any_role", true)
	}
	for _, r := range roles {
		if e.hasRole(s, r) {
			return e.decide("has_any_role", true)
		}
	}
	return e.decide("has_any_role", false)
}

// HasMinRole reports whether the principal's effective role ranks at or above role.
func (e *Evaluator) HasMinRole(s Snapshot, role Role) bool {
	if superAdmin(s) {
		return e.decide("has_min_role", true)
	}
	current, ok := e.EffectiveRole(s)
	if !ok {
		e.failClosed("has_min_role", "no effective role", s)
		return e.decide("has_min_role", false)
	}
	return e.decide("has_min_role", e.hierarchy.AtLeast(current, role))
}

// CanTransition reports whether the principal may move a record of moduleID from from to to.
func (e *Evaluator) CanTransition(s Snapshot, moduleID string, from, to StatusID) bool {
	if s.Principal == nil || s.Modules == nil {
		e.failClosed("can_transition", "snapshot loading", s)
		return e.decide("can_transition", false)
	}
	if !s.Modules.Has(moduleID) {
		e.failClosed("can_transition", "unknown module", s, slog.String("module", moduleID))
		return e.decide("can_transition", false)
	}
	if s.Principal.IsSuperAdmin {
		return e.decide("can_transition", s.Modules.HasEdge(moduleID, from, to))
	}
	role, ok := e.EffectiveRole(s)
	if !ok {
		e.failClosed("can_transition", "no effective role", s)
		return e.decide("can_transition", false)
	}
	return e.decide("can_transition", s.Modules.CanTransition(moduleID, from, to, role))
}

// AllowedTransitions returns the statuses the principal may move a record of moduleID to.
func (e *Evaluator) AllowedTransitions(s Snapshot, moduleID string, from StatusID) []StatusID {
	if s.Principal == nil || s.Modules == nil {
		e.failClosed("allowed_transitions", "snapshot loading", s)
		return []StatusID{}
	}
	if s.Principal.IsSuperAdmin {
		return s.Modules.AllowedTargets(moduleID, from)
	}
	role, ok := e.EffectiveRole(s)
	if !ok {
		e.failClosed("allowed_transitions", "no effective role", s)
		return []StatusID{}
	}
	return s.Modules.AllowedTargetsForRole(moduleID, from, role)
}

func (e *Evaluator) hasRole(s Snapshot, role Role) bool {
	if s.Principal == nil {
		e.failClosed("has_role", "principal loading", s)
		return false
	}
	if s.Principal.IsSuperAdmin {
		return true
	}
	if e.members.HasGlobalRole(*s.Principal, role) {
		return true
	}
	current, ok := e.EffectiveRole(s)
	return ok && current == role
}

func (e *Evaluator) permissions(s Snapshot, check string) (PermissionSet, bool) {
	if s.Principal == nil {
		e.failClosed(check, "principal loading", s)
		return nil, false
	}
	if !s.Overrides.Loaded {
		e.failClosed(check, "overrides loading", s)
		return nil, false
	}
	base := PermissionSet{}
	if role, ok := e.EffectiveRole(s); ok {
		base = e.catalog.BasePermissions(role)
	} else {
		e.failClosed(check, "no effective role", s)
	}
	own := make([]PermissionOverride, 0, len(s.Overrides.Items))
	for _, o := range s.Overrides.Items {
		if o.PrincipalID == s.Principal.ID {
			own = append(own, o)
		}
	}
	return e.overrides.Resolve(base, own, e.now()), true
}

func (e *Evaluator) decide(check string, allowed bool) bool {
	if e.observer != nil {
		e.observer.ObserveDecision(check, allowed)
	}
	return allowed
}

func (e *Evaluator) failClosed(check, reason string, s Snapshot, extra ...slog.Attr) {
	if fo, ok := e.observer.(FailureObserver); ok {
		fo.ObserveFailClosed(check, reason)
	}
	var principalID int64
	if s.Principal != nil {
		principalID = s.Principal.ID
	}
	attrs := []any{
		slog.String("check", check),
		slog.String("reason", reason),
		slog.Int64("principal_id", principalID),
	}
	for _, a := range extra {
		attrs = append(attrs, a)
	}
	e.logger.Debug("policy fail closed", attrs...)
}

func superAdmin(s Snapshot) bool {
	return s.Principal != nil && s.Principal.IsSuperAdmin
}
