package rbac

import (
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
)

// Service assembles evaluation snapshots from the collaborators owning them.
type Service struct {
	evaluator *policy.Evaluator
	overrides OverrideSource
	modules   ModuleSource
}

// NewService constructs a Service.
func NewService(evaluator *policy.Evaluator, overrides OverrideSource, modules ModuleSource) *Service {
	return &Service{evaluator: evaluator, overrides: overrides, modules: modules}
}

// Evaluator exposes the policy evaluator.
func (s *Service) Evaluator() *policy.Evaluator {
	return s.evaluator
}

// Snapshot bundles the current inputs for principal. The module graph is attached only when
// moduleID is set.
func (s *Service) Snapshot(principal *policy.Principal, moduleID string) policy.Snapshot {
	snap := policy.Snapshot{Principal: principal}
	if principal == nil {
		return snap
	}
	if s.overrides != nil {
		snap.Overrides = s.overrides.Snapshot(principal.ID)
	}
	if moduleID != "" && s.modules != nil {
		snap.Modules = s.modules.Graph(moduleID)
	}
	return snap
}
