// Package rbac exposes the policy evaluator to HTTP: route guards and query endpoints that
// answer permission, role and workflow transition questions for the session principal.
package rbac

import (
	"context"

	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

// PrincipalResolver yields the principal snapshot of a session.
type PrincipalResolver interface {
	Resolve(ctx context.Context, sess *shared.Session) (policy.Principal, error)
}

// OverrideSource serves override snapshots without blocking.
type OverrideSource interface {
	Snapshot(principalID int64) policy.OverrideSnapshot
}

// ModuleSource serves compiled transition graphs without blocking. A nil graph means the
// module configuration is still loading.
type ModuleSource interface {
	Graph(moduleID string) *policy.TransitionGraph
}
