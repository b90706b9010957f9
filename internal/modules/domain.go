// Package modules serves workflow module configuration: statuses, transitions and the
// transition role matrix, cached in Redis across processes and compiled locally into
// transition graphs for the policy evaluator.
package modules

import (
	"errors"

	"github.com/odyssey-erp/odyssey-policy/internal/policy"
)

// ChannelInvalidate carries the id of a module whose configuration changed.
const ChannelInvalidate = "policy.modules"

// ModuleCapas is the custom cases workflow.
const ModuleCapas = "capas-personalizadas"

// ErrNotFound indicates the module does not exist.
var ErrNotFound = errors.New("modules: not found")

// Summary is a module row in listings.
type Summary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MatrixEntry gates one edge of the transition graph.
type MatrixEntry struct {
	From  policy.StatusID `json:"from" validate:"gt=0"`
	To    policy.StatusID `json:"to" validate:"gt=0"`
	Roles []string        `json:"roles" validate:"required,min=1,dive,required"`
}

// MatrixInput replaces the whole role matrix of a module.
type MatrixInput struct {
	Entries []MatrixEntry `json:"entries" validate:"dive"`
}
