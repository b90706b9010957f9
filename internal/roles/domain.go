package roles

import (
	"errors"
	"time"

	"github.com/odyssey-erp/odyssey-policy/internal/policy"
)

// ErrAssignmentNotFound indicates the user holds no role in the tenant.
var ErrAssignmentNotFound = errors.New("roles: assignment not found")

// CatalogEntry describes a role of the hierarchy for management screens.
type CatalogEntry struct {
	Role        policy.Role `json:"role"`
	Level       int         `json:"level"`
	DisplayName string      `json:"display_name"`
}

// Assignment binds a user to one role in one tenant.
type Assignment struct {
	UserID     int64       `json:"user_id"`
	TenantID   int64       `json:"tenant_id"`
	TenantName string      `json:"tenant_name"`
	Role       policy.Role `json:"role"`
	AssignedAt time.Time   `json:"assigned_at"`
}

// AssignInput sets the role of a user in a tenant.
type AssignInput struct {
	TenantID int64  `json:"tenant_id" validate:"required,gt=0"`
	Role     string `json:"role" validate:"required,max=64"`
}
