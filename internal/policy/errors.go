package policy

import "errors"

var (
	// ErrUnknownRole indicates a role outside the configured hierarchy.
	ErrUnknownRole = errors.New("policy: unknown role")
	// ErrInvalidHierarchy indicates a malformed role hierarchy definition.
	ErrInvalidHierarchy = errors.New("policy: invalid role hierarchy")
	// ErrInvalidCatalog indicates a malformed permission catalog definition.
	ErrInvalidCatalog = errors.New("policy: invalid permission catalog")
	// ErrInvalidModule indicates a module configuration whose matrix does not match its graph.
	ErrInvalidModule = errors.New("policy: invalid module configuration")
	// ErrInvalidGroups indicates a permission-group payload of unsupported shape.
	ErrInvalidGroups = errors.New("policy: invalid permission groups payload")
)
