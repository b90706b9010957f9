package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthenticated indicates a request without a logged-in session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrTenantNotHeld indicates a tenant switch to a store the principal is not a member of.
	ErrTenantNotHeld = errors.New("tenant not held by principal")
	// ErrPolicyUnavailable indicates the principal cannot be verified right now.
	ErrPolicyUnavailable = errors.New("policy data unavailable")
)
