// Package overrides administers per-principal permission grants and denies and keeps a local
// snapshot of each principal's overrides for the policy evaluator.
package overrides

import (
	"errors"
	"time"
)

// ChannelInvalidate carries the principal id whose overrides changed.
const ChannelInvalidate = "policy.overrides"

var (
	// ErrNotFound indicates the override does not exist.
	ErrNotFound = errors.New("overrides: not found")
	// ErrUnknownPrincipal indicates the target principal does not exist.
	ErrUnknownPrincipal = errors.New("overrides: unknown principal")
)

// AddInput is the payload of an override write.
type AddInput struct {
	Permission string     `json:"permission" validate:"required,max=128"`
	Kind       string     `json:"kind" validate:"required,oneof=grant deny"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Reason     string     `json:"reason" validate:"max=500"`
}
