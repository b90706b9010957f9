package overrides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-policy/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-policy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
	"github.com/odyssey-erp/odyssey-policy/internal/snapshot"
)

// Config tunes the override service.
type Config struct {
	// SnapshotTTL marks a principal's override snapshot stale after the given age.
	SnapshotTTL time.Duration
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Service administers overrides and serves override snapshots to the evaluator.
type Service struct {
	repo      Repository
	catalog   *policy.Catalog
	audit     shared.AuditRecorder
	bus       *cache.Bus
	snapshots *snapshot.Cache[int64, []policy.PermissionOverride]
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// NewService wires the override service. Catalog restricts writes to known permissions; audit
// and bus are optional.
func NewService(repo Repository, catalog *policy.Catalog, audit shared.AuditRecorder, bus *cache.Bus, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	s := &Service{
		repo:     repo,
		catalog:  catalog,
		audit:    audit,
		bus:      bus,
		validate: validator.New(),
		logger:   logger,
		now:      now,
	}
	s.snapshots = snapshot.New(func(ctx context.Context, principalID int64) ([]policy.PermissionOverride, error) {
		return repo.ListByPrincipal(ctx, principalID)
	}, snapshot.Config{Name: "overrides", TTL: cfg.SnapshotTTL, Logger: logger, Clock: now})
	return s
}

// Snapshot returns the override snapshot of principalID without blocking. It reports not
// loaded until the first fetch completes and again after an invalidation until the refetch
// lands, so a revoked permission is never evaluated against the previous list. An entry only
// past its TTL stays loaded while it refreshes.
func (s *Service) Snapshot(principalID int64) policy.OverrideSnapshot {
	items, state := s.snapshots.Get(principalID)
	if !state.Current() {
		return policy.OverrideSnapshot{}
	}
	return policy.OverrideSnapshot{Items: items, Loaded: true}
}

// Warm loads the snapshot of principalID synchronously.
func (s *Service) Warm(ctx context.Context, principalID int64) error {
	_, err := s.snapshots.Refresh(ctx, principalID)
	return err
}

// List returns the stored overrides of principalID.
func (s *Service) List(ctx context.Context, principalID int64) ([]policy.PermissionOverride, error) {
	return s.repo.ListByPrincipal(ctx, principalID)
}

// Add grants or denies a permission to principalID.
func (s *Service) Add(ctx context.Context, actorID, principalID int64, input AddInput) (policy.PermissionOverride, error) {
	if err := s.validate.Struct(input); err != nil {
		return policy.PermissionOverride{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	if principalID <= 0 {
		return policy.PermissionOverride{}, fmt.Errorf("%w: principal id required", httpx.ErrValidation)
	}
	perm := policy.NormalizePermission(input.Permission)
	if s.catalog != nil && !s.catalog.Known(perm) {
		return policy.PermissionOverride{}, fmt.Errorf("%w: unknown permission %q", httpx.ErrValidation, perm)
	}
	now := s.now()
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return policy.PermissionOverride{}, fmt.Errorf("%w: expires_at must be in the future", httpx.ErrValidation)
	}

	stored, err := s.repo.Upsert(ctx, policy.PermissionOverride{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Permission:  perm,
		Kind:        policy.OverrideKind(input.Kind),
		ExpiresAt:   input.ExpiresAt,
		Reason:      input.Reason,
		CreatedBy:   actorID,
		CreatedAt:   now.UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrUnknownPrincipal) {
			return policy.PermissionOverride{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
		}
		return policy.PermissionOverride{}, err
	}

	s.record(ctx, actorID, "override.add", stored)
	s.Invalidate(ctx, principalID)
	s.reload(ctx, principalID)
	return stored, nil
}

// Remove deletes an override by id.
func (s *Service) Remove(ctx context.Context, actorID int64, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	removed, err := s.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.record(ctx, actorID, "override.remove", removed)
	s.Invalidate(ctx, removed.PrincipalID)
	s.reload(ctx, removed.PrincipalID)
	return nil
}

// SweepExpired invalidates the snapshots of principals whose overrides expired since the
// previous sweep. Expired rows stay stored; the evaluator already ignores them. The first
// sweep of a process covers every expiry up to now.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	until := s.now()
	principals, err := s.repo.ExpiredBetween(ctx, s.lastSweep, until)
	if err != nil {
		return 0, err
	}
	for _, id := range principals {
		s.Invalidate(ctx, id)
	}
	s.lastSweep = until
	return len(principals), nil
}

// Invalidate drops the local snapshot of principalID and tells peer processes to do the same.
func (s *Service) Invalidate(ctx context.Context, principalID int64) {
	s.snapshots.Invalidate(principalID)
	if err := s.bus.Publish(ctx, ChannelInvalidate, strconv.FormatInt(principalID, 10)); err != nil {
		s.logger.Warn("publish override invalidation", slog.Int64("principal_id", principalID), slog.Any("error", err))
	}
}

// reload refetches the local snapshot of principalID before a write returns. On failure the
// snapshot stays invalidated and evaluation keeps failing closed until a later fetch succeeds.
func (s *Service) reload(ctx context.Context, principalID int64) {
	if _, err := s.snapshots.Refresh(ctx, principalID); err != nil {
		s.logger.Warn("reload override snapshot", slog.Int64("principal_id", principalID), slog.Any("error", err))
	}
}

// Listen applies invalidations published by peer processes until ctx ends.
func (s *Service) Listen(ctx context.Context) error {
	return s.bus.Subscribe(ctx, ChannelInvalidate, func(payload string) {
		id, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			s.logger.Warn("malformed override invalidation", slog.String("payload", payload))
			return
		}
		s.snapshots.Invalidate(id)
	})
}

func (s *Service) record(ctx context.Context, actorID int64, action string, o policy.PermissionOverride) {
	if s.audit == nil {
		return
	}
	meta := map[string]any{
		"principal_id": o.PrincipalID,
		"permission":   o.Permission,
		"kind":         o.Kind,
	}
	if o.ExpiresAt != nil {
		meta["expires_at"] = o.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   shared.AuditEntityOverride,
		EntityID: o.ID,
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit override", slog.String("action", action), slog.Any("error", err))
	}
}
