package roles

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-policy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	DisplayNames(ctx context.Context) (map[policy.Role]string, error)
	ListAssignments(ctx context.Context, userID int64) ([]Assignment, error)
	Upsert(ctx context.Context, userID, tenantID int64, role policy.Role) (Assignment, error)
	Delete(ctx context.Context, userID, tenantID int64) error
}

// VersionBumper marks the stored principal snapshots of a user as outdated.
type VersionBumper interface {
	BumpVersion(ctx context.Context, userID int64) error
}

// Service handles role business logic.
type Service struct {
	repo      RepositoryPort
	hierarchy *policy.Hierarchy
	versions  VersionBumper
	audit     shared.AuditRecorder
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, hierarchy *policy.Hierarchy, versions VersionBumper, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, hierarchy: hierarchy, versions: versions, audit: audit, validate: validator.New(), logger: logger}
}

// Catalog lists the hierarchy in ascending level order. Stored display names win over the
// definition's.
func (s *Service) Catalog(ctx context.Context) ([]CatalogEntry, error) {
	names, err := s.repo.DisplayNames(ctx)
	if err != nil {
		return nil, err
	}
	levels := s.hierarchy.Roles()
	out := make([]CatalogEntry, 0, len(levels))
	for _, rl := range levels {
		entry := CatalogEntry{Role: rl.Role, Level: rl.Level, DisplayName: rl.DisplayName}
		if name, ok := names[rl.Role]; ok && name != "" {
			entry.DisplayName = name
		}
		if entry.DisplayName == "" {
			entry.DisplayName = string(rl.Role)
		}
		out = append(out, entry)
	}
	return out, nil
}

// ListAssignments returns the tenant roles of userID.
func (s *Service) ListAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	return s.repo.ListAssignments(ctx, userID)
}

// Assign sets the role of userID in a tenant. A user holds one role per tenant.
func (s *Service) Assign(ctx context.Context, actorID, userID int64, input AssignInput) (Assignment, error) {
	if err := s.validate.Struct(input); err != nil {
		return Assignment{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	role := policy.NormalizeRole(input.Role)
	if !s.hierarchy.Contains(role) {
		return Assignment{}, fmt.Errorf("%w: unknown role %q", httpx.ErrValidation, role)
	}
	a, err := s.repo.Upsert(ctx, userID, input.TenantID, role)
	if err != nil {
		return Assignment{}, err
	}
	s.changed(ctx, actorID, userID, "role.assign", map[string]any{"tenant_id": input.TenantID, "role": role})
	return a, nil
}

// Unassign removes the role of userID in tenantID.
func (s *Service) Unassign(ctx context.Context, actorID, userID, tenantID int64) error {
	if err := s.repo.Delete(ctx, userID, tenantID); err != nil {
		return err
	}
	s.changed(ctx, actorID, userID, "role.unassign", map[string]any{"tenant_id": tenantID})
	return nil
}

func (s *Service) changed(ctx context.Context, actorID, userID int64, action string, meta map[string]any) {
	if s.versions != nil {
		if err := s.versions.BumpVersion(ctx, userID); err != nil {
			s.logger.Error("bump principal version", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   shared.AuditEntityAssignment,
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit assignment", slog.String("action", action), slog.Any("error", err))
	}
}
