package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-policy/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-policy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
	"github.com/odyssey-erp/odyssey-policy/internal/snapshot"
)

// RefreshEnqueuer schedules a background rebuild of the shared module cache.
type RefreshEnqueuer interface {
	EnqueueModuleRefresh(ctx context.Context, moduleID string) error
}

// Service serves module configuration and compiled transition graphs.
type Service struct {
	repo      Repository
	shared    *cache.Versioned
	bus       *cache.Bus
	jobs      RefreshEnqueuer
	audit     shared.AuditRecorder
	hierarchy *policy.Hierarchy
	graphs    *snapshot.Cache[string, *policy.TransitionGraph]
	validate  *validator.Validate
	logger    *slog.Logger
}

// Options collects the optional collaborators of the Service.
type Options struct {
	Shared    *cache.Versioned
	Bus       *cache.Bus
	Jobs      RefreshEnqueuer
	Audit     shared.AuditRecorder
	Hierarchy *policy.Hierarchy
	Logger    *slog.Logger
}

// NewService wires the module service. Graphs are kept until invalidated.
func NewService(repo Repository, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:      repo,
		shared:    opts.Shared,
		bus:       opts.Bus,
		jobs:      opts.Jobs,
		audit:     opts.Audit,
		hierarchy: opts.Hierarchy,
		validate:  validator.New(),
		logger:    logger,
	}
	s.graphs = snapshot.New(s.loadGraph, snapshot.Config{Name: "modules", Logger: logger})
	return s
}

// List returns the configured modules.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	return s.repo.List(ctx)
}

// ModuleIDs returns the ids of every configured module.
func (s *Service) ModuleIDs(ctx context.Context) ([]string, error) {
	list, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, m := range list {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Config returns the configuration of moduleID through the shared cache.
func (s *Service) Config(ctx context.Context, moduleID string) (policy.ModuleConfig, error) {
	key, err := s.shared.BuildKey(ctx, moduleID)
	if err != nil {
		s.logger.Warn("module cache key", slog.String("module", moduleID), slog.Any("error", err))
		return s.repo.Load(ctx, moduleID)
	}
	var cfg policy.ModuleConfig
	err = s.shared.FetchJSON(ctx, key, &cfg, func(ctx context.Context) (interface{}, error) {
		return s.repo.Load(ctx, moduleID)
	})
	if err != nil {
		return policy.ModuleConfig{}, err
	}
	return cfg, nil
}

// Graph returns the compiled graph of moduleID, nil while the first load is in flight.
// A stale graph keeps being served while its refresh runs.
func (s *Service) Graph(moduleID string) *policy.TransitionGraph {
	graph, state := s.graphs.Get(moduleID)
	if !state.Usable() {
		return nil
	}
	return graph
}

// Warm compiles the graph of moduleID synchronously.
func (s *Service) Warm(ctx context.Context, moduleID string) error {
	_, err := s.graphs.Refresh(ctx, moduleID)
	return err
}

// RebuildShared reloads moduleID from the database into the shared cache.
func (s *Service) RebuildShared(ctx context.Context, moduleID string) error {
	cfg, err := s.repo.Load(ctx, moduleID)
	if err != nil {
		return err
	}
	key, err := s.shared.BuildKey(ctx, moduleID)
	if err != nil {
		return err
	}
	return s.shared.StoreJSON(ctx, key, cfg)
}

// UpdateMatrix replaces the role matrix of moduleID. Every entry must name an existing edge
// and known roles.
func (s *Service) UpdateMatrix(ctx context.Context, actorID int64, moduleID string, input MatrixInput) (policy.ModuleConfig, error) {
	if err := s.validate.Struct(input); err != nil {
		return policy.ModuleConfig{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	cfg, err := s.repo.Load(ctx, moduleID)
	if err != nil {
		return policy.ModuleConfig{}, err
	}

	matrix := make(map[policy.StatusID]map[policy.StatusID][]policy.Role)
	for _, entry := range input.Entries {
		roles, err := s.normalizeRoles(entry.Roles)
		if err != nil {
			return policy.ModuleConfig{}, err
		}
		row := matrix[entry.From]
		if row == nil {
			row = make(map[policy.StatusID][]policy.Role)
			matrix[entry.From] = row
		}
		row[entry.To] = mergeRoles(row[entry.To], roles)
	}
	cfg.RoleMatrix = matrix
	if err := cfg.Validate(); err != nil {
		return policy.ModuleConfig{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}

	if err := s.repo.ReplaceMatrix(ctx, moduleID, matrix); err != nil {
		if errors.Is(err, policy.ErrInvalidModule) {
			return policy.ModuleConfig{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
		}
		return policy.ModuleConfig{}, err
	}
	if _, err := s.shared.Bump(ctx); err != nil {
		s.logger.Warn("bump module cache", slog.String("module", moduleID), slog.Any("error", err))
	}
	if s.jobs != nil {
		if err := s.jobs.EnqueueModuleRefresh(ctx, moduleID); err != nil {
			s.logger.Warn("enqueue module refresh", slog.String("module", moduleID), slog.Any("error", err))
		}
	}
	s.Invalidate(ctx, moduleID)
	s.record(ctx, actorID, moduleID, len(input.Entries))
	return cfg, nil
}

// Invalidate marks the local graph of moduleID stale and tells peer processes to do the same.
func (s *Service) Invalidate(ctx context.Context, moduleID string) {
	s.graphs.Invalidate(moduleID)
	if err := s.bus.Publish(ctx, ChannelInvalidate, moduleID); err != nil {
		s.logger.Warn("publish module invalidation", slog.String("module", moduleID), slog.Any("error", err))
	}
}

// Listen applies invalidations published by peer processes until ctx ends.
func (s *Service) Listen(ctx context.Context) error {
	return s.bus.Subscribe(ctx, ChannelInvalidate, func(moduleID string) {
		s.graphs.Invalidate(moduleID)
	})
}

func (s *Service) loadGraph(ctx context.Context, moduleID string) (*policy.TransitionGraph, error) {
	cfg, err := s.Config(ctx, moduleID)
	if errors.Is(err, ErrNotFound) {
		return policy.NewTransitionGraph(), nil
	}
	if err != nil {
		return nil, err
	}
	return policy.NewTransitionGraph(cfg), nil
}

func (s *Service) normalizeRoles(raw []string) ([]policy.Role, error) {
	out := make([]policy.Role, 0, len(raw))
	for _, r := range raw {
		role := policy.NormalizeRole(r)
		if role != policy.Wildcard && s.hierarchy != nil && !s.hierarchy.Contains(role) {
			return nil, fmt.Errorf("%w: unknown role %q", httpx.ErrValidation, role)
		}
		out = append(out, role)
	}
	return out, nil
}

func mergeRoles(existing, add []policy.Role) []policy.Role {
	seen := make(map[policy.Role]struct{}, len(existing)+len(add))
	out := make([]policy.Role, 0, len(existing)+len(add))
	for _, r := range append(existing, add...) {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func (s *Service) record(ctx context.Context, actorID int64, moduleID string, entries int) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "module.matrix.update",
		Entity:   shared.AuditEntityModule,
		EntityID: moduleID,
		Meta:     map[string]any{"entries": entries},
		At:       time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("audit module", slog.String("module", moduleID), slog.Any("error", err))
	}
}
