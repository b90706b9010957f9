package principals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

const versionKeyPrefix = "principal:ver:"

// Provider resolves the principal snapshot of a session. Snapshots are reloaded from the
// membership store only when the user's membership version moved since the session stored them.
type Provider struct {
	repo    Repository
	redis   *redis.Client
	members policy.MembershipResolver
	logger  *slog.Logger
}

// NewProvider wires a Provider.
func NewProvider(repo Repository, client *redis.Client, members policy.MembershipResolver, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{repo: repo, redis: client, members: members, logger: logger}
}

// Version returns the current membership version of userID. Users never bumped are at zero.
func (p *Provider) Version(ctx context.Context, userID int64) (int64, error) {
	if p.redis == nil {
		return 0, nil
	}
	v, err := p.redis.Get(ctx, versionKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("principals: read version: %w", err)
	}
	return v, nil
}

// BumpVersion marks every stored snapshot of userID as outdated.
func (p *Provider) BumpVersion(ctx context.Context, userID int64) error {
	if p.redis == nil {
		return nil
	}
	if err := p.redis.Incr(ctx, versionKey(userID)).Err(); err != nil {
		return fmt.Errorf("principals: bump version: %w", err)
	}
	return nil
}

// Resolve returns the session principal, reloading it when the stored snapshot is missing or
// outdated. The selected tenant survives a reload while the user still holds it.
func (p *Provider) Resolve(ctx context.Context, sess *shared.Session) (policy.Principal, error) {
	if sess == nil || sess.User() == 0 {
		return policy.Principal{}, shared.ErrUnauthenticated
	}
	stored, storedVersion := sess.Principal()
	current, err := p.Version(ctx, sess.User())
	if err != nil {
		// The stored snapshot may predate a revoked role; refuse rather than serve it.
		p.logger.Warn("principal version unavailable",
			slog.Int64("principal_id", sess.User()), slog.Any("error", err))
		return policy.Principal{}, fmt.Errorf("%w: %v", shared.ErrPolicyUnavailable, err)
	}
	if stored != nil && storedVersion == current {
		return *stored, nil
	}
	var tenant *int64
	if stored != nil {
		tenant = stored.CurrentTenantID
	}
	return p.reload(ctx, sess, current, tenant)
}

// Refresh rebuilds the session principal from the membership store unconditionally.
func (p *Provider) Refresh(ctx context.Context, sess *shared.Session) (policy.Principal, error) {
	if sess == nil || sess.User() == 0 {
		return policy.Principal{}, shared.ErrUnauthenticated
	}
	current, err := p.Version(ctx, sess.User())
	if err != nil {
		return policy.Principal{}, fmt.Errorf("%w: %v", shared.ErrPolicyUnavailable, err)
	}
	return p.reload(ctx, sess, current, nil)
}

// SwitchTenant selects tenantID as the active store of the session.
func (p *Provider) SwitchTenant(ctx context.Context, sess *shared.Session, tenantID int64) (policy.Principal, error) {
	principal, err := p.Resolve(ctx, sess)
	if err != nil {
		return policy.Principal{}, err
	}
	if !p.members.HoldsTenant(principal, tenantID) {
		return policy.Principal{}, shared.ErrTenantNotHeld
	}
	_, version := sess.Principal()
	switched := principal.WithTenant(tenantID)
	sess.SetPrincipal(switched, version)
	return switched, nil
}

func (p *Provider) reload(ctx context.Context, sess *shared.Session, version int64, tenant *int64) (policy.Principal, error) {
	principal, err := p.repo.LoadPrincipal(ctx, sess.User())
	if err != nil {
		return policy.Principal{}, err
	}
	if tenant != nil && p.members.HoldsTenant(principal, *tenant) {
		principal = principal.WithTenant(*tenant)
	}
	sess.SetPrincipal(principal, version)
	p.logger.Debug("principal loaded",
		slog.Int64("principal_id", principal.ID),
		slog.Int("memberships", len(principal.Memberships)),
		slog.Int64("version", version))
	return principal, nil
}

func versionKey(userID int64) string {
	return versionKeyPrefix + strconv.FormatInt(userID, 10)
}
