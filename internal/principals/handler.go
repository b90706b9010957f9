package principals

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-policy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

// Handler exposes tenant selection for the logged-in principal.
type Handler struct {
	logger   *slog.Logger
	provider *Provider
	members  policy.MembershipResolver
	validate *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, provider *Provider, members policy.MembershipResolver) *Handler {
	return &Handler{logger: logger, provider: provider, members: members, validate: validator.New()}
}

// MountRoutes registers tenant routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/tenants", h.listTenants)
	r.Put("/tenant", h.switchTenant)
}

type tenantView struct {
	policy.Membership
	Current bool `json:"current"`
}

type switchTenantRequest struct {
	TenantID int64 `json:"tenant_id" validate:"required,gt=0"`
}

func (h *Handler) listTenants(w http.ResponseWriter, r *http.Request) {
	principal, err := h.provider.Resolve(r.Context(), shared.SessionFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	current, _ := h.members.CurrentMembership(principal, principal.CurrentTenantID)
	tenants := h.members.Tenants(principal)
	out := make([]tenantView, 0, len(tenants))
	for _, ms := range tenants {
		out = append(out, tenantView{Membership: ms, Current: ms.TenantID == current.TenantID})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tenants": out})
}

func (h *Handler) switchTenant(w http.ResponseWriter, r *http.Request) {
	var req switchTenantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	principal, err := h.provider.SwitchTenant(r.Context(), shared.SessionFromContext(r.Context()), req.TenantID)
	if err != nil {
		h.logger.Info("tenant switch rejected", slog.Int64("tenant_id", req.TenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"principal": principal})
}
