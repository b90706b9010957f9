package rbac

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-policy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

// Handler answers policy questions for the session principal.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	rbac     Middleware
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// MountRoutes registers policy query routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePrincipal)
		r.Get("/me", h.me)
		r.Post("/check", h.check)
		r.Get("/transitions", h.transitions)
	})
}

type meResponse struct {
	Principal       policy.Principal    `json:"principal"`
	EffectiveRole   policy.Role         `json:"effective_role,omitempty"`
	HighestRole     policy.Role         `json:"highest_role,omitempty"`
	CurrentTenant   *policy.Membership  `json:"current_tenant,omitempty"`
	Permissions     []policy.Permission `json:"permissions"`
	OverridesLoaded bool                `json:"overrides_loaded"`
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	ev := h.service.Evaluator()
	snap := h.service.Snapshot(principal, "")

	resp := meResponse{
		Principal:       *principal,
		Permissions:     ev.EffectivePermissions(snap).Sorted(),
		OverridesLoaded: snap.Overrides.Loaded || principal.IsSuperAdmin,
	}
	if role, ok := ev.EffectiveRole(snap); ok {
		resp.EffectiveRole = role
	}
	if role, ok := ev.Members().HighestRole(*principal); ok {
		resp.HighestRole = role
	}
	if ms, ok := ev.Members().CurrentMembership(*principal, principal.CurrentTenantID); ok {
		resp.CurrentTenant = &ms
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type checkRequest struct {
	Permissions []string `json:"permissions" validate:"omitempty,dive,required"`
	Mode        string   `json:"mode" validate:"omitempty,oneof=any all"`
	Roles       []string `json:"roles" validate:"omitempty,dive,required"`
	MinRole     string   `json:"min_role"`
}

type checkResponse struct {
	Allowed     bool            `json:"allowed"`
	Permissions map[string]bool `json:"permissions,omitempty"`
	Roles       map[string]bool `json:"roles,omitempty"`
	MinRole     *bool           `json:"min_role,omitempty"`
	Loaded      bool            `json:"loaded"`
}

// check evaluates a batch of permission and role questions. Every listed question must pass
// for allowed to be true; mode selects whether one or all listed permissions are required.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if len(req.Permissions) == 0 && len(req.Roles) == 0 && req.MinRole == "" {
		httpx.RespondError(w, fmt.Errorf("%w: nothing to check", httpx.ErrValidation))
		return
	}

	principal := shared.PrincipalFromContext(r.Context())
	ev := h.service.Evaluator()
	snap := h.service.Snapshot(principal, "")
	resp := checkResponse{Allowed: true, Loaded: snap.Overrides.Loaded || principal.IsSuperAdmin}

	if len(req.Permissions) > 0 {
		perms := make([]policy.Permission, 0, len(req.Permissions))
		resp.Permissions = make(map[string]bool, len(req.Permissions))
		for _, raw := range req.Permissions {
			p := policy.NormalizePermission(raw)
			perms = append(perms, p)
			resp.Permissions[raw] = ev.HasPermission(snap, p)
		}
		if req.Mode == "any" {
			resp.Allowed = ev.HasAnyPermission(snap, perms)
		} else {
			resp.Allowed = ev.HasAllPermissions(snap, perms)
		}
	}
	if len(req.Roles) > 0 {
		roles := make([]policy.Role, 0, len(req.Roles))
		resp.Roles = make(map[string]bool, len(req.Roles))
		for _, raw := range req.Roles {
			role := policy.NormalizeRole(raw)
			roles = append(roles, role)
			resp.Roles[raw] = ev.HasRole(snap, role)
		}
		resp.Allowed = resp.Allowed && ev.HasAnyRole(snap, roles)
	}
	if req.MinRole != "" {
		ok := ev.HasMinRole(snap, policy.NormalizeRole(req.MinRole))
		resp.MinRole = &ok
		resp.Allowed = resp.Allowed && ok
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type transitionsResponse struct {
	Module  string            `json:"module"`
	From    policy.StatusID   `json:"from"`
	Targets []policy.StatusID `json:"targets"`
	To      *policy.StatusID  `json:"to,omitempty"`
	Allowed *bool             `json:"allowed,omitempty"`
	Loaded  bool              `json:"loaded"`
}

// transitions lists the statuses reachable from ?from= in ?module=, or answers a single
// ?to= question.
func (h *Handler) transitions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	moduleID := strings.TrimSpace(q.Get("module"))
	if moduleID == "" {
		httpx.RespondError(w, fmt.Errorf("%w: module required", httpx.ErrValidation))
		return
	}
	from, err := parseStatus(q.Get("from"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: from: %v", httpx.ErrValidation, err))
		return
	}

	principal := shared.PrincipalFromContext(r.Context())
	ev := h.service.Evaluator()
	snap := h.service.Snapshot(principal, moduleID)
	resp := transitionsResponse{
		Module:  moduleID,
		From:    from,
		Targets: ev.AllowedTransitions(snap, moduleID, from),
		Loaded:  snap.Modules != nil,
	}
	if raw := q.Get("to"); raw != "" {
		to, err := parseStatus(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: to: %v", httpx.ErrValidation, err))
			return
		}
		allowed := ev.CanTransition(snap, moduleID, from, to)
		resp.To = &to
		resp.Allowed = &allowed
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func parseStatus(raw string) (policy.StatusID, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	return policy.StatusID(v), nil
}
