package roles

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-policy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-policy/internal/rbac"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

// Handler manages role management endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
	limit   func(http.Handler) http.Handler
}

// NewHandler builds Handler instance. limit guards mutations and may be nil.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, limit func(http.Handler) http.Handler) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, limit: limit}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(shared.PermRolesView))
		r.Get("/roles", h.listRoles)
		r.Get("/users/{userID}/roles", h.listAssignments)
	})
	r.Group(func(r chi.Router) {
		if h.limit != nil {
			r.Use(h.limit)
		}
		r.Use(h.rbac.RequirePermission(shared.PermRolesEdit))
		r.Put("/users/{userID}/roles", h.assign)
		r.Delete("/users/{userID}/roles/{tenantID}", h.unassign)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.service.Catalog(r.Context())
	if err != nil {
		h.logger.Error("list roles", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": catalog})
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.service.ListAssignments(r.Context(), userID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if items == nil {
		items = []Assignment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": items})
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input AssignInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	a, err := h.service.Assign(r.Context(), actorID(r), userID, input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) unassign(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	tenantID, err := pathID(r, "tenantID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Unassign(r.Context(), actorID(r), userID, tenantID); err != nil {
		if errors.Is(err, ErrAssignmentNotFound) {
			err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
		}
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", httpx.ErrValidation, name)
	}
	return id, nil
}

func actorID(r *http.Request) int64 {
	if p := shared.PrincipalFromContext(r.Context()); p != nil {
		return p.ID
	}
	return 0
}
