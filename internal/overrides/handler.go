package overrides

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-policy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/rbac"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

// Handler exposes the override administration API.
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

// MountRoutes registers override routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(shared.PermOverridesView))
		r.Get("/users/{userID}/overrides", h.list)
	})
	r.Group(func(r chi.Router) {
		if h.limit != nil {
			r.Use(h.limit)
		}
		r.Use(h.rbac.RequirePermission(shared.PermOverridesEdit))
		r.Post("/users/{userID}/overrides", h.add)
		r.Delete("/overrides/{overrideID}", h.remove)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.service.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("list overrides", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if items == nil {
		items = []policy.PermissionOverride{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"overrides": items})
}

func (h *Handler) add(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input AddInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	o, err := h.service.Add(r.Context(), actorID(r), userID, input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, o)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	err := h.service.Remove(r.Context(), actorID(r), chi.URLParam(r, "overrideID"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
		}
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func userParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid user id", httpx.ErrValidation)
	}
	return id, nil
}

func actorID(r *http.Request) int64 {
	if p := shared.PrincipalFromContext(r.Context()); p != nil {
		return p.ID
	}
	return 0
}
