package modules

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-policy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-policy/internal/rbac"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

// Handler exposes module configuration administration.
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

// MountRoutes registers module routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(shared.PermModulesView))
		r.Get("/", h.list)
		r.Get("/{moduleID}", h.show)
	})
	r.Group(func(r chi.Router) {
		if h.limit != nil {
			r.Use(h.limit)
		}
		r.Use(h.rbac.RequirePermission(shared.PermModulesEdit))
		r.Put("/{moduleID}/matrix", h.updateMatrix)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("list modules", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if items == nil {
		items = []Summary{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"modules": items})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.service.Config(r.Context(), chi.URLParam(r, "moduleID"))
	if err != nil {
		respond(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cfg)
}

func (h *Handler) updateMatrix(w http.ResponseWriter, r *http.Request) {
	var input MatrixInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	moduleID := chi.URLParam(r, "moduleID")
	cfg, err := h.service.UpdateMatrix(r.Context(), actorID(r), moduleID, input)
	if err != nil {
		h.logger.Info("matrix update rejected", slog.String("module", moduleID), slog.Any("error", err))
		respond(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cfg)
}

func respond(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
		return
	}
	httpx.RespondError(w, err)
}

func actorID(r *http.Request) int64 {
	if p := shared.PrincipalFromContext(r.Context()); p != nil {
		return p.ID
	}
	return 0
}
