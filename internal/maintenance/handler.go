package maintenance

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/csims/csims/internal/platform/httpx"
	"github.com/csims/csims/internal/rbac"
	"github.com/csims/csims/internal/shared"
)

// Handler exposes the purge endpoint.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers maintenance routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAll(shared.PermMaintenancePurge)).Post("/purge", h.purge)
}

type purgeRequest struct {
	Confirmation string `json:"confirmation"`
}

func (h *Handler) purge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	report, err := h.service.Purge(r.Context(), req.Confirmation, actorID)
	if err != nil {
		if !httpx.IsClientError(err) {
			h.logger.Error("purge", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}
