package members

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/csims/csims/internal/platform/httpx"
	"github.com/csims/csims/internal/rbac"
	"github.com/csims/csims/internal/shared"
)

// Handler exposes member administration endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers member routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermMembersView, shared.PermMembersEdit))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermMembersEdit))
		r.Post("/", h.register)
		r.Post("/{id}/deactivate", h.deactivate)
		r.Delete("/{id}", h.delete)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, perPage := shared.PageParams(r)
	result, err := h.service.List(r.Context(), ListFilter{
		Status:  Status(strings.TrimSpace(r.URL.Query().Get("status"))),
		Search:  r.URL.Query().Get("q"),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		h.fail(w, "list members", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	member, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get member", err)
		return
	}
	httpx.JSON(w, http.StatusOK, member)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var input RegisterInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.ActorID, _ = shared.ActorFromContext(r.Context())
	reg, err := h.service.Register(r.Context(), input)
	if err != nil {
		h.fail(w, "register member", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, reg)
}

type statusRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.service.Deactivate)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.service.Delete)
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, actorID int64, reason string) (Member, error)) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req statusRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(w, r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	member, err := op(r.Context(), id, actorID, strings.TrimSpace(req.Reason))
	if err != nil {
		h.fail(w, "change member status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, member)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
