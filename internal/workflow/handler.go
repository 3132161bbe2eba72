package workflow

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/csims/csims/internal/platform/httpx"
	"github.com/csims/csims/internal/rbac"
	"github.com/csims/csims/internal/shared"
)

// Handler exposes approval endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers approval routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermApprovalsView, shared.PermApprovalsDecide))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermApprovalsCreate))
		r.Post("/loans", h.submitLoan)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermApprovalsDecide))
		r.Post("/{id}/decision", h.decide)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, perPage := shared.PageParams(r)
	q := r.URL.Query()
	result, err := h.service.List(r.Context(), ListFilter{
		Status:      RequestStatus(strings.TrimSpace(q.Get("status"))),
		SubjectType: SubjectType(strings.TrimSpace(q.Get("subject_type"))),
		Page:        page,
		PerPage:     perPage,
	})
	if err != nil {
		h.fail(w, "list approvals", err)
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
	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get approval", err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) submitLoan(w http.ResponseWriter, r *http.Request) {
	var in LoanApplicationInput
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.Purpose = strings.TrimSpace(in.Purpose)
	in.ActorID, _ = shared.ActorFromContext(r.Context())
	req, err := h.service.SubmitLoanApplication(r.Context(), in)
	if err != nil {
		h.fail(w, "submit loan application", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, req)
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body decisionRequest
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	req, err := h.service.Decide(r.Context(), id, Decision(body.Decision), actorID, strings.TrimSpace(body.Reason))
	if err != nil {
		h.fail(w, "decide approval", err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
