package ledger

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/csims/csims/internal/platform/httpx"
	"github.com/csims/csims/internal/rbac"
	"github.com/csims/csims/internal/shared"
)

// IdempotencyHeader carries the client supplied transaction reference.
const IdempotencyHeader = "Idempotency-Key"

const maxReferenceLength = 100

// Handler exposes account and transaction endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers /accounts and /transactions routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/accounts", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermAccountsView, shared.PermAccountsEdit))
			r.Get("/{id}", h.getAccount)
			r.Get("/{id}/transactions", h.history)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(shared.PermAccountsEdit))
			r.Post("/", h.openAccount)
			r.Post("/{id}/activate", h.status(h.service.ActivateAccount))
			r.Post("/{id}/suspend", h.status(h.service.SuspendAccount))
			r.Post("/{id}/close", h.status(h.service.CloseAccount))
			r.Post("/{id}/default", h.status(h.service.MarkLoanDefaulted))
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(shared.PermLedgerPost))
			r.Post("/{id}/transactions", h.apply)
			r.Post("/{id}/interest", h.postInterest)
		})
	})
	r.Route("/transactions", func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermLedgerReverse))
		r.Post("/{id}/reverse", h.reverse)
	})
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	acct, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		h.fail(w, "get account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, acct)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	rows, err := h.service.History(r.Context(), id, limit, offset)
	if err != nil {
		h.fail(w, "account history", err)
		return
	}
	if rows == nil {
		rows = []Transaction{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transactions": rows, "offset": offset})
}

func (h *Handler) openAccount(w http.ResponseWriter, r *http.Request) {
	var in OpenAccountInput
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ActorID, _ = shared.ActorFromContext(r.Context())
	acct, err := h.service.OpenAccount(r.Context(), in)
	if err != nil {
		h.fail(w, "open account", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, acct)
}

type applyRequest struct {
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body applyRequest
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	typ, ok := ParseTxType(body.Type)
	if !ok {
		httpx.RespondError(w, shared.ValidationError{Fields: map[string]string{"type": "is invalid"}})
		return
	}
	ref := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if len(ref) > maxReferenceLength {
		httpx.RespondError(w, shared.ValidationError{Fields: map[string]string{"idempotency_key": "must be at most 100"}})
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	tx, err := h.service.Apply(r.Context(), Request{
		AccountID:   id,
		Type:        typ,
		Amount:      body.Amount,
		Description: strings.TrimSpace(body.Description),
		Reference:   ref,
		ActorID:     actorID,
	})
	if err != nil {
		h.fail(w, "apply transaction", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tx)
}

type interestRequest struct {
	AsOf string `json:"as_of"`
}

func (h *Handler) postInterest(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body interestRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(w, r, &body); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	var asOf time.Time
	if body.AsOf != "" {
		asOf, err = time.Parse(time.DateOnly, body.AsOf)
		if err != nil {
			httpx.RespondError(w, shared.ValidationError{Fields: map[string]string{"as_of": "must be a YYYY-MM-DD date"}})
			return
		}
	} else {
		asOf = time.Now()
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	tx, err := h.service.PostInterest(r.Context(), id, asOf, actorID)
	if err != nil {
		h.fail(w, "post interest", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tx)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) status(op func(ctx context.Context, id, actorID int64, reason string) (Account, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httpx.IDParam(r, "id")
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		var body reasonRequest
		if r.ContentLength > 0 {
			if err := httpx.DecodeJSON(w, r, &body); err != nil {
				httpx.RespondError(w, err)
				return
			}
		}
		actorID, _ := shared.ActorFromContext(r.Context())
		acct, err := op(r.Context(), id, actorID, strings.TrimSpace(body.Reason))
		if err != nil {
			h.fail(w, "change account status", err)
			return
		}
		httpx.JSON(w, http.StatusOK, acct)
	}
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.ErrBadRequest)
		return
	}
	var body reasonRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(w, r, &body); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	tx, err := h.service.Reverse(r.Context(), id, actorID, strings.TrimSpace(body.Reason))
	if err != nil {
		h.fail(w, "reverse transaction", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tx)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !httpx.IsClientError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
