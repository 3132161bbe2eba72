package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/csims/csims/internal/platform/httpx"
	"github.com/csims/csims/internal/rbac"
	"github.com/csims/csims/internal/shared"
)

type allowPermissions []string

func (p allowPermissions) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	return p, nil
}

func newTestRouter(f *fixture, perms ...string) http.Handler {
	mw := rbac.Middleware{Service: allowPermissions(perms)}
	h := NewHandler(slog.Default(), f.svc, mw)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), 9)))
		})
	})
	h.MountRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApplyEndpointWithIdempotencyKey(t *testing.T) {
	f := newFixture(Options{})
	acct := f.savings("100.00", "0")
	h := newTestRouter(f, shared.PermLedgerPost)
	path := fmt.Sprintf("/accounts/%d/transactions", acct.ID)
	headers := map[string]string{IdempotencyHeader: "abc-123"}

	first := do(t, h, http.MethodPost, path, `{"type":"deposit","amount":"15.50"}`, headers)
	require.Equal(t, http.StatusCreated, first.Code)
	second := do(t, h, http.MethodPost, path, `{"type":"deposit","amount":"15.50"}`, headers)
	require.Equal(t, http.StatusCreated, second.Code)

	var a, b Transaction
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	require.Equal(t, a.ID, b.ID)
	require.Equal(t, "115.50", f.store.account(acct.ID).Balance.StringFixed(2))
}

func TestApplyEndpointMapsRejection(t *testing.T) {
	f := newFixture(Options{})
	acct := f.savings("100.00", "50.00")
	h := newTestRouter(f, shared.PermLedgerPost)

	rec := do(t, h, http.MethodPost, fmt.Sprintf("/accounts/%d/transactions", acct.ID), `{"type":"withdrawal","amount":60}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, ReasonInsufficientFunds, problem.Reason)
}

func TestApplyEndpointBusy(t *testing.T) {
	f := newFixture(Options{MaxRetries: 1})
	acct := f.savings("100.00", "0")
	f.store.conflicts = 5
	h := newTestRouter(f, shared.PermLedgerPost)

	rec := do(t, h, http.MethodPost, fmt.Sprintf("/accounts/%d/transactions", acct.ID), `{"type":"deposit","amount":"1"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, httpx.RetryAfterSeconds, rec.Header().Get("Retry-After"))
}

func TestApplyEndpointRequiresPermission(t *testing.T) {
	f := newFixture(Options{})
	acct := f.savings("100.00", "0")
	h := newTestRouter(f, shared.PermAccountsView)

	rec := do(t, h, http.MethodPost, fmt.Sprintf("/accounts/%d/transactions", acct.ID), `{"type":"deposit","amount":"1"}`, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/accounts/%d", acct.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHistoryEndpointAndNotFound(t *testing.T) {
	f := newFixture(Options{})
	acct := f.savings("100.00", "0")
	_, err := f.apply(t, acct.ID, TxDeposit, "1.00")
	require.NoError(t, err)
	h := newTestRouter(f, shared.PermAccountsView)

	rec := do(t, h, http.MethodGet, fmt.Sprintf("/accounts/%d/transactions?limit=10", acct.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Transactions []Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Transactions, 1)

	rec = do(t, h, http.MethodGet, "/accounts/4040/transactions", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReverseEndpointRejectsBadID(t *testing.T) {
	f := newFixture(Options{})
	h := newTestRouter(f, shared.PermLedgerReverse)
	rec := do(t, h, http.MethodPost, "/transactions/not-a-uuid/reverse", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
