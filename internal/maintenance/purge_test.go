package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/csims/csims/internal/rbac"
	"github.com/csims/csims/internal/shared"
)

type fakeStore struct {
	calls  [][]string
	counts map[string]int64
	err    error
}

func (f *fakeStore) DeleteAll(ctx context.Context, tables []string) ([]TableCount, error) {
	f.calls = append(f.calls, tables)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]TableCount, 0, len(tables))
	for _, t := range tables {
		out = append(out, TableCount{Table: t, Rows: f.counts[t]})
	}
	return out, nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func TestPurgeRequiresExactPhrase(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, nil, nil)

	for _, phrase := range []string{"", "purge all data", "PURGE ALL DATA ", "yes"} {
		_, err := svc.Purge(context.Background(), phrase, 1)
		require.Equal(t, ReasonConfirmationMismatch, shared.RejectionReason(err), phrase)
	}
	require.Empty(t, store.calls)
}

func TestPurgeDeletesChildrenFirstAndAudits(t *testing.T) {
	store := &fakeStore{counts: map[string]int64{"transactions": 12, "accounts": 3, "members": 2}}
	audit := &memoryAudit{}
	svc := NewService(store, audit, nil)
	svc.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }

	report, err := svc.Purge(context.Background(), ConfirmationPhrase, 4)
	require.NoError(t, err)
	require.Equal(t, int64(17), report.Total)
	require.Len(t, store.calls, 1)
	require.Equal(t, PurgeTables, store.calls[0])

	order := map[string]int{}
	for i, table := range PurgeTables {
		order[table] = i
	}
	require.Less(t, order["interest_postings"], order["transactions"])
	require.Less(t, order["transactions"], order["accounts"])
	require.Less(t, order["accounts"], order["approval_requests"])
	require.Less(t, order["approval_requests"], order["members"])
	require.NotContains(t, PurgeTables, "users")
	require.NotContains(t, PurgeTables, "audit_logs")

	require.Len(t, audit.logs, 1)
	require.Equal(t, "maintenance.purge", audit.logs[0].Action)
	require.Equal(t, int64(12), audit.logs[0].Meta["transactions"])
}

func TestPurgeStoreFailureNotAudited(t *testing.T) {
	store := &fakeStore{err: errors.New("connection reset")}
	audit := &memoryAudit{}
	_, err := NewService(store, audit, nil).Purge(context.Background(), ConfirmationPhrase, 1)
	require.Error(t, err)
	require.Empty(t, audit.logs)
}

type allowPermissions []string

func (p allowPermissions) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	return p, nil
}

func TestPurgeEndpoint(t *testing.T) {
	store := &fakeStore{}
	newRouter := func(perms ...string) http.Handler {
		h := NewHandler(slog.Default(), NewService(store, nil, nil), rbac.Middleware{Service: allowPermissions(perms)})
		r := chi.NewRouter()
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), 1)))
			})
		})
		h.MountRoutes(r)
		return r
	}

	rec := httptest.NewRecorder()
	newRouter(shared.PermAuditView).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/purge", strings.NewReader(`{"confirmation":"PURGE ALL DATA"}`)))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	newRouter(shared.PermMaintenancePurge).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/purge", strings.NewReader(`{"confirmation":"nope"}`)))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = httptest.NewRecorder()
	newRouter(shared.PermMaintenancePurge).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/purge", strings.NewReader(`{"confirmation":"PURGE ALL DATA"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.calls, 1)
}
