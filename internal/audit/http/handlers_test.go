package audithttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/csims/csims/internal/audit"
	"github.com/csims/csims/internal/rbac"
	"github.com/csims/csims/internal/shared"
)

type stubTimelineService struct {
	result      audit.Result
	exportRows  []audit.TimelineRow
	lastFilters audit.TimelineFilters
}

func (s *stubTimelineService) Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.lastFilters = filters
	return s.result, nil
}

func (s *stubTimelineService) Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error) {
	s.lastFilters = filters
	return s.exportRows, nil
}

type stubAuditRBAC []string

func (s stubAuditRBAC) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	return s, nil
}

func newAuditRouter(service *stubTimelineService, file FileTimeline, perms ...string) http.Handler {
	h := NewHandler(slog.Default(), service, file, rbac.Middleware{Service: stubAuditRBAC(perms)})
	h.now = func() time.Time { return time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), 1)))
		})
	})
	r.Route("/audit", h.MountRoutes)
	return r
}

func TestTimelineDefaultsToLastWeek(t *testing.T) {
	svc := &stubTimelineService{result: audit.Result{Rows: []audit.TimelineRow{{Action: "account.open"}}}}
	router := newAuditRouter(svc, nil, shared.PermAuditView)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit?actor=4&entity=account", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2026-03-13", svc.lastFilters.From.Format(time.DateOnly))
	require.Equal(t, "2026-03-21", svc.lastFilters.To.Format(time.DateOnly))
	require.Equal(t, int64(4), svc.lastFilters.ActorID)
	require.Equal(t, "account", svc.lastFilters.Entity)

	var body audit.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Rows, 1)
}

func TestTimelineRejectsBadFilters(t *testing.T) {
	router := newAuditRouter(&stubTimelineService{}, nil, shared.PermAuditView)
	for _, q := range []string{"from=2026-03-10&to=2026-03-01", "to=yesterday", "page=0", "actor=abc", "from=2025-01-01&to=2026-03-01"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit?"+q, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestTimelineRequiresPermission(t *testing.T) {
	router := newAuditRouter(&stubTimelineService{}, nil, shared.PermMembersView)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFileEndpointNotConfigured(t *testing.T) {
	router := newAuditRouter(&stubTimelineService{}, nil, shared.PermAuditView)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/file", nil))
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestExportCSV(t *testing.T) {
	svc := &stubTimelineService{exportRows: []audit.TimelineRow{{
		At: time.Date(2026, 3, 19, 9, 0, 0, 0, time.UTC), ActorID: 2, Action: "ledger.deposit", Entity: "account", EntityID: "3",
	}}}
	router := newAuditRouter(svc, nil, shared.PermAuditView)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/export.csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	require.True(t, strings.Contains(rec.Body.String(), "ledger.deposit"))
}
