package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveRetry()
	metrics.Jobs().Track("ledger:post_interest").End(nil)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "csims_ledger_retries_total 1")
	assert.Contains(t, body, `csims_jobs_total{job="ledger:post_interest",status="success"} 1`)
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("/test", "418")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.requestDuration))
}

func TestLedgerOperationCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveOperation("deposit", "committed")
	metrics.ObserveOperation("deposit", "committed")
	metrics.ObserveOperation("withdrawal", "rejected")

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ledgerOps.WithLabelValues("deposit", "committed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ledgerOps.WithLabelValues("withdrawal", "rejected")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveOperation("deposit", "committed")
	metrics.ObserveRetry()
	assert.Nil(t, metrics.Jobs())

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	tracker := metrics.Jobs().Track("noop")
	boom := errors.New("boom")
	assert.ErrorIs(t, tracker.End(boom), boom)
}
