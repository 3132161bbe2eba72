package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csims/csims/internal/observability"
	"github.com/csims/csims/internal/shared"
)

type stack struct {
	sessions *shared.SessionManager
	csrf     *shared.CSRFManager
	router   chi.Router
}

func newStack(t *testing.T) *stack {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := &stack{
		sessions: shared.NewSessionManager(client, "csims_session", time.Hour, false),
		csrf:     shared.NewCSRFManager("csrf-secret"),
		router:   chi.NewRouter(),
	}
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         discardLogger(),
		Config:         &Config{AppEnv: "development"},
		SessionManager: s.sessions,
		CSRFManager:    s.csrf,
		Metrics:        observability.NewMetrics(),
	}) {
		s.router.Use(mw)
	}
	whoami := func(w http.ResponseWriter, r *http.Request) {
		id, ok := shared.ActorFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("X-Actor", strconv.FormatInt(id, 10))
		w.WriteHeader(http.StatusOK)
	}
	s.router.Get("/whoami", whoami)
	s.router.Post("/whoami", whoami)
	return s
}

// login stores a session for userID and returns its cookie and CSRF token.
func (s *stack) login(t *testing.T, userID int64) (*http.Cookie, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := s.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	sess.SetUser(userID)
	token, err := s.csrf.EnsureToken(context.Background(), sess)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	require.NoError(t, s.sessions.Commit(context.Background(), rec, req, sess))
	cookies := (&http.Response{Header: rec.Header()}).Cookies()
	require.Len(t, cookies, 1)
	return cookies[0], token
}

func TestMiddlewarePropagatesSessionActor(t *testing.T) {
	s := newStack(t)
	cookie, _ := s.login(t, 7)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("X-Actor"))

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRequiresCSRFHeaderOnUnsafeMethods(t *testing.T) {
	s := newStack(t)
	cookie, token := s.login(t, 7)

	req := httptest.NewRequest(http.MethodPost, "/whoami", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/whoami", nil)
	req.AddCookie(cookie)
	req.Header.Set(shared.CSRFHeader, token)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	s := newStack(t)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthz(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	params := RouterParams{
		Logger:         discardLogger(),
		Config:         &Config{},
		SessionManager: shared.NewSessionManager(client, "csims_session", time.Hour, false),
		CSRFManager:    shared.NewCSRFManager("csrf-secret"),
		Database:       pinger{},
	}

	rec := httptest.NewRecorder()
	NewRouter(params).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	params.Database = pinger{err: errors.New("connection refused")}
	rec = httptest.NewRecorder()
	NewRouter(params).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	NewRouter(params).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
