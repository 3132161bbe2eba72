package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "csims_session", time.Hour, false), mr
}

func TestSessionRoundTripAndRotate(t *testing.T) {
	ctx := context.Background()
	sm, mr := newTestSessions(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)
	sess.SetUser(42)
	res := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, res, req, sess))
	firstID := sess.ID
	assert.True(t, mr.Exists("csims:session:"+firstID))

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(&http.Cookie{Name: sm.CookieName(), Value: firstID})
	loaded, err := sm.Load(ctx, next)
	require.NoError(t, err)
	id, ok := loaded.UserID()
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	sm.Rotate(loaded)
	require.NoError(t, sm.Commit(ctx, httptest.NewRecorder(), next, loaded))
	assert.NotEqual(t, firstID, loaded.ID)
	assert.False(t, mr.Exists("csims:session:"+firstID))
	assert.True(t, mr.Exists("csims:session:"+loaded.ID))
}

func TestSessionUnknownCookieIsNotAdopted(t *testing.T) {
	sm, _ := newTestSessions(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: sm.CookieName(), Value: "attacker-chosen"})
	sess, err := sm.Load(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, "attacker-chosen", sess.ID)
}

func TestCSRFTokenVerification(t *testing.T) {
	ctx := context.Background()
	sm, _ := newTestSessions(t)
	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	csrf := NewCSRFManager("csrf-secret")
	token, err := csrf.EnsureToken(ctx, sess)
	require.NoError(t, err)
	again, err := csrf.EnsureToken(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	require.NoError(t, csrf.VerifyToken(ctx, sess, token))
	assert.ErrorIs(t, csrf.VerifyToken(ctx, sess, "forged"), ErrCSRFTokenMismatch)
	assert.ErrorIs(t, csrf.VerifyToken(ctx, sess, ""), ErrCSRFTokenMissing)
}
