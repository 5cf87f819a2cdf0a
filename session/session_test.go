package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/darkauth/darkauth/storage"
	"github.com/darkauth/darkauth/storage/memory"
)

func requestWithCookie(c *http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(c)
	return r
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := New(memory.New(), time.Hour, 24*time.Hour)

	created, err := m.Create(ctx, storage.ActorUser, "user1", "user1@example.com", "User One", "client1", false)
	require.NoError(t, err)
	require.Equal(t, CookieName, created.Cookie.Name)
	require.NotEmpty(t, created.RefreshToken)

	sess, err := m.Get(ctx, storage.ActorUser, requestWithCookie(created.Cookie))
	require.NoError(t, err)
	require.Equal(t, "user1", sess.ActorRef)
	require.Equal(t, "user1@example.com", sess.Email)
}

func TestGetWithoutCookieNotFound(t *testing.T) {
	m := New(memory.New(), time.Hour, 24*time.Hour)
	_, err := m.Get(context.Background(), storage.ActorUser, httptest.NewRequest(http.MethodGet, "/", nil))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetExpiredSession(t *testing.T) {
	ctx := context.Background()
	m := New(memory.New(), -time.Minute, 24*time.Hour)

	created, err := m.Create(ctx, storage.ActorUser, "user1", "user1@example.com", "User One", "client1", false)
	require.NoError(t, err)

	_, err = m.Get(ctx, storage.ActorUser, requestWithCookie(created.Cookie))
	require.ErrorIs(t, err, ErrExpired)
}

func TestCheckCSRF(t *testing.T) {
	ctx := context.Background()
	m := New(memory.New(), time.Hour, 24*time.Hour)
	created, err := m.Create(ctx, storage.ActorUser, "user1", "user1@example.com", "", "client1", false)
	require.NoError(t, err)

	sess, err := m.Get(ctx, storage.ActorUser, requestWithCookie(created.Cookie))
	require.NoError(t, err)

	require.True(t, m.CheckCSRF(sess, created.CSRFSecret))
	require.False(t, m.CheckCSRF(sess, "wrong"))
	require.False(t, m.CheckCSRF(sess, ""))
}

func TestRotateRefreshToken(t *testing.T) {
	ctx := context.Background()
	m := New(memory.New(), time.Hour, 24*time.Hour)
	created, err := m.Create(ctx, storage.ActorUser, "user1", "user1@example.com", "", "client1", false)
	require.NoError(t, err)

	newRaw, sess, err := m.Rotate(ctx, created.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, newRaw)
	require.NotEqual(t, created.RefreshToken, newRaw)
	require.Equal(t, "user1", sess.ActorRef)

	_, _, err = m.Rotate(ctx, created.RefreshToken)
	require.Error(t, err, "reusing a consumed refresh token must fail")

	_, err = m.Get(ctx, storage.ActorUser, requestWithCookie(created.Cookie))
	require.Error(t, err, "refresh token reuse must revoke the session")
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	m := New(memory.New(), time.Hour, 24*time.Hour)
	created, err := m.Create(ctx, storage.ActorUser, "user1", "user1@example.com", "", "client1", false)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, storage.ActorUser, requestWithCookie(created.Cookie)))

	_, err = m.Get(ctx, storage.ActorUser, requestWithCookie(created.Cookie))
	require.Error(t, err)
}

func TestDeleteCookieExpiresImmediately(t *testing.T) {
	c := DeleteCookie(storage.ActorAdmin)
	require.Equal(t, AdminCookieName, c.Name)
	require.True(t, c.Expires.Before(time.Now()))
}
