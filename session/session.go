// Package session implements spec.md's Session/RefreshToken lifecycle:
// cookie-backed session issuance, CSRF double-submit secrets, and rotating
// refresh tokens. The cookie helpers (createCookie/deleteCookie shape) are
// grounded on dexidp/dex's server/http.go createLastSeenCookie/deleteCookie
// pair, generalized from dex's single last-seen marker to DarkAuth's
// authenticated-session cookie with the __Host- prefix spec.md requires.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/darkauth/darkauth/internal/cryptoutil"
	"github.com/darkauth/darkauth/storage"
)

// CookieName is the session cookie's name. The __Host- prefix pins it to
// this exact host, path "/", and Secure — browsers refuse to set it
// otherwise, which gives DarkAuth the same cookie-fixation resistance as
// browser-enforced cookie prefixing.
const CookieName = "__Host-DarkAuth-User"

// AdminCookieName is the equivalent cookie for the admin actor space, kept
// distinct from CookieName so a user session can never be confused for an
// admin one at the HTTP layer.
const AdminCookieName = "__Host-DarkAuth-Admin"

// ErrExpired is returned by Get for a session past its ExpiresAt.
var ErrExpired = errors.New("session: expired")

// Manager issues, reads, and revokes sessions.
type Manager struct {
	storage        storage.Storage
	sessionTTL     time.Duration
	refreshTTL     time.Duration
}

// New builds a Manager.
func New(store storage.Storage, sessionTTL, refreshTTL time.Duration) *Manager {
	return &Manager{storage: store, sessionTTL: sessionTTL, refreshTTL: refreshTTL}
}

// Created bundles the data a handler needs to both persist and respond to a
// new session: the cookie carrying the raw, never-persisted session id; the
// refresh token to hand back to clients that use the refresh grant; and the
// session's CSRF secret.
type Created struct {
	Cookie       *http.Cookie
	RefreshToken string
	CSRFSecret   string
}

// Create opens a new session for actor/ref and returns the cookie to set
// plus a fresh refresh token.
func (m *Manager) Create(ctx context.Context, kind storage.ActorKind, ref, email, name, clientID string, requiresOTP bool) (Created, error) {
	rawID := storage.NewSecureToken(32)
	csrfSecret := storage.NewSecureToken(24)
	now := time.Now()

	sess := storage.Session{
		SessionIDHash: cryptoutil.HashToken(rawID),
		Actor:         kind,
		ActorRef:      ref,
		Email:         email,
		Name:          name,
		ClientID:      clientID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.sessionTTL),
		CSRFSecret:    csrfSecret,
		OTPRequired:   requiresOTP,
	}
	if err := m.storage.CreateSession(ctx, sess); err != nil {
		return Created{}, err
	}

	rawRefresh := storage.NewSecureToken(32)
	if err := m.storage.CreateRefreshToken(ctx, storage.RefreshToken{
		TokenHash:     cryptoutil.HashToken(rawRefresh),
		SessionIDHash: sess.SessionIDHash,
		ExpiresAt:     now.Add(m.refreshTTL),
	}); err != nil {
		return Created{}, err
	}

	return Created{
		Cookie:       cookie(cookieName(kind), rawID, m.sessionTTL),
		RefreshToken: rawRefresh,
		CSRFSecret:   csrfSecret,
	}, nil
}

// Get resolves the raw cookie value from the request's session cookie into
// its stored Session, or ErrExpired / storage.ErrNotFound.
func (m *Manager) Get(ctx context.Context, kind storage.ActorKind, r *http.Request) (storage.Session, error) {
	c, err := r.Cookie(cookieName(kind))
	if err != nil {
		return storage.Session{}, storage.ErrNotFound
	}
	sess, err := m.storage.GetSession(ctx, cryptoutil.HashToken(c.Value))
	if err != nil {
		return storage.Session{}, err
	}
	if time.Now().After(sess.ExpiresAt) {
		return storage.Session{}, ErrExpired
	}
	return sess, nil
}

// MarkOTPVerified flips a session's OTPVerified flag after a successful
// second-factor check.
func (m *Manager) MarkOTPVerified(ctx context.Context, sessionIDHash string) error {
	return m.storage.UpdateSession(ctx, sessionIDHash, func(s storage.Session) (storage.Session, error) {
		s.OTPVerified = true
		return s, nil
	})
}

// CheckCSRF compares the X-CSRF-Token header against the session's stored
// secret in constant time, the double-submit pattern spec.md §9 requires
// for every state-changing, cookie-authenticated request.
func (m *Manager) CheckCSRF(sess storage.Session, headerToken string) bool {
	if headerToken == "" {
		return false
	}
	return cryptoutil.ConstantTimeEqual([]byte(sess.CSRFSecret), []byte(headerToken))
}

// Rotate exchanges a valid, unconsumed refresh token for a new one bound to
// the same session, atomically invalidating the old one. Reuse of an
// already-consumed (or expired) refresh token is treated as a signal of
// token theft: Rotate deletes the session and all of its refresh tokens and
// returns an error.
func (m *Manager) Rotate(ctx context.Context, rawRefreshToken string) (newRaw string, sess storage.Session, err error) {
	oldHash := cryptoutil.HashToken(rawRefreshToken)
	old, err := m.storage.GetRefreshToken(ctx, oldHash)
	if err != nil {
		return "", storage.Session{}, err
	}

	newRaw = storage.NewSecureToken(32)
	next := storage.RefreshToken{
		TokenHash:       cryptoutil.HashToken(newRaw),
		SessionIDHash:   old.SessionIDHash,
		RotatedFromHash: oldHash,
		ExpiresAt:       time.Now().Add(m.refreshTTL),
	}
	ok, err := m.storage.RotateRefreshToken(ctx, oldHash, next)
	if err != nil {
		return "", storage.Session{}, err
	}
	if !ok {
		// Reuse of a consumed token: revoke the session defensively.
		_ = m.storage.DeleteSession(ctx, old.SessionIDHash)
		_ = m.storage.DeleteRefreshTokensForSession(ctx, old.SessionIDHash)
		return "", storage.Session{}, errors.New("session: refresh token reuse detected")
	}

	sess, err = m.storage.GetSession(ctx, old.SessionIDHash)
	if err != nil {
		return "", storage.Session{}, err
	}
	return newRaw, sess, nil
}

// Revoke deletes a session and every refresh token issued for it.
func (m *Manager) Revoke(ctx context.Context, kind storage.ActorKind, r *http.Request) error {
	sess, err := m.Get(ctx, kind, r)
	if err != nil {
		return nil //nolint:nilerr // nothing to revoke is not an error
	}
	if err := m.storage.DeleteRefreshTokensForSession(ctx, sess.SessionIDHash); err != nil {
		return err
	}
	return m.storage.DeleteSession(ctx, sess.SessionIDHash)
}

// DeleteCookie returns a cookie that immediately expires the session cookie
// in the browser, grounded on dex's http.go deleteCookie helper.
func DeleteCookie(kind storage.ActorKind) *http.Cookie {
	return &http.Cookie{
		Name:     cookieName(kind),
		Value:    "",
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Now().Add(-time.Hour),
	}
}

func cookieName(kind storage.ActorKind) string {
	if kind == storage.ActorAdmin {
		return AdminCookieName
	}
	return CookieName
}

func cookie(name, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
		Expires:  time.Now().Add(ttl),
	}
}
