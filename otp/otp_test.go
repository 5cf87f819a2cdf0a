package otp

import (
	"context"
	"testing"
	"time"

	pquernaotp "github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/darkauth/darkauth/kek"
	"github.com/darkauth/darkauth/storage"
	"github.com/darkauth/darkauth/storage/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	k, err := kek.Derive([]byte("test-secret-at-least-this-long"), nil)
	require.NoError(t, err)
	return New(memory.New(), k, "darkauth-test")
}

func codeFor(t *testing.T, uri string, at time.Time) string {
	t.Helper()
	key, err := pquernaotp.NewKeyFromURL(uri)
	require.NoError(t, err)
	code, err := totp.GenerateCodeCustom(key.Secret(), at, totp.ValidateOpts{
		Period:    period,
		Digits:    digits,
		Algorithm: algorithm,
	})
	require.NoError(t, err)
	return code
}

func TestEnrollConfirmVerify(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	uri, err := s.Enroll(ctx, storage.ActorUser, "user1", "user1@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, uri)

	now := time.Now()
	code := codeFor(t, uri, now)
	require.NoError(t, s.Confirm(ctx, storage.ActorUser, "user1", code))

	enabled, err := s.Enabled(ctx, storage.ActorUser, "user1")
	require.NoError(t, err)
	require.True(t, enabled)

	nextCode := codeFor(t, uri, now.Add(period*time.Second))
	require.NoError(t, s.Verify(ctx, storage.ActorUser, "user1", nextCode))
}

func TestVerifyRejectsReplay(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	uri, err := s.Enroll(ctx, storage.ActorUser, "user1", "user1@example.com")
	require.NoError(t, err)

	now := time.Now()
	confirmCode := codeFor(t, uri, now)
	require.NoError(t, s.Confirm(ctx, storage.ActorUser, "user1", confirmCode))

	require.ErrorIs(t, s.Verify(ctx, storage.ActorUser, "user1", confirmCode), ErrInvalidCode)
}

func TestVerifyLocksOutAfterMaxFailures(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	uri, err := s.Enroll(ctx, storage.ActorUser, "user1", "user1@example.com")
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, s.Confirm(ctx, storage.ActorUser, "user1", codeFor(t, uri, now)))

	for i := 0; i < maxFailures; i++ {
		err := s.Verify(ctx, storage.ActorUser, "user1", "000000")
		require.Error(t, err)
	}

	nextCode := codeFor(t, uri, now.Add(period*time.Second))
	require.ErrorIs(t, s.Verify(ctx, storage.ActorUser, "user1", nextCode), ErrLocked)
}

func TestVerifyNotEnrolled(t *testing.T) {
	s := newTestService(t)
	require.ErrorIs(t, s.Verify(context.Background(), storage.ActorUser, "nobody", "123456"), ErrNotEnrolled)
}
