// Package storagetest provides conformance tests run against every
// storage.Storage implementation, grounded on dexidp/dex's
// storage/storagetest package (same RunTestSuite(t, s) entry point, same
// subtest-per-concern shape), generalized from dex's auth-request/refresh
// coverage to DarkAuth's full entity set and its single-use CAS contracts.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/darkauth/darkauth/storage"
)

var future = time.Now().Add(24 * time.Hour)

// RunTestSuite runs the conformance suite against s. Implementations must
// be empty, or at least free of id collisions with the fixtures below, when
// this is called.
func RunTestSuite(t *testing.T, s storage.Storage) {
	t.Run("User", func(t *testing.T) { testUser(t, s) })
	t.Run("PakeRecord", func(t *testing.T) { testPakeRecord(t, s) })
	t.Run("PendingAuthBinding", func(t *testing.T) { testPendingAuthBinding(t, s) })
	t.Run("AuthCodeRedeem", func(t *testing.T) { testAuthCodeRedeem(t, s) })
	t.Run("RefreshTokenRotate", func(t *testing.T) { testRefreshTokenRotate(t, s) })
	t.Run("InstallTokenConsume", func(t *testing.T) { testInstallTokenConsume(t, s) })
	t.Run("EmailVerificationConsume", func(t *testing.T) { testEmailVerificationConsume(t, s) })
	t.Run("RBAC", func(t *testing.T) { testRBAC(t, s) })
	t.Run("SigningKeys", func(t *testing.T) { testSigningKeys(t, s) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, s) })
	t.Run("GarbageCollect", func(t *testing.T) { testGarbageCollect(t, s) })
}

func testUser(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	u := storage.User{Sub: storage.NewID(), Email: "alice@example.com", Name: "Alice"}
	require.NoError(t, s.CreateUser(ctx, u))

	require.ErrorIs(t, s.CreateUser(ctx, u), storage.ErrAlreadyExists)

	got, err := s.GetUser(ctx, u.Sub)
	require.NoError(t, err)
	require.Equal(t, u.Email, got.Email)

	byEmail, err := s.GetUserByEmail(ctx, u.Email)
	require.NoError(t, err)
	require.Equal(t, u.Sub, byEmail.Sub)

	require.NoError(t, s.UpdateUser(ctx, u.Sub, func(old storage.User) (storage.User, error) {
		old.Name = "Alice Smith"
		return old, nil
	}))
	got, err = s.GetUser(ctx, u.Sub)
	require.NoError(t, err)
	require.Equal(t, "Alice Smith", got.Name)

	require.NoError(t, s.DeleteUser(ctx, u.Sub))
	_, err = s.GetUser(ctx, u.Sub)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testPakeRecord(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	u := storage.User{Sub: storage.NewID(), Email: "pake@example.com"}
	require.NoError(t, s.CreateUser(ctx, u))

	rec1 := storage.PakeRecord{Sub: u.Sub, Envelope: []byte("env1"), Current: true}
	require.NoError(t, s.PutPakeRecord(ctx, rec1))

	rec2 := storage.PakeRecord{Sub: u.Sub, Envelope: []byte("env2"), Current: true}
	require.NoError(t, s.PutPakeRecord(ctx, rec2))

	current, err := s.GetPakeRecord(ctx, u.Sub)
	require.NoError(t, err)
	require.Equal(t, []byte("env2"), current.Envelope)

	history, err := s.ListPakeRecordHistory(ctx, u.Sub)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func testPendingAuthBinding(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	p := storage.PendingAuth{
		RequestID:   storage.NewID(),
		ClientID:    "client1",
		RedirectURI: "https://example.com/cb",
		ExpiresAt:   future,
	}
	require.NoError(t, s.CreatePendingAuth(ctx, p))

	changed, err := s.BindPendingAuthUser(ctx, p.RequestID, "user1")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.BindPendingAuthUser(ctx, p.RequestID, "user2")
	require.NoError(t, err)
	require.False(t, changed, "second bind must not change an already-bound pending auth")

	got, err := s.GetPendingAuth(ctx, p.RequestID)
	require.NoError(t, err)
	require.Equal(t, "user1", got.UserSub)

	require.NoError(t, s.DeletePendingAuth(ctx, p.RequestID))
	_, err = s.GetPendingAuth(ctx, p.RequestID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testAuthCodeRedeem(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	c := storage.AuthCode{Code: storage.NewID(), ClientID: "client1", UserSub: "user1", ExpiresAt: future}
	require.NoError(t, s.CreateAuthCode(ctx, c))

	changed, rec, err := s.RedeemAuthCode(ctx, c.Code)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, c.ClientID, rec.ClientID)

	changed, _, err = s.RedeemAuthCode(ctx, c.Code)
	require.NoError(t, err)
	require.False(t, changed, "redeeming an already-consumed code must not change it")
}

func testRefreshTokenRotate(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	old := storage.RefreshToken{TokenHash: storage.NewID(), SessionIDHash: "sess1", ExpiresAt: future}
	require.NoError(t, s.CreateRefreshToken(ctx, old))

	next := storage.RefreshToken{TokenHash: storage.NewID(), SessionIDHash: "sess1", RotatedFromHash: old.TokenHash, ExpiresAt: future}
	ok, err := s.RotateRefreshToken(ctx, old.TokenHash, next)
	require.NoError(t, err)
	require.True(t, ok)

	gotOld, err := s.GetRefreshToken(ctx, old.TokenHash)
	require.NoError(t, err)
	require.True(t, gotOld.Consumed)

	again := storage.RefreshToken{TokenHash: storage.NewID(), SessionIDHash: "sess1", RotatedFromHash: old.TokenHash, ExpiresAt: future}
	ok, err = s.RotateRefreshToken(ctx, old.TokenHash, again)
	require.NoError(t, err)
	require.False(t, ok, "rotating an already-consumed token must fail")
}

func testInstallTokenConsume(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	require.NoError(t, s.SetInstallState(ctx, storage.InstallState{Token: "secret-token", CreatedAt: time.Now()}))

	ok, err := s.ConsumeInstallToken(ctx, "wrong-token")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.ConsumeInstallToken(ctx, "secret-token")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ConsumeInstallToken(ctx, "secret-token")
	require.NoError(t, err)
	require.False(t, ok, "consuming an already-consumed install token must fail")
}

func testEmailVerificationConsume(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tok := storage.EmailVerificationToken{
		Token:       storage.NewID(),
		UserSub:     "user1",
		Purpose:     storage.PurposeSignupVerify,
		TargetEmail: "user1@example.com",
		ExpiresAt:   future,
	}
	require.NoError(t, s.CreateEmailVerificationToken(ctx, tok))

	ok, rec, err := s.ConsumeEmailVerificationToken(ctx, tok.Token)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tok.UserSub, rec.UserSub)

	ok, _, err = s.ConsumeEmailVerificationToken(ctx, tok.Token)
	require.NoError(t, err)
	require.False(t, ok)
}

func testRBAC(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, storage.User{Sub: "user1", Email: "rbac-user1@example.com"}))
	require.NoError(t, s.CreatePermission(ctx, storage.Permission{Key: "users:read"}))

	role := storage.Role{ID: storage.NewID(), Key: "custom_role", Name: "Custom", Permissions: []string{"users:read"}}
	require.NoError(t, s.CreateRole(ctx, role))

	org := storage.Organization{ID: storage.NewID(), Slug: "acme", Name: "Acme"}
	require.NoError(t, s.CreateOrganization(ctx, org))

	member := storage.OrganizationMember{ID: storage.NewID(), OrganizationID: org.ID, UserSub: "user1", RoleKeys: []string{role.Key}}
	require.NoError(t, s.CreateOrganizationMember(ctx, member))

	members, err := s.ListOrganizationMembersForUser(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, org.ID, members[0].OrganizationID)

	require.NoError(t, s.GrantUserPermission(ctx, "user1", "billing:read"))
	perms, err := s.ListUserPermissions(ctx, "user1")
	require.NoError(t, err)
	require.Contains(t, perms, "billing:read")

	require.NoError(t, s.RevokeUserPermission(ctx, "user1", "billing:read"))
	perms, err = s.ListUserPermissions(ctx, "user1")
	require.NoError(t, err)
	require.NotContains(t, perms, "billing:read")
}

func testSigningKeys(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	k1 := storage.SigningKey{Kid: storage.NewID(), Alg: "ES256", PrivateEnc: []byte("enc1"), Active: true}
	require.NoError(t, s.PutSigningKey(ctx, k1))

	k2 := storage.SigningKey{Kid: storage.NewID(), Alg: "ES256", PrivateEnc: []byte("enc2")}
	require.NoError(t, s.PutSigningKey(ctx, k2))
	require.NoError(t, s.SetActiveSigningKey(ctx, k2.Kid))

	keys, err := s.ListSigningKeys(ctx)
	require.NoError(t, err)
	var active string
	for _, k := range keys {
		if k.Active {
			active = k.Kid
		}
	}
	require.Equal(t, k2.Kid, active, "exactly one signing key must be active at a time")
}

func testSettings(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_, ok, err := s.GetSetting(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutSetting(ctx, "k", []byte("v1")))
	v, ok, err := s.GetSetting(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, s.PutSetting(ctx, "k", []byte("v2")))
	v, _, err = s.GetSetting(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v, "PutSetting must overwrite an existing key")
}

func testGarbageCollect(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	expired := storage.PendingAuth{RequestID: storage.NewID(), ExpiresAt: time.Now().Add(-time.Hour)}
	require.NoError(t, s.CreatePendingAuth(ctx, expired))

	live := storage.PendingAuth{RequestID: storage.NewID(), ExpiresAt: future}
	require.NoError(t, s.CreatePendingAuth(ctx, live))

	result, err := s.GarbageCollect(ctx, time.Now(), time.Minute)
	require.NoError(t, err)
	require.GreaterOrEqual(t, result.PendingAuths, int64(1))

	_, err = s.GetPendingAuth(ctx, expired.RequestID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetPendingAuth(ctx, live.RequestID)
	require.NoError(t, err)
}
