package install

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/darkauth/darkauth/jwks"
	"github.com/darkauth/darkauth/kek"
	"github.com/darkauth/darkauth/pakeengine"
	"github.com/darkauth/darkauth/storage"
	"github.com/darkauth/darkauth/storage/memory"
)

func newTestBootstrapper(t *testing.T) (*Bootstrapper, storage.Storage) {
	t.Helper()
	store := memory.New()
	k, err := kek.Derive([]byte("test-secret-at-least-this-long"), nil)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := jwks.New(store, k, 30*24*time.Hour, 24*time.Hour, logger)
	require.NoError(t, err)
	return New(store, mgr), store
}

func TestIssueTokenAndComplete(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBootstrapper(t)

	installed, err := b.IsInstalled(ctx)
	require.NoError(t, err)
	require.False(t, installed)

	token, err := b.IssueToken(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	err = b.Complete(ctx, Params{
		Token:      token,
		AdminEmail: "admin@example.com",
		AdminName:  "Admin",
		AdminPakeRecord: pakeengine.RegistrationRecord{
			Envelope:     []byte("envelope"),
			ServerPubkey: []byte("pubkey"),
			RecordHash:   []byte("hash"),
		},
		OrgName: "Acme",
		OrgSlug: "acme",
	})
	require.NoError(t, err)

	installed, err = b.IsInstalled(ctx)
	require.NoError(t, err)
	require.True(t, installed)

	count, err := store.CountAdmins(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	for _, key := range storage.BuiltinRoleKeys {
		_, err := store.GetRole(ctx, key)
		require.NoError(t, err, "builtin role %q must be seeded", key)
	}

	org, err := store.GetOrganizationBySlug(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "Acme", org.Name)
}

func TestCompleteRejectsWrongOrReusedToken(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBootstrapper(t)

	token, err := b.IssueToken(ctx)
	require.NoError(t, err)

	err = b.Complete(ctx, Params{Token: "wrong-token"})
	require.Error(t, err)

	err = b.Complete(ctx, Params{Token: token, OrgSlug: "acme"})
	require.NoError(t, err)

	err = b.Complete(ctx, Params{Token: token, OrgSlug: "acme"})
	require.Error(t, err, "completing the ceremony twice must fail")
}

func TestIssueTokenFailsAfterInstall(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBootstrapper(t)

	token, err := b.IssueToken(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, Params{Token: token, OrgSlug: "acme"}))

	_, err = b.IssueToken(ctx)
	require.Error(t, err)
}
