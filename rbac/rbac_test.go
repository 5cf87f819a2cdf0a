package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/darkauth/darkauth/storage"
	"github.com/darkauth/darkauth/storage/memory"
)

func TestResolveUnionsAllSources(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	require.NoError(t, store.CreateGroup(ctx, storage.Group{Key: "engineering", Permissions: []string{"repos:read"}}))
	require.NoError(t, store.AddUserGroup(ctx, "user1", "engineering"))

	require.NoError(t, store.CreateRole(ctx, storage.Role{Key: "billing_admin", Permissions: []string{"billing:write"}}))
	org := storage.Organization{ID: storage.NewID(), Slug: "acme", Name: "Acme"}
	require.NoError(t, store.CreateOrganization(ctx, org))
	require.NoError(t, store.CreateOrganizationMember(ctx, storage.OrganizationMember{
		ID: storage.NewID(), OrganizationID: org.ID, UserSub: "user1",
		Status: storage.MemberActive, RoleKeys: []string{"billing_admin"},
	}))

	require.NoError(t, store.GrantUserPermission(ctx, "user1", "profile:write"))

	r := New(store)
	eff, err := r.Resolve(ctx, "user1")
	require.NoError(t, err)

	require.True(t, eff.Permissions["repos:read"])
	require.True(t, eff.Permissions["billing:write"])
	require.True(t, eff.Permissions["profile:write"])
	require.Contains(t, eff.Groups, "engineering")
	require.Equal(t, []string{"billing_admin"}, eff.OrgRoles[org.ID])
}

func TestResolveIgnoresSuspendedMembership(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	require.NoError(t, store.CreateRole(ctx, storage.Role{Key: "billing_admin", Permissions: []string{"billing:write"}}))
	org := storage.Organization{ID: storage.NewID(), Slug: "acme", Name: "Acme"}
	require.NoError(t, store.CreateOrganization(ctx, org))
	require.NoError(t, store.CreateOrganizationMember(ctx, storage.OrganizationMember{
		ID: storage.NewID(), OrganizationID: org.ID, UserSub: "user1",
		Status: storage.MemberSuspended, RoleKeys: []string{"billing_admin"},
	}))

	r := New(store)
	eff, err := r.Resolve(ctx, "user1")
	require.NoError(t, err)
	require.False(t, eff.Permissions["billing:write"])
}

func TestResolveRequiresOTPFromOrgForceOTP(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	org := storage.Organization{ID: storage.NewID(), Slug: "acme", Name: "Acme", ForceOTP: true}
	require.NoError(t, store.CreateOrganization(ctx, org))
	require.NoError(t, store.CreateOrganizationMember(ctx, storage.OrganizationMember{
		ID: storage.NewID(), OrganizationID: org.ID, UserSub: "user1", Status: storage.MemberActive,
	}))

	r := New(store)
	eff, err := r.Resolve(ctx, "user1")
	require.NoError(t, err)
	require.True(t, eff.RequiresOTP)
}

func TestHasPermission(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.GrantUserPermission(ctx, "user1", "profile:write"))

	r := New(store)
	ok, err := r.HasPermission(ctx, "user1", "profile:write")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.HasPermission(ctx, "user1", "profile:delete")
	require.NoError(t, err)
	require.False(t, ok)
}
