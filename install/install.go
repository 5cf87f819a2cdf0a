// Package install implements the one-shot bootstrap ceremony of spec.md
// §4.12: an operator-supplied install token gates creation of the very
// first admin, the default organization, the builtin roles, and the first
// JWKS signing key (the OPAQUE server key pair is created separately by
// cmd/darkauth on first boot). The token is consumed exactly once via
// storage's compare-and-swap; after that, Complete fails with
// apierr.KindInstallForbidden and IssueToken with apierr.KindAlreadyInit.
package install

import (
	"context"
	"time"

	"github.com/darkauth/darkauth/apierr"
	"github.com/darkauth/darkauth/jwks"
	"github.com/darkauth/darkauth/pakeengine"
	"github.com/darkauth/darkauth/storage"
)

// Bootstrapper drives the install ceremony.
type Bootstrapper struct {
	storage storage.Storage
	jwks    *jwks.Manager
}

// New builds a Bootstrapper.
func New(store storage.Storage, jwksMgr *jwks.Manager) *Bootstrapper {
	return &Bootstrapper{storage: store, jwks: jwksMgr}
}

// IssueToken creates (or replaces, if unconsumed) the singleton install
// token, called once by the cmd/darkauth entrypoint on first boot against
// an empty database.
func (b *Bootstrapper) IssueToken(ctx context.Context) (string, error) {
	state, err := b.storage.GetInstallState(ctx)
	if err != nil && err != storage.ErrNotFound {
		return "", err
	}
	if state.Consumed {
		return "", apierr.New(apierr.KindAlreadyInit, "installation already completed")
	}
	token := storage.NewSecureToken(32)
	if err := b.storage.SetInstallState(ctx, storage.InstallState{
		Token:     token,
		CreatedAt: time.Now(),
		Consumed:  false,
	}); err != nil {
		return "", err
	}
	return token, nil
}

// Params describes the first admin and organization an operator supplies
// alongside the install token.
type Params struct {
	Token          string
	AdminEmail     string
	AdminName      string
	AdminPakeRecord pakeengine.RegistrationRecord
	OrgName        string
	OrgSlug        string
}

// Complete consumes token and creates the first admin, organization, and
// builtin roles. Called exactly once; every subsequent call with any token
// fails with KindInstallForbidden once Consumed is true.
func (b *Bootstrapper) Complete(ctx context.Context, p Params) error {
	ok, err := b.storage.ConsumeInstallToken(ctx, p.Token)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.New(apierr.KindInstallForbidden, "install token invalid or already used")
	}

	adminID := storage.NewID()
	if err := b.storage.CreateAdmin(ctx, storage.Admin{
		ID:    adminID,
		Email: p.AdminEmail,
		Name:  p.AdminName,
		Role:  "write",
	}); err != nil {
		return err
	}
	if err := b.storage.PutAdminPakeRecord(ctx, storage.AdminPakeRecord{
		AdminID:       adminID,
		Envelope:      p.AdminPakeRecord.Envelope,
		ServerPubkey:  p.AdminPakeRecord.ServerPubkey,
		ExportKeyHash: p.AdminPakeRecord.RecordHash,
		CreatedAt:     time.Now(),
		Current:       true,
	}); err != nil {
		return err
	}

	org := storage.Organization{
		ID:               storage.NewID(),
		Slug:             p.OrgSlug,
		Name:             p.OrgName,
		CreatedByUserSub: adminID,
	}
	if err := b.storage.CreateOrganization(ctx, org); err != nil {
		return err
	}

	for _, roleKey := range storage.BuiltinRoleKeys {
		if _, err := b.storage.GetRole(ctx, roleKey); err == storage.ErrNotFound {
			if err := b.storage.CreateRole(ctx, storage.Role{
				ID:     storage.NewID(),
				Key:    roleKey,
				Name:   roleKey,
				System: true,
			}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}

	if b.jwks.ActiveKid() == "" {
		b.jwks.Start(ctx)
	}

	return nil
}

// IsInstalled reports whether the bootstrap ceremony has already completed.
func (b *Bootstrapper) IsInstalled(ctx context.Context) (bool, error) {
	state, err := b.storage.GetInstallState(ctx)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.Consumed, nil
}
