// Package storage declares the entities and the Storage interface of
// SPEC_FULL.md's data model. It is grounded on dexidp/dex's storage/storage.go
// (same ID-generation helpers, same "implementations must support atomic
// compare-and-swap" contract) generalized from dex's identity-provider
// entities (Client, AuthCode, RefreshToken, Keys) to DarkAuth's richer model
// (users, PAKE records, organizations, roles, groups, pending auths, OTP
// credentials, install state). Two implementations are provided:
// storage/sql (Postgres, production) and storage/memory (single process,
// tests and the conformance suite in storage/storagetest).
package storage

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"io"
	"strings"
	"time"

	jose "gopkg.in/square/go-jose.v2"
)

// ErrNotFound is returned by storages when a resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by Create* methods on a duplicate identity.
var ErrAlreadyExists = errors.New("already exists")

// ErrConflict is returned when a unique constraint other than identity is
// violated (duplicate email, duplicate slug, password-history reuse).
var ErrConflict = errors.New("conflict")

var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// NewID returns a random, URL-safe, lowercase identifier, grounded on
// dex storage.NewID: avoids a leading digit so the result is usable as an
// unquoted token/slug component in more contexts than a raw UUID would be.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	return string(buf[0]%26+'a') + idEncoding.EncodeToString(buf[1:])
}

// NewSecureToken returns n random bytes, base32-encoded; used for session
// ids, refresh secrets, install tokens, and PAKE session ids.
func NewSecureToken(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	return strings.ToLower(idEncoding.EncodeToString(buf))
}

// ActorKind distinguishes the two session/actor universes: a session is
// never both a user session and an admin session (spec.md data model,
// Session.Invariants).
type ActorKind string

const (
	ActorUser  ActorKind = "user"
	ActorAdmin ActorKind = "admin"
)

// MemberStatus is the lifecycle state of an OrganizationMember.
type MemberStatus string

const (
	MemberActive    MemberStatus = "active"
	MemberInvited   MemberStatus = "invited"
	MemberSuspended MemberStatus = "suspended"
)

// VerificationPurpose is the purpose tag on an EmailVerificationToken.
type VerificationPurpose string

const (
	PurposeSignupVerify       VerificationPurpose = "signup_verify"
	PurposeEmailChangeVerify  VerificationPurpose = "email_change_verify"
	PurposePasswordRecovery   VerificationPurpose = "password_recovery"
)

// ClientType distinguishes public and confidential OAuth clients.
type ClientType string

const (
	ClientPublic       ClientType = "public"
	ClientConfidential ClientType = "confidential"
)

// TokenEndpointAuthMethod is the client authentication method at /token.
type TokenEndpointAuthMethod string

const (
	AuthMethodNone              TokenEndpointAuthMethod = "none"
	AuthMethodClientSecretBasic TokenEndpointAuthMethod = "client_secret_basic"
)

// ZKDelivery selects whether a client participates in the ZK delivery path.
type ZKDelivery string

const (
	ZKDeliveryNone       ZKDelivery = "none"
	ZKDeliveryFragmentJWE ZKDelivery = "fragment-jwe"
)

// User is the core identity, spec.md data model "User".
type User struct {
	Sub                   string
	Email                 string
	Name                  string
	CreatedAt             time.Time
	PasswordResetRequired bool
}

// PakeRecord is the per-user PAKE registration artifact, data model
// "PAKE record (user)". History is kept (not overwritten) so password reuse
// can be rejected; Current marks the live record.
type PakeRecord struct {
	Sub          string
	Envelope     []byte
	ServerPubkey []byte
	ExportKeyHash []byte // retained for password-history reuse rejection
	CreatedAt    time.Time
	Current      bool
}

// Admin is a provider administrator, data model "Admin".
type Admin struct {
	ID                    string
	Email                 string
	Name                  string
	Role                  string // "read" | "write"
	PasswordResetRequired bool
}

// AdminPakeRecord mirrors PakeRecord but keyed by admin id; admins and users
// are distinct PAKE identity spaces so an admin and a user may share an
// email without collision.
type AdminPakeRecord struct {
	AdminID       string
	Envelope      []byte
	ServerPubkey  []byte
	ExportKeyHash []byte
	CreatedAt     time.Time
	Current       bool
}

// Client is an OAuth/OIDC relying party, data model "Client".
type Client struct {
	ClientID                    string
	Type                        ClientType
	TokenEndpointAuthMethod     TokenEndpointAuthMethod
	RequirePKCE                 bool
	RedirectURIs                []string
	PostLogoutRedirectURIs      []string
	GrantTypes                  []string
	ResponseTypes               []string
	Scopes                      []string
	AllowedZKOrigins            []string
	ZKDelivery                  ZKDelivery
	ZKRequired                  bool
	IDTokenLifetimeSeconds      *int
	RefreshTokenLifetimeSeconds *int
	ClientSecretEnc             []byte // KEK-wrapped, confidential clients only
}

// PendingAuth is an in-progress /authorize request, data model "Pending auth".
type PendingAuth struct {
	RequestID           string
	ClientID            string
	RedirectURI         string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	ZKPubKey            []byte // JSON JWK bytes as supplied, if zk_pub was supplied
	ZKPubKid            string
	UserSub             string // empty until bound
	Origin              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthCode is a single-use authorization code, data model "Authorization code".
type AuthCode struct {
	Code                string
	ClientID            string
	UserSub             string
	RedirectURI         string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	Consumed            bool
	HasZK               bool
	ZKPubKid            string
	DRKHash             string
}

// Session is an authenticated actor's session, data model "Session".
type Session struct {
	SessionIDHash string
	Actor         ActorKind
	ActorRef      string // Sub for user, ID for admin
	Email         string
	Name          string
	ClientID      string // the original client this session was created for
	CreatedAt     time.Time
	ExpiresAt     time.Time
	CSRFSecret    string
	OTPRequired   bool
	OTPVerified   bool
}

// RefreshToken is a rotating, single-use-per-generation refresh secret.
type RefreshToken struct {
	TokenHash       string
	SessionIDHash   string
	RotatedFromHash string
	ExpiresAt       time.Time
	Consumed        bool
}

// Permission is an RBAC leaf permission, data model "Permission".
type Permission struct {
	Key         string
	Description string
}

// Group is the legacy group-based permission path, data model "Group".
type Group struct {
	Key         string
	Name        string
	EnableLogin bool
	RequireOTP  bool
	Permissions []string
}

// Organization is a tenant, data model "Organization".
type Organization struct {
	ID               string
	Slug             string
	Name             string
	ForceOTP         bool
	CreatedByUserSub string
}

// OrganizationMember links a user into an organization, data model
// "Organization member".
type OrganizationMember struct {
	ID             string
	OrganizationID string
	UserSub        string
	Status         MemberStatus
	RoleKeys       []string
}

// Role is an RBAC role, data model "Role".
type Role struct {
	ID          string
	Key         string
	Name        string
	System      bool
	Permissions []string
}

// BuiltinRoleKeys are the roles every installation seeds and that are always
// assignable to org members, per spec.md §4.10.
var BuiltinRoleKeys = []string{"member", "org_admin", "otp_required"}

// OTPCredential is a second factor, data model "OTP credential".
type OTPCredential struct {
	ActorKind    ActorKind
	ActorRef     string
	SecretEnc    []byte // KEK-wrapped base32 secret
	Enabled      bool
	Verified     bool
	CreatedAt    time.Time
	LastUsedAt   time.Time
	FailureCount int
	LockedUntil  time.Time
	LastStep     int64
}

// EmailVerificationToken is a single-use token, data model
// "Email verification token".
type EmailVerificationToken struct {
	Token        string
	UserSub      string
	Purpose      VerificationPurpose
	TargetEmail  string
	ExpiresAt    time.Time
	ConsumedAt   time.Time
}

// InstallState is the process-singleton bootstrap token, data model
// "Install state".
type InstallState struct {
	Token     string
	CreatedAt time.Time
	Consumed  bool
}

// SigningKey is one key in the JWKS manager's key set.
type SigningKey struct {
	Kid        string
	Alg        string // "ES256", the only algorithm jwks generates
	PublicKey  *jose.JSONWebKey
	PrivateEnc []byte // KEK-wrapped PKCS8 private key
	CreatedAt  time.Time
	Active     bool // the current signing key; others are verification-only
}

// WrappedDRK is the client-held, server-opaque Data Root Key blob described
// in SPEC_FULL.md §3.10 — namespaced by (user, kid), where kid is the key id
// the client supplies, so a blob stored under one client key is never served
// for another.
type WrappedDRK struct {
	UserSub   string
	Kid       string
	Blob      []byte
	UpdatedAt time.Time
}

// GCResult reports what a sweep pass removed, mirrors dex's storage.GCResult.
type GCResult struct {
	AuthCodes    int64
	PendingAuths int64
	Sessions     int64
	RefreshTokens int64
}

// Storage is the persistence interface. Every mutation that the spec marks
// single-use (auth code redemption, refresh rotation, pending-auth user
// binding, install-token consumption, email-verification consumption) is
// expressed here as a method returning (changed bool, err error) so callers
// never have to reconstruct a compare-and-swap from a Get+Update pair.
type Storage interface {
	Close() error

	// Users
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, sub string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdateUser(ctx context.Context, sub string, fn func(User) (User, error)) error
	DeleteUser(ctx context.Context, sub string) error
	ListUsers(ctx context.Context, offset, limit int) ([]User, int, error)

	// PAKE records (user)
	GetPakeRecord(ctx context.Context, sub string) (PakeRecord, error)
	PutPakeRecord(ctx context.Context, rec PakeRecord) error
	ListPakeRecordHistory(ctx context.Context, sub string) ([]PakeRecord, error)

	// Admins
	CreateAdmin(ctx context.Context, a Admin) error
	GetAdmin(ctx context.Context, id string) (Admin, error)
	GetAdminByEmail(ctx context.Context, email string) (Admin, error)
	UpdateAdmin(ctx context.Context, id string, fn func(Admin) (Admin, error)) error
	CountAdmins(ctx context.Context) (int, error)
	GetAdminPakeRecord(ctx context.Context, adminID string) (AdminPakeRecord, error)
	PutAdminPakeRecord(ctx context.Context, rec AdminPakeRecord) error

	// Clients
	CreateClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, clientID string) (Client, error)
	UpdateClient(ctx context.Context, clientID string, fn func(Client) (Client, error)) error
	DeleteClient(ctx context.Context, clientID string) error
	ListClients(ctx context.Context) ([]Client, error)

	// Pending auths
	CreatePendingAuth(ctx context.Context, p PendingAuth) error
	GetPendingAuth(ctx context.Context, requestID string) (PendingAuth, error)
	// BindPendingAuthUser atomically sets userSub on a pending auth whose
	// UserSub is currently empty. changed=false with err=nil means the
	// pending auth already had a (possibly different) UserSub bound.
	BindPendingAuthUser(ctx context.Context, requestID, userSub string) (changed bool, err error)
	DeletePendingAuth(ctx context.Context, requestID string) error

	// Authorization codes
	CreateAuthCode(ctx context.Context, c AuthCode) error
	GetAuthCode(ctx context.Context, code string) (AuthCode, error)
	// RedeemAuthCode atomically transitions Consumed false->true. changed
	// is true for exactly one caller among any concurrent redeemers.
	RedeemAuthCode(ctx context.Context, code string) (changed bool, rec AuthCode, err error)
	DeleteAuthCode(ctx context.Context, code string) error

	// Sessions
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, sessionIDHash string) (Session, error)
	UpdateSession(ctx context.Context, sessionIDHash string, fn func(Session) (Session, error)) error
	DeleteSession(ctx context.Context, sessionIDHash string) error

	// Refresh tokens
	CreateRefreshToken(ctx context.Context, r RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error)
	// RotateRefreshToken atomically marks oldHash consumed and inserts next,
	// only if oldHash exists, is unconsumed, and unexpired.
	RotateRefreshToken(ctx context.Context, oldHash string, next RefreshToken) (ok bool, err error)
	DeleteRefreshTokensForSession(ctx context.Context, sessionIDHash string) error

	// Permissions, groups, roles, organizations
	CreatePermission(ctx context.Context, p Permission) error
	ListPermissions(ctx context.Context) ([]Permission, error)
	DeletePermission(ctx context.Context, key string) error

	CreateGroup(ctx context.Context, g Group) error
	GetGroup(ctx context.Context, key string) (Group, error)
	UpdateGroup(ctx context.Context, key string, fn func(Group) (Group, error)) error
	DeleteGroup(ctx context.Context, key string) error
	ListGroups(ctx context.Context) ([]Group, error)
	ListUserGroups(ctx context.Context, userSub string) ([]Group, error)
	AddUserGroup(ctx context.Context, userSub, groupKey string) error
	RemoveUserGroup(ctx context.Context, userSub, groupKey string) error

	CreateOrganization(ctx context.Context, o Organization) error
	GetOrganization(ctx context.Context, id string) (Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (Organization, error)
	UpdateOrganization(ctx context.Context, id string, fn func(Organization) (Organization, error)) error
	ListOrganizations(ctx context.Context) ([]Organization, error)

	CreateOrganizationMember(ctx context.Context, m OrganizationMember) error
	GetOrganizationMember(ctx context.Context, orgID, userSub string) (OrganizationMember, error)
	UpdateOrganizationMember(ctx context.Context, id string, fn func(OrganizationMember) (OrganizationMember, error)) error
	ListOrganizationMembersForUser(ctx context.Context, userSub string) ([]OrganizationMember, error)

	CreateRole(ctx context.Context, r Role) error
	GetRole(ctx context.Context, key string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, key string, fn func(Role) (Role, error)) error

	// User direct permissions (outside org/group paths)
	ListUserPermissions(ctx context.Context, userSub string) ([]string, error)
	GrantUserPermission(ctx context.Context, userSub, key string) error
	RevokeUserPermission(ctx context.Context, userSub, key string) error

	// OTP
	GetOTPCredential(ctx context.Context, kind ActorKind, ref string) (OTPCredential, error)
	PutOTPCredential(ctx context.Context, cred OTPCredential) error
	DeleteOTPCredential(ctx context.Context, kind ActorKind, ref string) error

	// Email verification tokens
	CreateEmailVerificationToken(ctx context.Context, t EmailVerificationToken) error
	GetEmailVerificationToken(ctx context.Context, token string) (EmailVerificationToken, error)
	// ConsumeEmailVerificationToken atomically sets ConsumedAt if unset.
	ConsumeEmailVerificationToken(ctx context.Context, token string) (ok bool, rec EmailVerificationToken, err error)
	InvalidateActiveEmailVerificationTokens(ctx context.Context, userSub string, purpose VerificationPurpose) error

	// Install bootstrap
	GetInstallState(ctx context.Context) (InstallState, error)
	SetInstallState(ctx context.Context, s InstallState) error
	// ConsumeInstallToken atomically marks the singleton install state
	// consumed, provided the supplied token matches and it is not yet
	// consumed. ok=false covers both mismatch and reuse.
	ConsumeInstallToken(ctx context.Context, token string) (ok bool, err error)

	// JWKS
	ListSigningKeys(ctx context.Context) ([]SigningKey, error)
	PutSigningKey(ctx context.Context, k SigningKey) error
	SetActiveSigningKey(ctx context.Context, kid string) error

	// Settings (raw byte values by key; storage applies no schema)
	GetSetting(ctx context.Context, key string) ([]byte, bool, error)
	PutSetting(ctx context.Context, key string, value []byte) error
	ListSettings(ctx context.Context) (map[string][]byte, error)

	// PAKE login ceremony bookkeeping rows, written and deleted by
	// pakeengine. The live AKE state stays in pakeengine's process memory;
	// these rows carry no transcript and GarbageCollect does not remove them.
	CreatePakeCeremony(ctx context.Context, c PakeCeremony) error
	GetPakeCeremony(ctx context.Context, sessionID string) (PakeCeremony, error)
	DeletePakeCeremony(ctx context.Context, sessionID string) error

	// ZK wrapped-DRK blobs
	GetWrappedDRK(ctx context.Context, userSub, kid string) (WrappedDRK, error)
	PutWrappedDRK(ctx context.Context, w WrappedDRK) error

	// Audit
	AppendAuditEvent(ctx context.Context, e AuditEvent) error
	ListAuditEvents(ctx context.Context, offset, limit int) ([]AuditEvent, int, error)

	// GarbageCollect deletes expired pending auths, auth codes, sessions,
	// and refresh tokens. Observes only Consumed==true or
	// ExpiresAt < now-grace for single-use records (spec.md §4.9).
	GarbageCollect(ctx context.Context, now time.Time, grace time.Duration) (GCResult, error)
}

// PakeCeremony records one PAKE login ceremony, bound to a single-use
// session id (spec.md §4.1).
type PakeCeremony struct {
	SessionID   string
	Purpose     string // "login", the only purpose pakeengine writes
	Email       string
	Transcript  []byte // opaque to storage; pakeengine leaves it empty
	ActorKind   ActorKind
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// AuditEvent is one append-only record, spec.md §7 "Audit".
type AuditEvent struct {
	ID            string
	EventType     string
	ActorKind     string
	ActorID       string
	ResourceType  string
	ResourceID    string
	Method        string
	Path          string
	StatusCode    int
	IPAddress     string
	UserAgent     string
	Success       bool
	ErrorMessage  string
	Details       map[string]any
	CreatedAt     time.Time
}
