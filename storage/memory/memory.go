// Package memory implements storage.Storage as an in-process, mutex-guarded
// map store. It is grounded on dexidp/dex's storage/memory implementation
// (same role: single-node dev mode plus the backing store for
// storage/storagetest's conformance suite) but built against DarkAuth's
// richer Storage interface. Every single-use operation (RedeemAuthCode,
// RotateRefreshToken, BindPendingAuthUser, ConsumeInstallToken,
// ConsumeEmailVerificationToken) takes the store's single mutex for its
// whole read-modify-write so the compare-and-swap is linearizable per spec.md
// §5, matching what a `... WHERE consumed=false RETURNING ...` gives you in
// Postgres.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/darkauth/darkauth/storage"
)

type store struct {
	mu sync.Mutex

	users        map[string]storage.User
	usersByEmail map[string]string // email -> sub
	pakeRecords  map[string][]storage.PakeRecord // sub -> history, last is current

	admins         map[string]storage.Admin
	adminsByEmail  map[string]string
	adminPake      map[string][]storage.AdminPakeRecord

	clients map[string]storage.Client

	pendingAuths map[string]storage.PendingAuth
	authCodes    map[string]storage.AuthCode

	sessions      map[string]storage.Session
	refreshTokens map[string]storage.RefreshToken

	permissions map[string]storage.Permission
	groups      map[string]storage.Group
	userGroups  map[string]map[string]bool // sub -> group key set

	organizations     map[string]storage.Organization
	organizationsBySlug map[string]string
	orgMembers        map[string]storage.OrganizationMember // id -> member
	orgMembersByUser  map[string][]string                   // sub -> member ids

	roles map[string]storage.Role

	userPermissions map[string]map[string]bool // sub -> permission set

	otpCreds map[string]storage.OTPCredential // "kind:ref" -> cred

	emailTokens map[string]storage.EmailVerificationToken

	install storage.InstallState

	signingKeys map[string]storage.SigningKey
	activeKid   string

	settings map[string][]byte

	pakeCeremonies map[string]storage.PakeCeremony

	wrappedDRKs map[string]storage.WrappedDRK // "sub:kid"

	auditLog []storage.AuditEvent
}

// New returns an empty in-memory Storage.
func New() storage.Storage {
	return &store{
		users:               map[string]storage.User{},
		usersByEmail:        map[string]string{},
		pakeRecords:         map[string][]storage.PakeRecord{},
		admins:              map[string]storage.Admin{},
		adminsByEmail:       map[string]string{},
		adminPake:           map[string][]storage.AdminPakeRecord{},
		clients:             map[string]storage.Client{},
		pendingAuths:        map[string]storage.PendingAuth{},
		authCodes:           map[string]storage.AuthCode{},
		sessions:            map[string]storage.Session{},
		refreshTokens:       map[string]storage.RefreshToken{},
		permissions:         map[string]storage.Permission{},
		groups:              map[string]storage.Group{},
		userGroups:          map[string]map[string]bool{},
		organizations:       map[string]storage.Organization{},
		organizationsBySlug: map[string]string{},
		orgMembers:          map[string]storage.OrganizationMember{},
		orgMembersByUser:    map[string][]string{},
		roles:               map[string]storage.Role{},
		userPermissions:     map[string]map[string]bool{},
		otpCreds:            map[string]storage.OTPCredential{},
		emailTokens:         map[string]storage.EmailVerificationToken{},
		signingKeys:         map[string]storage.SigningKey{},
		settings:            map[string][]byte{},
		pakeCeremonies:      map[string]storage.PakeCeremony{},
		wrappedDRKs:         map[string]storage.WrappedDRK{},
	}
}

func (s *store) Close() error { return nil }

// --- Users ---

func (s *store) CreateUser(_ context.Context, u storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Sub]; ok {
		return storage.ErrAlreadyExists
	}
	if _, ok := s.usersByEmail[u.Email]; ok {
		return storage.ErrConflict
	}
	s.users[u.Sub] = u
	s.usersByEmail[u.Email] = u.Sub
	return nil
}

func (s *store) GetUser(_ context.Context, sub string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[sub]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *store) GetUserByEmail(_ context.Context, email string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.usersByEmail[email]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return s.users[sub], nil
}

func (s *store) UpdateUser(_ context.Context, sub string, fn func(storage.User) (storage.User, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[sub]
	if !ok {
		return storage.ErrNotFound
	}
	next, err := fn(u)
	if err != nil {
		return err
	}
	if next.Email != u.Email {
		if _, ok := s.usersByEmail[next.Email]; ok {
			return storage.ErrConflict
		}
		delete(s.usersByEmail, u.Email)
		s.usersByEmail[next.Email] = sub
	}
	s.users[sub] = next
	return nil
}

func (s *store) DeleteUser(_ context.Context, sub string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[sub]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.users, sub)
	delete(s.usersByEmail, u.Email)
	delete(s.pakeRecords, sub)
	delete(s.userGroups, sub)
	delete(s.userPermissions, sub)
	return nil
}

func (s *store) ListUsers(_ context.Context, offset, limit int) ([]storage.User, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]storage.User, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, u)
	}
	return paginate(all, offset, limit), len(all), nil
}

// --- PAKE records (user) ---

func (s *store) GetPakeRecord(_ context.Context, sub string) (storage.PakeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.pakeRecords[sub]
	for _, r := range hist {
		if r.Current {
			return r, nil
		}
	}
	return storage.PakeRecord{}, storage.ErrNotFound
}

func (s *store) PutPakeRecord(_ context.Context, rec storage.PakeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.pakeRecords[rec.Sub]
	for i := range hist {
		hist[i].Current = false
	}
	rec.Current = true
	s.pakeRecords[rec.Sub] = append(hist, rec)
	return nil
}

func (s *store) ListPakeRecordHistory(_ context.Context, sub string) ([]storage.PakeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.PakeRecord(nil), s.pakeRecords[sub]...), nil
}

// --- Admins ---

func (s *store) CreateAdmin(_ context.Context, a storage.Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admins[a.ID]; ok {
		return storage.ErrAlreadyExists
	}
	if _, ok := s.adminsByEmail[a.Email]; ok {
		return storage.ErrConflict
	}
	s.admins[a.ID] = a
	s.adminsByEmail[a.Email] = a.ID
	return nil
}

func (s *store) GetAdmin(_ context.Context, id string) (storage.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admins[id]
	if !ok {
		return storage.Admin{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *store) GetAdminByEmail(_ context.Context, email string) (storage.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.adminsByEmail[email]
	if !ok {
		return storage.Admin{}, storage.ErrNotFound
	}
	return s.admins[id], nil
}

func (s *store) UpdateAdmin(_ context.Context, id string, fn func(storage.Admin) (storage.Admin, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admins[id]
	if !ok {
		return storage.ErrNotFound
	}
	next, err := fn(a)
	if err != nil {
		return err
	}
	s.admins[id] = next
	return nil
}

func (s *store) CountAdmins(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.admins), nil
}

func (s *store) GetAdminPakeRecord(_ context.Context, adminID string) (storage.AdminPakeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.adminPake[adminID] {
		if r.Current {
			return r, nil
		}
	}
	return storage.AdminPakeRecord{}, storage.ErrNotFound
}

func (s *store) PutAdminPakeRecord(_ context.Context, rec storage.AdminPakeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.adminPake[rec.AdminID]
	for i := range hist {
		hist[i].Current = false
	}
	rec.Current = true
	s.adminPake[rec.AdminID] = append(hist, rec)
	return nil
}

// --- Clients ---

func (s *store) CreateClient(_ context.Context, c storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ClientID]; ok {
		return storage.ErrAlreadyExists
	}
	s.clients[c.ClientID] = c
	return nil
}

func (s *store) GetClient(_ context.Context, clientID string) (storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return storage.Client{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *store) UpdateClient(_ context.Context, clientID string, fn func(storage.Client) (storage.Client, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return storage.ErrNotFound
	}
	next, err := fn(c)
	if err != nil {
		return err
	}
	s.clients[clientID] = next
	return nil
}

func (s *store) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.clients, clientID)
	return nil
}

func (s *store) ListClients(_ context.Context) ([]storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out, nil
}

// --- Pending auths ---

func (s *store) CreatePendingAuth(_ context.Context, p storage.PendingAuth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingAuths[p.RequestID]; ok {
		return storage.ErrAlreadyExists
	}
	s.pendingAuths[p.RequestID] = p
	return nil
}

func (s *store) GetPendingAuth(_ context.Context, requestID string) (storage.PendingAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendingAuths[requestID]
	if !ok {
		return storage.PendingAuth{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *store) BindPendingAuthUser(_ context.Context, requestID, userSub string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pendingAuths[requestID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if p.UserSub != "" {
		return false, nil
	}
	p.UserSub = userSub
	s.pendingAuths[requestID] = p
	return true, nil
}

func (s *store) DeletePendingAuth(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingAuths, requestID)
	return nil
}

// --- Authorization codes ---

func (s *store) CreateAuthCode(_ context.Context, c storage.AuthCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authCodes[c.Code]; ok {
		return storage.ErrAlreadyExists
	}
	s.authCodes[c.Code] = c
	return nil
}

func (s *store) GetAuthCode(_ context.Context, code string) (storage.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.authCodes[code]
	if !ok {
		return storage.AuthCode{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *store) RedeemAuthCode(_ context.Context, code string) (bool, storage.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.authCodes[code]
	if !ok {
		return false, storage.AuthCode{}, storage.ErrNotFound
	}
	if c.Consumed {
		return false, c, nil
	}
	c.Consumed = true
	s.authCodes[code] = c
	return true, c, nil
}

func (s *store) DeleteAuthCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authCodes, code)
	return nil
}

// --- Sessions ---

func (s *store) CreateSession(_ context.Context, sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionIDHash] = sess
	return nil
}

func (s *store) GetSession(_ context.Context, sessionIDHash string) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionIDHash]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (s *store) UpdateSession(_ context.Context, sessionIDHash string, fn func(storage.Session) (storage.Session, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionIDHash]
	if !ok {
		return storage.ErrNotFound
	}
	next, err := fn(sess)
	if err != nil {
		return err
	}
	s.sessions[sessionIDHash] = next
	return nil
}

func (s *store) DeleteSession(_ context.Context, sessionIDHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionIDHash)
	return nil
}

// --- Refresh tokens ---

func (s *store) CreateRefreshToken(_ context.Context, r storage.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[r.TokenHash] = r
	return nil
}

func (s *store) GetRefreshToken(_ context.Context, tokenHash string) (storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refreshTokens[tokenHash]
	if !ok {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *store) RotateRefreshToken(_ context.Context, oldHash string, next storage.RefreshToken) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.refreshTokens[oldHash]
	if !ok || old.Consumed || time.Now().After(old.ExpiresAt) {
		return false, nil
	}
	old.Consumed = true
	s.refreshTokens[oldHash] = old
	s.refreshTokens[next.TokenHash] = next
	return true, nil
}

func (s *store) DeleteRefreshTokensForSession(_ context.Context, sessionIDHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, r := range s.refreshTokens {
		if r.SessionIDHash == sessionIDHash {
			delete(s.refreshTokens, hash)
		}
	}
	return nil
}

// --- Permissions, groups ---

func (s *store) CreatePermission(_ context.Context, p storage.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissions[p.Key]; ok {
		return storage.ErrAlreadyExists
	}
	s.permissions[p.Key] = p
	return nil
}

func (s *store) ListPermissions(_ context.Context) ([]storage.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	return out, nil
}

func (s *store) DeletePermission(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.permissions, key)
	return nil
}

func (s *store) CreateGroup(_ context.Context, g storage.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.Key]; ok {
		return storage.ErrAlreadyExists
	}
	s.groups[g.Key] = g
	return nil
}

func (s *store) GetGroup(_ context.Context, key string) (storage.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[key]
	if !ok {
		return storage.Group{}, storage.ErrNotFound
	}
	return g, nil
}

func (s *store) UpdateGroup(_ context.Context, key string, fn func(storage.Group) (storage.Group, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[key]
	if !ok {
		return storage.ErrNotFound
	}
	next, err := fn(g)
	if err != nil {
		return err
	}
	s.groups[key] = next
	return nil
}

func (s *store) DeleteGroup(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "default" {
		return storage.ErrConflict
	}
	delete(s.groups, key)
	return nil
}

func (s *store) ListGroups(_ context.Context) ([]storage.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, nil
}

func (s *store) ListUserGroups(_ context.Context, userSub string) ([]storage.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Group
	for key := range s.userGroups[userSub] {
		if g, ok := s.groups[key]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *store) AddUserGroup(_ context.Context, userSub, groupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userGroups[userSub] == nil {
		s.userGroups[userSub] = map[string]bool{}
	}
	s.userGroups[userSub][groupKey] = true
	return nil
}

func (s *store) RemoveUserGroup(_ context.Context, userSub, groupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userGroups[userSub], groupKey)
	return nil
}

// --- Organizations ---

func (s *store) CreateOrganization(_ context.Context, o storage.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.organizations[o.ID]; ok {
		return storage.ErrAlreadyExists
	}
	if _, ok := s.organizationsBySlug[o.Slug]; ok {
		return storage.ErrConflict
	}
	s.organizations[o.ID] = o
	s.organizationsBySlug[o.Slug] = o.ID
	return nil
}

func (s *store) GetOrganization(_ context.Context, id string) (storage.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.organizations[id]
	if !ok {
		return storage.Organization{}, storage.ErrNotFound
	}
	return o, nil
}

func (s *store) GetOrganizationBySlug(_ context.Context, slug string) (storage.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.organizationsBySlug[slug]
	if !ok {
		return storage.Organization{}, storage.ErrNotFound
	}
	return s.organizations[id], nil
}

func (s *store) UpdateOrganization(_ context.Context, id string, fn func(storage.Organization) (storage.Organization, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.organizations[id]
	if !ok {
		return storage.ErrNotFound
	}
	next, err := fn(o)
	if err != nil {
		return err
	}
	if next.Slug != o.Slug {
		return storage.ErrConflict // slug immutable once set, spec.md data model
	}
	s.organizations[id] = next
	return nil
}

func (s *store) ListOrganizations(_ context.Context) ([]storage.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Organization, 0, len(s.organizations))
	for _, o := range s.organizations {
		out = append(out, o)
	}
	return out, nil
}

func (s *store) CreateOrganizationMember(_ context.Context, m storage.OrganizationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.orgMembersByUser[m.UserSub] {
		if s.orgMembers[id].OrganizationID == m.OrganizationID {
			return storage.ErrConflict
		}
	}
	if m.ID == "" {
		m.ID = storage.NewID()
	}
	s.orgMembers[m.ID] = m
	s.orgMembersByUser[m.UserSub] = append(s.orgMembersByUser[m.UserSub], m.ID)
	return nil
}

func (s *store) GetOrganizationMember(_ context.Context, orgID, userSub string) (storage.OrganizationMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.orgMembersByUser[userSub] {
		if m := s.orgMembers[id]; m.OrganizationID == orgID {
			return m, nil
		}
	}
	return storage.OrganizationMember{}, storage.ErrNotFound
}

func (s *store) UpdateOrganizationMember(_ context.Context, id string, fn func(storage.OrganizationMember) (storage.OrganizationMember, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.orgMembers[id]
	if !ok {
		return storage.ErrNotFound
	}
	next, err := fn(m)
	if err != nil {
		return err
	}
	s.orgMembers[id] = next
	return nil
}

func (s *store) ListOrganizationMembersForUser(_ context.Context, userSub string) ([]storage.OrganizationMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.OrganizationMember, 0, len(s.orgMembersByUser[userSub]))
	for _, id := range s.orgMembersByUser[userSub] {
		out = append(out, s.orgMembers[id])
	}
	return out, nil
}

// --- Roles ---

func (s *store) CreateRole(_ context.Context, r storage.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.Key]; ok {
		return storage.ErrAlreadyExists
	}
	s.roles[r.Key] = r
	return nil
}

func (s *store) GetRole(_ context.Context, key string) (storage.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[key]
	if !ok {
		return storage.Role{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *store) ListRoles(_ context.Context) ([]storage.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out, nil
}

func (s *store) UpdateRole(_ context.Context, key string, fn func(storage.Role) (storage.Role, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[key]
	if !ok {
		return storage.ErrNotFound
	}
	next, err := fn(r)
	if err != nil {
		return err
	}
	s.roles[key] = next
	return nil
}

// --- User direct permissions ---

func (s *store) ListUserPermissions(_ context.Context, userSub string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.userPermissions[userSub]))
	for k := range s.userPermissions[userSub] {
		out = append(out, k)
	}
	return out, nil
}

func (s *store) GrantUserPermission(_ context.Context, userSub, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userPermissions[userSub] == nil {
		s.userPermissions[userSub] = map[string]bool{}
	}
	s.userPermissions[userSub][key] = true
	return nil
}

func (s *store) RevokeUserPermission(_ context.Context, userSub, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userPermissions[userSub], key)
	return nil
}

// --- OTP ---

func otpKey(kind storage.ActorKind, ref string) string { return string(kind) + ":" + ref }

func (s *store) GetOTPCredential(_ context.Context, kind storage.ActorKind, ref string) (storage.OTPCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.otpCreds[otpKey(kind, ref)]
	if !ok {
		return storage.OTPCredential{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *store) PutOTPCredential(_ context.Context, cred storage.OTPCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.otpCreds[otpKey(cred.ActorKind, cred.ActorRef)] = cred
	return nil
}

func (s *store) DeleteOTPCredential(_ context.Context, kind storage.ActorKind, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.otpCreds, otpKey(kind, ref))
	return nil
}

// --- Email verification tokens ---

func (s *store) CreateEmailVerificationToken(_ context.Context, t storage.EmailVerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emailTokens[t.Token] = t
	return nil
}

func (s *store) GetEmailVerificationToken(_ context.Context, token string) (storage.EmailVerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.emailTokens[token]
	if !ok {
		return storage.EmailVerificationToken{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *store) ConsumeEmailVerificationToken(_ context.Context, token string) (bool, storage.EmailVerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.emailTokens[token]
	if !ok {
		return false, storage.EmailVerificationToken{}, storage.ErrNotFound
	}
	if !t.ConsumedAt.IsZero() {
		return false, t, nil
	}
	t.ConsumedAt = time.Now()
	s.emailTokens[token] = t
	return true, t, nil
}

func (s *store) InvalidateActiveEmailVerificationTokens(_ context.Context, userSub string, purpose storage.VerificationPurpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, t := range s.emailTokens {
		if t.UserSub == userSub && t.Purpose == purpose && t.ConsumedAt.IsZero() {
			t.ConsumedAt = now
			s.emailTokens[k] = t
		}
	}
	return nil
}

// --- Install ---

func (s *store) GetInstallState(_ context.Context) (storage.InstallState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.install, nil
}

func (s *store) SetInstallState(_ context.Context, state storage.InstallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.install = state
	return nil
}

func (s *store) ConsumeInstallToken(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.install.Consumed || s.install.Token == "" {
		return false, nil
	}
	if !constantTimeStringEqual(s.install.Token, token) {
		return false, nil
	}
	s.install.Consumed = true
	return true, nil
}

// --- JWKS ---

func (s *store) ListSigningKeys(_ context.Context) ([]storage.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.SigningKey, 0, len(s.signingKeys))
	for _, k := range s.signingKeys {
		out = append(out, k)
	}
	return out, nil
}

func (s *store) PutSigningKey(_ context.Context, k storage.SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signingKeys[k.Kid] = k
	if k.Active {
		s.activeKid = k.Kid
	}
	return nil
}

func (s *store) SetActiveSigningKey(_ context.Context, kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signingKeys[kid]; !ok {
		return storage.ErrNotFound
	}
	for k, key := range s.signingKeys {
		key.Active = k == kid
		s.signingKeys[k] = key
	}
	s.activeKid = kid
	return nil
}

// --- Settings ---

func (s *store) GetSetting(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *store) PutSetting(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *store) ListSettings(_ context.Context) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

// --- PAKE ceremonies ---

func (s *store) CreatePakeCeremony(_ context.Context, c storage.PakeCeremony) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pakeCeremonies[c.SessionID] = c
	return nil
}

func (s *store) GetPakeCeremony(_ context.Context, sessionID string) (storage.PakeCeremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.pakeCeremonies[sessionID]
	if !ok {
		return storage.PakeCeremony{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *store) DeletePakeCeremony(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pakeCeremonies, sessionID)
	return nil
}

// --- ZK wrapped DRK ---

func (s *store) GetWrappedDRK(_ context.Context, userSub, kid string) (storage.WrappedDRK, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wrappedDRKs[userSub+":"+kid]
	if !ok {
		return storage.WrappedDRK{}, storage.ErrNotFound
	}
	return w, nil
}

func (s *store) PutWrappedDRK(_ context.Context, w storage.WrappedDRK) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrappedDRKs[w.UserSub+":"+w.Kid] = w
	return nil
}

// --- Audit ---

func (s *store) AppendAuditEvent(_ context.Context, e storage.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = storage.NewID()
	}
	s.auditLog = append(s.auditLog, e)
	return nil
}

func (s *store) ListAuditEvents(_ context.Context, offset, limit int) ([]storage.AuditEvent, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginate(s.auditLog, offset, limit), len(s.auditLog), nil
}

// --- GC ---

func (s *store) GarbageCollect(_ context.Context, now time.Time, grace time.Duration) (storage.GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res storage.GCResult
	cutoff := now.Add(-grace)

	for id, p := range s.pendingAuths {
		if p.ExpiresAt.Before(cutoff) {
			delete(s.pendingAuths, id)
			res.PendingAuths++
		}
	}
	for code, c := range s.authCodes {
		if c.Consumed || c.ExpiresAt.Before(cutoff) {
			delete(s.authCodes, code)
			res.AuthCodes++
		}
	}
	for id, sess := range s.sessions {
		if sess.ExpiresAt.Before(cutoff) {
			delete(s.sessions, id)
			res.Sessions++
		}
	}
	for hash, r := range s.refreshTokens {
		if r.Consumed || r.ExpiresAt.Before(cutoff) {
			delete(s.refreshTokens, hash)
			res.RefreshTokens++
		}
	}
	return res, nil
}

func paginate[T any](all []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []T{}
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return append([]T(nil), all[offset:end]...)
}

func constantTimeStringEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := 0; i < len(a); i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
