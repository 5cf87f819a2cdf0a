package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/darkauth/darkauth/apierr"
	"github.com/darkauth/darkauth/audit"
	"github.com/darkauth/darkauth/storage"
)

// requireAdmin authenticates the caller against the admin session cookie and
// CSRF-checks mutating methods, the gate every /admin/* handler shares.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (storage.Session, bool) {
	sess, err := s.sessions.Get(r.Context(), storage.ActorAdmin, r)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "no active admin session"))
		return storage.Session{}, false
	}
	if r.Method != http.MethodGet && !s.sessions.CheckCSRF(sess, r.Header.Get("X-CSRF-Token")) {
		s.writeError(w, r, apierr.New(apierr.KindForbidden, "csrf check failed"))
		return storage.Session{}, false
	}
	return sess, true
}

func pageParams(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return offset, limit
}

// handleAdminUsers implements spec.md §4.10's user-administration surface:
// GET lists/fetches, PATCH toggles PasswordResetRequired, DELETE removes.
func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	sub := r.URL.Query().Get("sub")

	switch r.Method {
	case http.MethodGet:
		if sub != "" {
			u, err := s.storage.GetUser(ctx, sub)
			if err == storage.ErrNotFound {
				s.writeError(w, r, apierr.New(apierr.KindNotFound, "user not found"))
				return
			}
			if err != nil {
				s.writeError(w, r, apierr.Internal())
				return
			}
			s.writeJSON(w, http.StatusOK, u)
			return
		}
		offset, limit := pageParams(r)
		users, total, err := s.storage.ListUsers(ctx, offset, limit)
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"users": users, "total": total})

	case http.MethodPatch:
		if sub == "" {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "sub is required"))
			return
		}
		var req struct {
			PasswordResetRequired *bool `json:"password_reset_required"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
			return
		}
		err := s.storage.UpdateUser(ctx, sub, func(u storage.User) (storage.User, error) {
			if req.PasswordResetRequired != nil {
				u.PasswordResetRequired = *req.PasswordResetRequired
			}
			return u, nil
		})
		if err == storage.ErrNotFound {
			s.writeError(w, r, apierr.New(apierr.KindNotFound, "user not found"))
			return
		}
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.user.update", storage.ActorAdmin, admin.ActorRef), "user", sub), http.StatusNoContent))
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if sub == "" {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "sub is required"))
			return
		}
		if err := s.storage.DeleteUser(ctx, sub); err != nil && err != storage.ErrNotFound {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.user.delete", storage.ActorAdmin, admin.ActorRef), "user", sub), http.StatusNoContent))
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
	}
}

type clientRequest struct {
	ClientID                    string   `json:"client_id"`
	Type                        string   `json:"type"`
	TokenEndpointAuthMethod     string   `json:"token_endpoint_auth_method"`
	RequirePKCE                 bool     `json:"require_pkce"`
	RedirectURIs                []string `json:"redirect_uris"`
	PostLogoutRedirectURIs      []string `json:"post_logout_redirect_uris"`
	GrantTypes                  []string `json:"grant_types"`
	ResponseTypes               []string `json:"response_types"`
	Scopes                      []string `json:"scopes"`
	AllowedZKOrigins            []string `json:"allowed_zk_origins"`
	ZKDelivery                  string   `json:"zk_delivery"`
	ZKRequired                  bool     `json:"zk_required"`
	IDTokenLifetimeSeconds      *int     `json:"id_token_lifetime_seconds"`
	RefreshTokenLifetimeSeconds *int     `json:"refresh_token_lifetime_seconds"`
	ClientSecret                string   `json:"client_secret,omitempty"`
}

// handleAdminClients implements OAuth client administration. Confidential
// clients' secrets are KEK-wrapped before storage and never read back.
func (s *Server) handleAdminClients(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	clientID := r.URL.Query().Get("client_id")

	switch r.Method {
	case http.MethodGet:
		if clientID != "" {
			c, err := s.storage.GetClient(ctx, clientID)
			if err == storage.ErrNotFound {
				s.writeError(w, r, apierr.New(apierr.KindNotFound, "client not found"))
				return
			}
			if err != nil {
				s.writeError(w, r, apierr.Internal())
				return
			}
			c.ClientSecretEnc = nil
			s.writeJSON(w, http.StatusOK, c)
			return
		}
		clients, err := s.storage.ListClients(ctx)
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		for i := range clients {
			clients[i].ClientSecretEnc = nil
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"clients": clients})

	case http.MethodPost:
		var req clientRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
			return
		}
		c, err := s.clientFromRequest(req)
		if err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "invalid client"))
			return
		}
		if c.ClientID == "" {
			c.ClientID = storage.NewID()
		}
		if err := s.storage.CreateClient(ctx, c); err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.client.create", storage.ActorAdmin, admin.ActorRef), "client", c.ClientID), http.StatusCreated))
		s.writeJSON(w, http.StatusCreated, map[string]string{"client_id": c.ClientID})

	case http.MethodPatch:
		if clientID == "" {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "client_id is required"))
			return
		}
		var req clientRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
			return
		}
		next, err := s.clientFromRequest(req)
		if err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "invalid client"))
			return
		}
		err = s.storage.UpdateClient(ctx, clientID, func(c storage.Client) (storage.Client, error) {
			next.ClientID = c.ClientID
			if len(next.ClientSecretEnc) == 0 {
				next.ClientSecretEnc = c.ClientSecretEnc
			}
			return next, nil
		})
		if err == storage.ErrNotFound {
			s.writeError(w, r, apierr.New(apierr.KindNotFound, "client not found"))
			return
		}
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.client.update", storage.ActorAdmin, admin.ActorRef), "client", clientID), http.StatusNoContent))
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if clientID == "" {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "client_id is required"))
			return
		}
		if err := s.storage.DeleteClient(ctx, clientID); err != nil && err != storage.ErrNotFound {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.client.delete", storage.ActorAdmin, admin.ActorRef), "client", clientID), http.StatusNoContent))
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
	}
}

func (s *Server) clientFromRequest(req clientRequest) (storage.Client, error) {
	c := storage.Client{
		ClientID:                    req.ClientID,
		Type:                        storage.ClientType(req.Type),
		TokenEndpointAuthMethod:     storage.TokenEndpointAuthMethod(req.TokenEndpointAuthMethod),
		RequirePKCE:                 req.RequirePKCE,
		RedirectURIs:                req.RedirectURIs,
		PostLogoutRedirectURIs:      req.PostLogoutRedirectURIs,
		GrantTypes:                  req.GrantTypes,
		ResponseTypes:               req.ResponseTypes,
		Scopes:                      req.Scopes,
		AllowedZKOrigins:            req.AllowedZKOrigins,
		ZKDelivery:                  storage.ZKDelivery(req.ZKDelivery),
		ZKRequired:                  req.ZKRequired,
		IDTokenLifetimeSeconds:      req.IDTokenLifetimeSeconds,
		RefreshTokenLifetimeSeconds: req.RefreshTokenLifetimeSeconds,
	}
	if req.ClientSecret != "" {
		wrapped, err := s.kek.Wrap([]byte(req.ClientSecret), []byte("client-secret:"+c.ClientID))
		if err != nil {
			return storage.Client{}, err
		}
		c.ClientSecretEnc = wrapped
	}
	return c, nil
}

// handleAdminOrganizations implements organization and membership
// administration, spec.md §4.10.
func (s *Server) handleAdminOrganizations(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		orgs, err := s.storage.ListOrganizations(ctx)
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"organizations": orgs})

	case http.MethodPost:
		var req struct {
			Name         string `json:"name"`
			Slug         string `json:"slug"`
			ForceOTP     bool   `json:"force_otp"`
			Member       string `json:"member_user_sub,omitempty"`
			MemberRoles  []string `json:"member_roles,omitempty"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
			return
		}
		org := storage.Organization{
			ID:               storage.NewID(),
			Slug:             req.Slug,
			Name:             req.Name,
			ForceOTP:         req.ForceOTP,
			CreatedByUserSub: admin.ActorRef,
		}
		if err := s.storage.CreateOrganization(ctx, org); err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		if req.Member != "" {
			if err := s.storage.CreateOrganizationMember(ctx, storage.OrganizationMember{
				ID:             storage.NewID(),
				OrganizationID: org.ID,
				UserSub:        req.Member,
				Status:         storage.MemberActive,
				RoleKeys:       req.MemberRoles,
			}); err != nil {
				s.writeError(w, r, apierr.Internal())
				return
			}
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.org.create", storage.ActorAdmin, admin.ActorRef), "organization", org.ID), http.StatusCreated))
		s.writeJSON(w, http.StatusCreated, map[string]string{"id": org.ID})

	case http.MethodPatch:
		id := r.URL.Query().Get("id")
		if id == "" {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "id is required"))
			return
		}
		var req struct {
			Name     *string `json:"name"`
			ForceOTP *bool   `json:"force_otp"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
			return
		}
		err := s.storage.UpdateOrganization(ctx, id, func(o storage.Organization) (storage.Organization, error) {
			if req.Name != nil {
				o.Name = *req.Name
			}
			if req.ForceOTP != nil {
				o.ForceOTP = *req.ForceOTP
			}
			return o, nil
		})
		if err == storage.ErrNotFound {
			s.writeError(w, r, apierr.New(apierr.KindNotFound, "organization not found"))
			return
		}
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.org.update", storage.ActorAdmin, admin.ActorRef), "organization", id), http.StatusNoContent))
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
	}
}

// handleAdminRoles implements role administration, spec.md §4.10. Builtin
// roles (storage.BuiltinRoleKeys) may have their permission set edited but
// never deleted.
func (s *Server) handleAdminRoles(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		roles, err := s.storage.ListRoles(ctx)
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"roles": roles})

	case http.MethodPost:
		var req struct {
			Key         string   `json:"key"`
			Name        string   `json:"name"`
			Permissions []string `json:"permissions"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
			return
		}
		role := storage.Role{
			ID:          storage.NewID(),
			Key:         req.Key,
			Name:        req.Name,
			Permissions: req.Permissions,
		}
		if err := s.storage.CreateRole(ctx, role); err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.role.create", storage.ActorAdmin, admin.ActorRef), "role", role.Key), http.StatusCreated))
		s.writeJSON(w, http.StatusCreated, map[string]string{"key": role.Key})

	case http.MethodPatch:
		key := r.URL.Query().Get("key")
		if key == "" {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "key is required"))
			return
		}
		var req struct {
			Name        *string  `json:"name"`
			Permissions []string `json:"permissions"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
			return
		}
		err := s.storage.UpdateRole(ctx, key, func(role storage.Role) (storage.Role, error) {
			if req.Name != nil {
				role.Name = *req.Name
			}
			if req.Permissions != nil {
				role.Permissions = req.Permissions
			}
			return role, nil
		})
		if err == storage.ErrNotFound {
			s.writeError(w, r, apierr.New(apierr.KindNotFound, "role not found"))
			return
		}
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.role.update", storage.ActorAdmin, admin.ActorRef), "role", key), http.StatusNoContent))
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
	}
}

// handleAdminPermissions implements direct-permission administration,
// spec.md §4.10: the flat set of leaf permission keys roles and groups
// reference.
func (s *Server) handleAdminPermissions(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		perms, err := s.storage.ListPermissions(ctx)
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})

	case http.MethodPost:
		var req struct {
			Key         string `json:"key"`
			Description string `json:"description"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
			return
		}
		if req.Key == "" {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "key is required"))
			return
		}
		if err := s.storage.CreatePermission(ctx, storage.Permission{Key: req.Key, Description: req.Description}); err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.permission.create", storage.ActorAdmin, admin.ActorRef), "permission", req.Key), http.StatusCreated))
		s.writeJSON(w, http.StatusCreated, map[string]string{"key": req.Key})

	case http.MethodDelete:
		key := r.URL.Query().Get("key")
		if key == "" {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "key is required"))
			return
		}
		if err := s.storage.DeletePermission(ctx, key); err != nil && err != storage.ErrNotFound {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.permission.delete", storage.ActorAdmin, admin.ActorRef), "permission", key), http.StatusNoContent))
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
	}
}

// handleAdminGroups implements the legacy group administration surface,
// spec.md §4.10's Group entity (a bundle of permissions plus an OTP-required
// flag, independent of the organization/role path).
func (s *Server) handleAdminGroups(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	key := r.URL.Query().Get("key")

	switch r.Method {
	case http.MethodGet:
		if key != "" {
			g, err := s.storage.GetGroup(ctx, key)
			if err == storage.ErrNotFound {
				s.writeError(w, r, apierr.New(apierr.KindNotFound, "group not found"))
				return
			}
			if err != nil {
				s.writeError(w, r, apierr.Internal())
				return
			}
			s.writeJSON(w, http.StatusOK, g)
			return
		}
		groups, err := s.storage.ListGroups(ctx)
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"groups": groups})

	case http.MethodPost:
		var req struct {
			Key         string   `json:"key"`
			Name        string   `json:"name"`
			EnableLogin bool     `json:"enable_login"`
			RequireOTP  bool     `json:"require_otp"`
			Permissions []string `json:"permissions"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
			return
		}
		if req.Key == "" {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "key is required"))
			return
		}
		group := storage.Group{
			Key:         req.Key,
			Name:        req.Name,
			EnableLogin: req.EnableLogin,
			RequireOTP:  req.RequireOTP,
			Permissions: req.Permissions,
		}
		if err := s.storage.CreateGroup(ctx, group); err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.group.create", storage.ActorAdmin, admin.ActorRef), "group", group.Key), http.StatusCreated))
		s.writeJSON(w, http.StatusCreated, map[string]string{"key": group.Key})

	case http.MethodPatch:
		if key == "" {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "key is required"))
			return
		}
		var req struct {
			Name        *string  `json:"name"`
			EnableLogin *bool    `json:"enable_login"`
			RequireOTP  *bool    `json:"require_otp"`
			Permissions []string `json:"permissions"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
			return
		}
		err := s.storage.UpdateGroup(ctx, key, func(g storage.Group) (storage.Group, error) {
			if req.Name != nil {
				g.Name = *req.Name
			}
			if req.EnableLogin != nil {
				g.EnableLogin = *req.EnableLogin
			}
			if req.RequireOTP != nil {
				g.RequireOTP = *req.RequireOTP
			}
			if req.Permissions != nil {
				g.Permissions = req.Permissions
			}
			return g, nil
		})
		if err == storage.ErrNotFound {
			s.writeError(w, r, apierr.New(apierr.KindNotFound, "group not found"))
			return
		}
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.group.update", storage.ActorAdmin, admin.ActorRef), "group", key), http.StatusNoContent))
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if key == "" {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "key is required"))
			return
		}
		if err := s.storage.DeleteGroup(ctx, key); err != nil && err != storage.ErrNotFound {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.group.delete", storage.ActorAdmin, admin.ActorRef), "group", key), http.StatusNoContent))
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
	}
}

// handleAdminSettings implements the JSON document store of spec.md §4.10's
// Settings entity: GET reads one key or lists all, POST writes a key's
// value. A written value is only checked to be well-formed JSON; no per-key
// schema is applied. Values are stored and returned as raw JSON.
func (s *Server) handleAdminSettings(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	key := r.URL.Query().Get("key")

	switch r.Method {
	case http.MethodGet:
		if key != "" {
			value, found, err := s.storage.GetSetting(ctx, key)
			if err != nil {
				s.writeError(w, r, apierr.Internal())
				return
			}
			if !found {
				s.writeError(w, r, apierr.New(apierr.KindNotFound, "setting not found"))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(value)
			return
		}
		settings, err := s.storage.ListSettings(ctx)
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		raw := make(map[string]json.RawMessage, len(settings))
		for k, v := range settings {
			raw[k] = v
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"settings": raw})

	case http.MethodPost:
		if key == "" {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "key is required"))
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSettingBytes))
		if err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
			return
		}
		if !json.Valid(body) {
			s.writeError(w, r, apierr.New(apierr.KindValidation, "value must be valid json"))
			return
		}
		if err := s.storage.PutSetting(ctx, key, body); err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.setting.update", storage.ActorAdmin, admin.ActorRef), "setting", key), http.StatusNoContent))
		w.WriteHeader(http.StatusNoContent)

	default:
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
	}
}

// maxSettingBytes bounds a single settings document; spec.md's settings are
// small provider-configuration blobs, not a general object store.
const maxSettingBytes = 1 << 20

// handleAdminJWKS exposes signing-key administration: GET lists every key
// (public material only), POST rotates immediately. spec.md §4.10 gives
// operators this as a manual response to suspected key compromise, on top of
// jwks.Manager's own scheduled rotation.
func (s *Server) handleAdminJWKS(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		keys, err := s.storage.ListSigningKeys(ctx)
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		type keyView struct {
			Kid       string `json:"kid"`
			Alg       string `json:"alg"`
			Active    bool   `json:"active"`
			CreatedAt string `json:"created_at"`
		}
		views := make([]keyView, 0, len(keys))
		for _, k := range keys {
			views = append(views, keyView{Kid: k.Kid, Alg: k.Alg, Active: k.Active, CreatedAt: k.CreatedAt.Format(time.RFC3339)})
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"keys": views, "active_kid": s.jwks.ActiveKid()})

	case http.MethodPost:
		if err := s.jwks.Rotate(ctx); err != nil {
			s.audit.Record(ctx, s.auditFailure(r, audit.Event("admin.jwks.rotate", storage.ActorAdmin, admin.ActorRef), apierr.KindInternal.StatusCode(), err))
			s.writeError(w, r, apierr.Internal())
			return
		}
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("admin.jwks.rotate", storage.ActorAdmin, admin.ActorRef), "signing_key", s.jwks.ActiveKid()), http.StatusOK))
		s.writeJSON(w, http.StatusOK, map[string]string{"active_kid": s.jwks.ActiveKid()})

	default:
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
	}
}

// handleAdminAudit exposes the append-only audit log for operator review,
// spec.md §7.
func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
		return
	}
	offset, limit := pageParams(r)
	events, total, err := s.storage.ListAuditEvents(r.Context(), offset, limit)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": total})
}
