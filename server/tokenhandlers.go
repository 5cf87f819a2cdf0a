package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/darkauth/darkauth/apierr"
	"github.com/darkauth/darkauth/audit"
	"github.com/darkauth/darkauth/internal/cryptoutil"
	"github.com/darkauth/darkauth/storage"
)

const (
	defaultAccessTokenLifetime  = 5 * time.Minute
	defaultIDTokenLifetime      = 5 * time.Minute
	defaultRefreshTokenLifetime = 30 * 24 * time.Hour
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ZKDRKHash    string `json:"zk_drk_hash,omitempty"`
}

// handleToken implements the /token endpoint of spec.md §4.7/§6: the
// authorization_code, refresh_token, and client_credentials grants, all
// behind the same client-authentication gate.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "malformed form body"))
		return
	}
	grantType := r.PostFormValue("grant_type")
	clientID, clientSecret, ok := clientCredentials(r)
	if !ok {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "client authentication not supplied"))
		return
	}

	ctx := r.Context()
	client, err := s.storage.GetClient(ctx, clientID)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorizedClient, "unknown client"))
		return
	}
	if client.TokenEndpointAuthMethod == storage.AuthMethodClientSecretBasic {
		if !s.verifyClientSecret(client, clientSecret) {
			s.writeError(w, r, apierr.New(apierr.KindUnauthorizedClient, "invalid client credentials"))
			return
		}
	}

	switch grantType {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r, client)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r, client)
	case "client_credentials":
		s.handleClientCredentialsGrant(w, r, client)
	default:
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "unsupported grant_type"))
	}
}

func clientCredentials(r *http.Request) (id, secret string, ok bool) {
	if id, secret, ok = r.BasicAuth(); ok {
		return id, secret, true
	}
	id = r.PostFormValue("client_id")
	secret = r.PostFormValue("client_secret")
	if id == "" {
		return "", "", false
	}
	return id, secret, true
}

func (s *Server) verifyClientSecret(client storage.Client, presented string) bool {
	if len(client.ClientSecretEnc) == 0 {
		return false
	}
	want, err := s.kek.Unwrap(client.ClientSecretEnc, []byte("client-secret:"+client.ClientID))
	if err != nil {
		return false
	}
	return cryptoutil.ConstantTimeEqual(want, []byte(presented))
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, client storage.Client) {
	ctx := r.Context()
	rawCode := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	verifier := r.PostFormValue("code_verifier")

	code, err := s.storage.GetAuthCode(ctx, rawCode)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindInvalidGrant, "unknown authorization code"))
		return
	}
	if code.ClientID != client.ClientID || code.RedirectURI != redirectURI {
		s.writeError(w, r, apierr.New(apierr.KindInvalidGrant, "code does not match client or redirect_uri"))
		return
	}
	if time.Now().After(code.ExpiresAt) {
		s.writeError(w, r, apierr.New(apierr.KindInvalidGrant, "authorization code expired"))
		return
	}
	if code.CodeChallenge != "" {
		if verifier == "" || !cryptoutil.VerifyS256(verifier, code.CodeChallenge) {
			s.writeError(w, r, apierr.New(apierr.KindInvalidGrant, "pkce verification failed"))
			return
		}
	}

	changed, rec, err := s.storage.RedeemAuthCode(ctx, rawCode)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	if !changed {
		// Replay of an already-consumed code: spec.md §4.7 treats this as a
		// signal the code may have been intercepted, so burn every session
		// it ever produced. We have no back-reference, so we at minimum
		// refuse to mint new tokens.
		s.writeError(w, r, apierr.New(apierr.KindInvalidGrant, "authorization code already used"))
		return
	}

	user, err := s.storage.GetUser(ctx, rec.UserSub)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	idToken, accessToken, err := s.issueTokens(ctx, client, user, rec.Nonce)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}

	resp := tokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(lifetimeOrDefault(client.IDTokenLifetimeSeconds, defaultAccessTokenLifetime).Seconds()),
		IDToken:     idToken,
		Scope:       strings.Join(client.Scopes, " "),
	}
	if rec.HasZK {
		resp.ZKDRKHash = rec.DRKHash
	}

	if contains(client.GrantTypes, "refresh_token") {
		created, err := s.sessions.Create(ctx, storage.ActorUser, user.Sub, user.Email, user.Name, client.ClientID, false)
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		resp.RefreshToken = created.RefreshToken
	}

	s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("token.issue", storage.ActorUser, user.Sub), "client", client.ClientID), http.StatusOK))
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, client storage.Client) {
	ctx := r.Context()
	raw := r.PostFormValue("refresh_token")
	if raw == "" {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "refresh_token is required"))
		return
	}
	newRaw, sess, err := s.sessions.Rotate(ctx, raw)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindInvalidGrant, "invalid or reused refresh token"))
		return
	}
	// The aud of the reissued ID token must stay pinned to the client the
	// session was originally created for; a different authenticated client
	// presenting someone else's refresh token must not be able to redeem it.
	if sess.ClientID != client.ClientID {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorizedClient, "refresh token was not issued to this client"))
		return
	}
	user, err := s.storage.GetUser(ctx, sess.ActorRef)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	idToken, accessToken, err := s.issueTokens(ctx, client, user, "")
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(audit.Event("token.issue", storage.ActorUser, user.Sub), "client", client.ClientID), http.StatusOK))
	s.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(lifetimeOrDefault(client.IDTokenLifetimeSeconds, defaultAccessTokenLifetime).Seconds()),
		IDToken:      idToken,
		RefreshToken: newRaw,
		Scope:        strings.Join(client.Scopes, " "),
	})
}

func (s *Server) handleClientCredentialsGrant(w http.ResponseWriter, r *http.Request, client storage.Client) {
	if client.Type != storage.ClientConfidential {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorizedClient, "client_credentials requires a confidential client"))
		return
	}
	if !contains(client.GrantTypes, "client_credentials") {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorizedClient, "client is not registered for client_credentials"))
		return
	}
	ctx := r.Context()
	scope := strings.TrimSpace(r.PostFormValue("scope"))
	requested := client.Scopes
	if scope != "" {
		requested = strings.Fields(scope)
		for _, sc := range requested {
			if !contains(client.Scopes, sc) {
				s.writeError(w, r, apierr.New(apierr.KindInvalidScope, "scope exceeds the client's registered scopes"))
				return
			}
		}
	}
	claims := map[string]any{
		"iss":   s.issuer,
		"sub":   client.ClientID,
		"aud":   s.issuer,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(lifetimeOrDefault(client.IDTokenLifetimeSeconds, defaultAccessTokenLifetime)).Unix(),
		"scope": strings.Join(requested, " "),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	accessToken, err := s.jwks.Sign(payload)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	s.audit.Record(ctx, s.auditRequest(r, audit.Event("token.issue", storage.ActorUser, client.ClientID), http.StatusOK))
	s.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(lifetimeOrDefault(client.IDTokenLifetimeSeconds, defaultAccessTokenLifetime).Seconds()),
		Scope:       strings.Join(requested, " "),
	})
}

// issueTokens mints an ID token with the claim set spec.md §4.5.1 step 7
// requires (including the RBAC resolver's permissions/groups) and an
// ES256-signed access token sharing the same subject/audience.
func (s *Server) issueTokens(ctx context.Context, client storage.Client, user storage.User, nonce string) (idToken, accessToken string, err error) {
	eff, err := s.rbac.Resolve(ctx, user.Sub)
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	idLifetime := lifetimeOrDefault(client.IDTokenLifetimeSeconds, defaultIDTokenLifetime)
	idClaims := map[string]any{
		"iss":            s.issuer,
		"sub":            user.Sub,
		"aud":            client.ClientID,
		"iat":            now.Unix(),
		"exp":            now.Add(idLifetime).Unix(),
		"email":          user.Email,
		"email_verified": user.Email != "",
		"name":           user.Name,
		"permissions":    eff.PermissionKeys(),
		"groups":         nonEmpty(eff.Groups),
	}
	if nonce != "" {
		idClaims["nonce"] = nonce
	}
	idPayload, err := json.Marshal(idClaims)
	if err != nil {
		return "", "", err
	}
	idToken, err = s.jwks.Sign(idPayload)
	if err != nil {
		return "", "", err
	}

	accessClaims := map[string]any{
		"iss":   s.issuer,
		"sub":   user.Sub,
		"aud":   client.ClientID,
		"iat":   now.Unix(),
		"exp":   now.Add(defaultAccessTokenLifetime).Unix(),
		"scope": strings.Join(client.Scopes, " "),
	}
	accessPayload, err := json.Marshal(accessClaims)
	if err != nil {
		return "", "", err
	}
	accessToken, err = s.jwks.Sign(accessPayload)
	if err != nil {
		return "", "", err
	}
	return idToken, accessToken, nil
}

func lifetimeOrDefault(seconds *int, fallback time.Duration) time.Duration {
	if seconds == nil || *seconds <= 0 {
		return fallback
	}
	return time.Duration(*seconds) * time.Second
}

// nonEmpty turns a nil slice into an empty one so claims like groups[]
// serialize as [] rather than null.
func nonEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
