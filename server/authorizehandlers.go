package server

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	jose "gopkg.in/square/go-jose.v2"

	"github.com/darkauth/darkauth/apierr"
	"github.com/darkauth/darkauth/audit"
	"github.com/darkauth/darkauth/internal/cryptoutil"
	"github.com/darkauth/darkauth/storage"
)

const (
	pendingAuthTTL = 10 * time.Minute
	authCodeTTL    = time.Minute
)

// handleAuthorize implements the /authorize leg of spec.md §4.7: it
// validates the client and PKCE parameters and opens a PendingAuth the
// front end later binds to an authenticated user via /authorize/finalize.
// It never itself prompts for credentials — that happens client side
// against /opaque/login/*.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	state := q.Get("state")
	nonce := q.Get("nonce")
	challenge := q.Get("code_challenge")
	challengeMethod := q.Get("code_challenge_method")

	ctx := r.Context()
	client, err := s.storage.GetClient(ctx, clientID)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "unknown client"))
		return
	}
	if !contains(client.RedirectURIs, redirectURI) {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "redirect_uri not registered for client"))
		return
	}
	if responseType != "code" {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "only response_type=code is supported"))
		return
	}
	if client.RequirePKCE && (challenge == "" || challengeMethod != "S256") {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "PKCE with S256 is required for this client"))
		return
	}

	pending := storage.PendingAuth{
		RequestID:           storage.NewSecureToken(24),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               state,
		Nonce:               nonce,
		CodeChallenge:       challenge,
		CodeChallengeMethod: challengeMethod,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(pendingAuthTTL),
	}
	if zkPub := q.Get("zk_pub"); zkPub != "" && client.ZKDelivery != storage.ZKDeliveryNone {
		canonical, kid, err := parseZKPubKey(zkPub)
		if err != nil {
			s.writeError(w, r, apierr.New(apierr.KindValidation, err.Error()))
			return
		}
		pending.ZKPubKey = canonical
		pending.ZKPubKid = kid
	}
	if err := s.storage.CreatePendingAuth(ctx, pending); err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"request_id": pending.RequestID})
}

// parseZKPubKey decodes a base64url-encoded JSON JWK, validates it is an EC
// P-256 public key per spec.md §4.3 step 5, and returns the decoded JSON
// bytes as supplied alongside a stable kid (the JWK's own kid, or an RFC 7638 thumbprint when
// absent).
func parseZKPubKey(raw string) (canonical []byte, kid string, err error) {
	decoded, err := cryptoutil.Base64URLDecode(raw)
	if err != nil {
		return nil, "", fmt.Errorf("zk_pub is not valid base64url")
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(decoded, &jwk); err != nil {
		return nil, "", fmt.Errorf("zk_pub is not a valid JWK")
	}
	pub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, "", fmt.Errorf("zk_pub must be an EC P-256 public key")
	}
	kid = jwk.KeyID
	if kid == "" {
		thumb, err := jwk.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, "", fmt.Errorf("zk_pub: computing thumbprint: %w", err)
		}
		kid = cryptoutil.Base64URLEncode(thumb)
	}
	return decoded, kid, nil
}

type authorizeFinalizeRequest struct {
	RequestID string `json:"request_id"`
	// Approve mirrors spec.md §4.4's literal approve="false" denial signal;
	// any other value (including absent) takes the approve path.
	Approve string `json:"approve,omitempty"`
	DRKHash string `json:"drk_hash,omitempty"`
}

// handleAuthorizeFinalize binds the caller's authenticated session to a
// pending authorization and either mints a single-use authorization code or,
// on explicit denial, reports access_denied back to the relying party,
// spec.md §4.4.
func (s *Server) handleAuthorizeFinalize(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), storage.ActorUser, r)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "no active session"))
		return
	}
	if sess.OTPRequired && !sess.OTPVerified {
		s.writeError(w, r, apierr.New(apierr.KindForbidden, "otp verification required").WithCode("otp_required"))
		return
	}
	if !s.sessions.CheckCSRF(sess, r.Header.Get("X-CSRF-Token")) {
		s.writeError(w, r, apierr.New(apierr.KindForbidden, "csrf check failed"))
		return
	}

	var req authorizeFinalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}

	ctx := r.Context()
	pending, err := s.storage.GetPendingAuth(ctx, req.RequestID)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "unknown or expired request_id"))
		return
	}
	if time.Now().After(pending.ExpiresAt) {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "request_id has expired"))
		return
	}
	if pending.UserSub == "" {
		bound, err := s.storage.BindPendingAuthUser(ctx, req.RequestID, sess.ActorRef)
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		if bound {
			pending.UserSub = sess.ActorRef
		} else if reloaded, err := s.storage.GetPendingAuth(ctx, req.RequestID); err == nil {
			pending = reloaded
		}
	}
	if pending.UserSub != sess.ActorRef {
		s.writeError(w, r, apierr.New(apierr.KindForbidden, "request_id is bound to a different user"))
		return
	}

	if req.Approve == "false" {
		_ = s.storage.DeletePendingAuth(ctx, req.RequestID)
		s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(
			audit.Event("authorize.deny", storage.ActorUser, sess.ActorRef), "client", pending.ClientID), http.StatusOK))
		s.writeJSON(w, http.StatusOK, map[string]string{
			"error":        "access_denied",
			"state":        pending.State,
			"redirect_uri": pending.RedirectURI,
		})
		return
	}

	client, err := s.storage.GetClient(ctx, pending.ClientID)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}

	code := storage.AuthCode{
		Code:                storage.NewSecureToken(32),
		ClientID:            pending.ClientID,
		UserSub:             sess.ActorRef,
		RedirectURI:         pending.RedirectURI,
		Nonce:               pending.Nonce,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		ExpiresAt:           time.Now().Add(authCodeTTL),
		HasZK:               client.ZKDelivery != storage.ZKDeliveryNone && pending.ZKPubKid != "",
		ZKPubKid:            pending.ZKPubKid,
		DRKHash:             req.DRKHash,
	}
	if err := s.storage.CreateAuthCode(ctx, code); err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	_ = s.storage.DeletePendingAuth(ctx, req.RequestID)

	s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(
		audit.Event("authorize.approve", storage.ActorUser, sess.ActorRef), "client", pending.ClientID), http.StatusOK))
	s.writeJSON(w, http.StatusOK, map[string]string{
		"redirect_uri": code.RedirectURI,
		"code":         code.Code,
		"state":        pending.State,
	})
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
