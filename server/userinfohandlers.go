package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/darkauth/darkauth/apierr"
)

// handleUserinfo implements the /userinfo endpoint discovery advertises,
// spec.md §6: a bearer access token (the same ES256-signed JWS issueTokens
// mints) in, the subject's standard claims plus the RBAC resolver's
// permissions/groups out.
func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "bearer access token required"))
		return
	}
	payload, err := s.jwks.Verify(token)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "invalid access token"))
		return
	}
	var claims struct {
		Sub string `json:"sub"`
		Exp int64  `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Sub == "" {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "invalid access token"))
		return
	}
	if claims.Exp != 0 && time.Now().Unix() > claims.Exp {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "access token expired"))
		return
	}

	ctx := r.Context()
	user, err := s.storage.GetUser(ctx, claims.Sub)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "invalid access token"))
		return
	}
	eff, err := s.rbac.Resolve(ctx, user.Sub)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sub":            user.Sub,
		"email":          user.Email,
		"email_verified": user.Email != "",
		"name":           user.Name,
		"permissions":    eff.PermissionKeys(),
		"groups":         nonEmpty(eff.Groups),
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
