package server

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/darkauth/darkauth/apierr"
	"github.com/darkauth/darkauth/storage"
)

// handleWrappedDRK implements spec.md §3.10/§4.9's zero-knowledge Data Root
// Key delivery: the server only ever stores and returns an opaque blob the
// client wrapped client-side against its own public key. GET fetches the
// blob for a kid the caller's session owns; PUT stores/replaces it. The
// server never sees or derives the DRK itself.
func (s *Server) handleWrappedDRK(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), storage.ActorUser, r)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "no active session"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleGetWrappedDRK(w, r, sess)
	case http.MethodPut:
		s.handlePutWrappedDRK(w, r, sess)
	default:
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
	}
}

func (s *Server) handleGetWrappedDRK(w http.ResponseWriter, r *http.Request, sess storage.Session) {
	kid := r.URL.Query().Get("kid")
	if kid == "" {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "kid is required"))
		return
	}
	wrapped, err := s.storage.GetWrappedDRK(r.Context(), sess.ActorRef, kid)
	if err == storage.ErrNotFound {
		s.writeError(w, r, apierr.New(apierr.KindNotFound, "no wrapped DRK for this kid"))
		return
	}
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"kid":  wrapped.Kid,
		"blob": base64.RawURLEncoding.EncodeToString(wrapped.Blob),
	})
}

type wrappedDRKRequest struct {
	Kid  string `json:"kid"`
	Blob string `json:"blob"` // base64url, client-wrapped DRK ciphertext
}

func (s *Server) handlePutWrappedDRK(w http.ResponseWriter, r *http.Request, sess storage.Session) {
	if !s.sessions.CheckCSRF(sess, r.Header.Get("X-CSRF-Token")) {
		s.writeError(w, r, apierr.New(apierr.KindForbidden, "csrf check failed"))
		return
	}
	var req wrappedDRKRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	if req.Kid == "" {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "kid is required"))
		return
	}
	blob, err := base64.RawURLEncoding.DecodeString(req.Blob)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "blob is not valid base64url"))
		return
	}
	if err := s.storage.PutWrappedDRK(r.Context(), storage.WrappedDRK{
		UserSub:   sess.ActorRef,
		Kid:       req.Kid,
		Blob:      blob,
		UpdatedAt: time.Now(),
	}); err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
