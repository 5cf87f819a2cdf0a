package server

import (
	"net/http"

	"github.com/darkauth/darkauth/apierr"
	"github.com/darkauth/darkauth/audit"
	"github.com/darkauth/darkauth/otp"
	"github.com/darkauth/darkauth/storage"
)

func (s *Server) handleOTPEnroll(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), storage.ActorUser, r)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "no active session"))
		return
	}
	uri, err := s.otp.Enroll(r.Context(), storage.ActorUser, sess.ActorRef, sess.Email)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"otpauth_uri": uri})
}

type otpCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleOTPConfirm(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), storage.ActorUser, r)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "no active session"))
		return
	}
	if !s.sessions.CheckCSRF(sess, r.Header.Get("X-CSRF-Token")) {
		s.writeError(w, r, apierr.New(apierr.KindForbidden, "csrf check failed"))
		return
	}
	var req otpCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	if err := s.otp.Confirm(r.Context(), storage.ActorUser, sess.ActorRef, req.Code); err != nil {
		s.audit.Record(r.Context(), s.auditFailure(r, audit.Event("otp.enable", storage.ActorUser, sess.ActorRef), apierr.KindInvalidRequest.StatusCode(), err))
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "invalid otp code"))
		return
	}
	s.audit.Record(r.Context(), s.auditRequest(r, audit.Event("otp.enabled", storage.ActorUser, sess.ActorRef), http.StatusNoContent))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), storage.ActorUser, r)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "no active session"))
		return
	}
	var req otpCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	ctx := r.Context()
	if err := s.otp.Verify(ctx, storage.ActorUser, sess.ActorRef, req.Code); err != nil {
		switch err {
		case otp.ErrLocked:
			s.audit.Record(ctx, s.auditFailure(r, audit.Event("otp.locked", storage.ActorUser, sess.ActorRef), apierr.KindLocked.StatusCode(), err))
			s.writeError(w, r, apierr.New(apierr.KindLocked, "otp locked after too many failures"))
		default:
			s.audit.Record(ctx, s.auditFailure(r, audit.Event("otp.verify", storage.ActorUser, sess.ActorRef), apierr.KindInvalidRequest.StatusCode(), err))
			s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "invalid otp code"))
		}
		return
	}
	if err := s.sessions.MarkOTPVerified(ctx, sess.SessionIDHash); err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	s.audit.Record(ctx, s.auditRequest(r, audit.Event("otp.verify", storage.ActorUser, sess.ActorRef), http.StatusNoContent))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOTPDisable(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), storage.ActorUser, r)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "no active session"))
		return
	}
	if !s.sessions.CheckCSRF(sess, r.Header.Get("X-CSRF-Token")) {
		s.writeError(w, r, apierr.New(apierr.KindForbidden, "csrf check failed"))
		return
	}
	if err := s.otp.Disable(r.Context(), storage.ActorUser, sess.ActorRef); err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	s.audit.Record(r.Context(), s.auditRequest(r, audit.Event("otp.disabled", storage.ActorUser, sess.ActorRef), http.StatusNoContent))
	w.WriteHeader(http.StatusNoContent)
}

// otpAdminActionRequest names the admin-only second-factor control spec.md
// §4.8 requires: disable (remove enrollment entirely), reset (alias of
// disable so the actor must re-enroll), or unlock (clear a lockout without
// touching enrollment).
type otpAdminActionRequest struct {
	ActorKind string `json:"actor_kind"`
	ActorRef  string `json:"actor_ref"`
	Action    string `json:"action"`
}

// handleAdminOTP implements the admin-facing counterpart to the self-service
// OTP endpoints above: a write-admin can disable, reset, or unlock any
// user's or admin's second factor, and every call is audited.
func (s *Server) handleAdminOTP(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
		return
	}
	var req otpAdminActionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	kind := storage.ActorKind(req.ActorKind)
	if req.ActorRef == "" || (kind != storage.ActorUser && kind != storage.ActorAdmin) {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "actor_kind and actor_ref are required"))
		return
	}

	ctx := r.Context()
	var err error
	switch req.Action {
	case "disable", "reset":
		err = s.otp.Reset(ctx, kind, req.ActorRef)
	case "unlock":
		err = s.otp.Unlock(ctx, kind, req.ActorRef)
	default:
		s.writeError(w, r, apierr.New(apierr.KindValidation, "action must be disable, reset, or unlock"))
		return
	}
	if err != nil {
		s.audit.Record(ctx, s.auditFailure(r, audit.WithResource(
			audit.Event("admin.otp."+req.Action, storage.ActorAdmin, admin.ActorRef), req.ActorKind, req.ActorRef), apierr.KindInternal.StatusCode(), err))
		s.writeError(w, r, apierr.Internal())
		return
	}
	s.audit.Record(ctx, s.auditRequest(r, audit.WithResource(
		audit.Event("admin.otp."+req.Action, storage.ActorAdmin, admin.ActorRef), req.ActorKind, req.ActorRef), http.StatusNoContent))
	w.WriteHeader(http.StatusNoContent)
}
