package server

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/darkauth/darkauth/apierr"
	"github.com/darkauth/darkauth/audit"
	"github.com/darkauth/darkauth/session"
	"github.com/darkauth/darkauth/storage"
)

type opaqueRegisterStartRequest struct {
	Email   string `json:"email"`
	Request string `json:"request"` // base64url RegistrationRequest
}

type opaqueRegisterStartResponse struct {
	Response string `json:"response"`
}

func (s *Server) handleOpaqueRegisterStart(w http.ResponseWriter, r *http.Request) {
	var req opaqueRegisterStartRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	reqBytes, err := base64.RawURLEncoding.DecodeString(req.Request)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "request is not valid base64url"))
		return
	}
	resp, err := s.pake.RegistrationResponse(storage.ActorUser, req.Email, reqBytes)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	s.writeJSON(w, http.StatusOK, opaqueRegisterStartResponse{Response: base64.RawURLEncoding.EncodeToString(resp)})
}

type opaqueRegisterFinishRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Upload string `json:"upload"` // base64url RegistrationRecord
}

func (s *Server) handleOpaqueRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req opaqueRegisterFinishRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	uploadBytes, err := base64.RawURLEncoding.DecodeString(req.Upload)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "upload is not valid base64url"))
		return
	}
	record, err := s.pake.FinalizeRegistration(uploadBytes)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "invalid registration upload"))
		return
	}

	ctx := r.Context()
	if user, err := s.storage.GetUserByEmail(ctx, req.Email); err == nil {
		history, err := s.storage.ListPakeRecordHistory(ctx, user.Sub)
		if err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
		for _, rec := range history {
			if sameDigest(rec.ExportKeyHash, record.RecordHash) {
				s.writeError(w, r, apierr.New(apierr.KindConflict, "password reuse is not allowed").WithCode("password_reused"))
				return
			}
		}
	}

	if _, err := s.storage.GetUserByEmail(ctx, req.Email); err == storage.ErrNotFound {
		if err := s.storage.CreateUser(ctx, storage.User{
			Sub:       storage.NewID(),
			Email:     req.Email,
			Name:      req.Name,
			CreatedAt: time.Now(),
		}); err != nil {
			s.writeError(w, r, apierr.Internal())
			return
		}
	}
	user, err := s.storage.GetUserByEmail(ctx, req.Email)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}

	if err := s.storage.PutPakeRecord(ctx, storage.PakeRecord{
		Sub:           user.Sub,
		Envelope:      record.Envelope,
		ServerPubkey:  record.ServerPubkey,
		ExportKeyHash: record.RecordHash,
		CreatedAt:     time.Now(),
		Current:       true,
	}); err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}

	s.audit.Record(ctx, s.auditRequest(r, audit.Event("user.register", storage.ActorUser, user.Sub), http.StatusOK))
	s.writeJSON(w, http.StatusOK, map[string]string{"sub": user.Sub})
}

type opaqueLoginStartRequest struct {
	Email string `json:"email"`
	KE1   string `json:"ke1"`
}

type opaqueLoginStartResponse struct {
	KE2       string `json:"ke2"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleOpaqueLoginStart(w http.ResponseWriter, r *http.Request) {
	var req opaqueLoginStartRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	ip := remoteAddr(r)
	if !s.limiter.Allow("login:ip:"+ip, time.Now()) || !s.limiter.Allow("login:email:"+req.Email, time.Now()) {
		s.writeError(w, r, apierr.New(apierr.KindRateLimited, "too many login attempts"))
		return
	}
	ke1Bytes, err := base64.RawURLEncoding.DecodeString(req.KE1)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "ke1 is not valid base64url"))
		return
	}

	ctx := r.Context()
	user, err := s.storage.GetUserByEmail(ctx, req.Email)
	envelope, err2 := s.pake.FakeEnvelope(req.Email)
	if err2 != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	ref := req.Email
	if err == nil {
		if rec, recErr := s.storage.GetPakeRecord(ctx, user.Sub); recErr == nil {
			envelope = rec.Envelope
			ref = user.Sub
		}
	}

	ke2, sessionID, err := s.pake.LoginInit(ctx, storage.ActorUser, ref, req.Email, envelope, ke1Bytes)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "authentication failed"))
		return
	}
	s.writeJSON(w, http.StatusOK, opaqueLoginStartResponse{
		KE2:       base64.RawURLEncoding.EncodeToString(ke2),
		SessionID: sessionID,
	})
}

type opaqueLoginFinishRequest struct {
	Email     string `json:"email"`
	SessionID string `json:"session_id"`
	KE3       string `json:"ke3"`
}

func (s *Server) handleOpaqueLoginFinish(w http.ResponseWriter, r *http.Request) {
	var req opaqueLoginFinishRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	ke3Bytes, err := base64.RawURLEncoding.DecodeString(req.KE3)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "ke3 is not valid base64url"))
		return
	}

	ctx := r.Context()
	if _, err := s.pake.LoginFinish(ctx, req.SessionID, req.Email, ke3Bytes); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "authentication failed"))
		return
	}

	user, err := s.storage.GetUserByEmail(ctx, req.Email)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "authentication failed"))
		return
	}
	s.limiter.Reset("login:email:" + req.Email)

	eff, err := s.rbac.Resolve(ctx, user.Sub)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	otpEnabled, err := s.otp.Enabled(ctx, storage.ActorUser, user.Sub)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}

	created, err := s.sessions.Create(ctx, storage.ActorUser, user.Sub, user.Email, user.Name, "", eff.RequiresOTP || otpEnabled)
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	http.SetCookie(w, created.Cookie)
	s.audit.Record(ctx, s.auditRequest(r, audit.Event("user.login", storage.ActorUser, user.Sub), http.StatusOK))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token":    created.CSRFSecret,
		"refresh_token": created.RefreshToken,
		"otp_required":  eff.RequiresOTP || otpEnabled,
	})
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), storage.ActorUser, r)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindUnauthorized, "no active session"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sub":          sess.ActorRef,
		"email":        sess.Email,
		"name":         sess.Name,
		"otp_required": sess.OTPRequired,
		"otp_verified": sess.OTPVerified,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, sessErr := s.sessions.Get(ctx, storage.ActorUser, r)
	if err := s.sessions.Revoke(ctx, storage.ActorUser, r); err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	http.SetCookie(w, session.DeleteCookie(storage.ActorUser))
	if sessErr == nil {
		s.audit.Record(ctx, s.auditRequest(r, audit.Event("user.logout", storage.ActorUser, sess.ActorRef), http.StatusNoContent))
	}
	w.WriteHeader(http.StatusNoContent)
}

func sameDigest(a, b []byte) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
