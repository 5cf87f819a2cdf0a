package server

import (
	"encoding/base64"
	"net/http"

	"github.com/darkauth/darkauth/apierr"
	"github.com/darkauth/darkauth/audit"
	"github.com/darkauth/darkauth/install"
	"github.com/darkauth/darkauth/storage"
)

// handleInstall implements spec.md §4.12's one-shot bootstrap: GET reports
// install status, POST consumes the install token and creates the first
// admin, organization, and builtin roles. There is no session requirement
// here — the install token itself is the credential, and it is good for
// exactly one successful POST.
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleInstallStatus(w, r)
	case http.MethodPost:
		s.handleInstallComplete(w, r)
	default:
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
	}
}

func (s *Server) handleInstallStatus(w http.ResponseWriter, r *http.Request) {
	installed, err := s.install.IsInstalled(r.Context())
	if err != nil {
		s.writeError(w, r, apierr.Internal())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"installed": installed})
}

type installCompleteRequest struct {
	Token      string `json:"token"`
	AdminEmail string `json:"admin_email"`
	AdminName  string `json:"admin_name"`
	Upload     string `json:"admin_pake_upload"` // base64url RegistrationUpload
	OrgName    string `json:"org_name"`
	OrgSlug    string `json:"org_slug"`
}

func (s *Server) handleInstallComplete(w http.ResponseWriter, r *http.Request) {
	var req installCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "malformed request body"))
		return
	}
	uploadBytes, err := base64.RawURLEncoding.DecodeString(req.Upload)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindValidation, "admin_pake_upload is not valid base64url"))
		return
	}
	record, err := s.pake.FinalizeRegistration(uploadBytes)
	if err != nil {
		s.writeError(w, r, apierr.New(apierr.KindInvalidRequest, "invalid registration upload"))
		return
	}

	err = s.install.Complete(r.Context(), install.Params{
		Token:           req.Token,
		AdminEmail:      req.AdminEmail,
		AdminName:       req.AdminName,
		AdminPakeRecord: record,
		OrgName:         req.OrgName,
		OrgSlug:         req.OrgSlug,
	})
	if err != nil {
		if apiErr := apierr.As(err); apiErr != nil {
			s.writeError(w, r, apiErr)
			return
		}
		s.writeError(w, r, apierr.Internal())
		return
	}

	ctx := r.Context()
	adminRef := req.AdminEmail
	if admin, err := s.storage.GetAdminByEmail(ctx, req.AdminEmail); err == nil {
		adminRef = admin.ID
	}
	s.audit.Record(ctx, s.auditRequest(r, audit.Event("install.complete", storage.ActorAdmin, adminRef), http.StatusNoContent))
	w.WriteHeader(http.StatusNoContent)
}
