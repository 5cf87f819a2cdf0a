package server

import (
	"net/http"

	"github.com/darkauth/darkauth/audit"
	"github.com/darkauth/darkauth/storage"
)

// auditRequest attaches the HTTP context spec.md §7 requires on every audit
// event (method, path, status, caller IP, user agent) to e.
func (s *Server) auditRequest(r *http.Request, e storage.AuditEvent, statusCode int) storage.AuditEvent {
	return audit.WithRequest(e, r.Method, r.URL.Path, statusCode, remoteAddr(r), r.Header.Get("User-Agent"))
}

// auditFailure is auditRequest plus audit.WithError, for the failure-path
// events spec.md §7 expects alongside their successful counterparts.
func (s *Server) auditFailure(r *http.Request, e storage.AuditEvent, statusCode int, cause error) storage.AuditEvent {
	return audit.WithError(s.auditRequest(r, e, statusCode), cause)
}
