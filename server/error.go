package server

import (
	"encoding/json"
	"net/http"

	"github.com/darkauth/darkauth/apierr"
)

// errorBody is the wire shape for every non-2xx response, spec.md §7.
type errorBody struct {
	Error            string         `json:"error"`
	ErrorDescription string         `json:"error_description,omitempty"`
	Code             string         `json:"code,omitempty"`
	Detail           map[string]any `json:"detail,omitempty"`
}

// writeError maps an *apierr.Error to its HTTP status and JSON body. Any
// other error is logged with its real cause and rendered as an opaque
// internal error, never leaking cause to the client (spec.md §7).
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierr.As(err)
	if apiErr == nil {
		s.logger.ErrorContext(r.Context(), "unhandled error", "err", err)
		apiErr = apierr.Internal()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Kind.StatusCode())
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:            string(apiErr.Kind),
		ErrorDescription: apiErr.Description,
		Code:             apiErr.Code,
		Detail:           apiErr.Detail,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "err", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
