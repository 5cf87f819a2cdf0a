package server

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"

	"github.com/darkauth/darkauth/pkg/log"
)

// withRequestContext injects a fresh request id and the caller's remote
// address into the request context so pkg/log's handler can attach them to
// every log line the request produces, grounded on dex's
// WithRequestID/WithRemoteIP context helpers. It also wraps the
// ResponseWriter with httpsnoop so the completion log line below carries the
// status code and duration Prometheus's instrumentation never surfaces to
// slog.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.WithRequestID(r.Context(), uuid.NewString())
		ctx = log.WithRemoteIP(ctx, remoteAddr(r))
		r = r.WithContext(ctx)

		metrics := httpsnoop.CaptureMetrics(next, w, r)

		s.logger.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", metrics.Code, "duration", metrics.Duration,
			"bytes_written", metrics.Written)
	})
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
