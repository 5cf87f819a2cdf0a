// Package server assembles DarkAuth's HTTP surface: the gorilla/mux route
// table, CORS wrapping, request-id/remote-ip context injection, Prometheus
// instrumentation, and the periodic garbage-collection loop. The route
// table construction, handlerWithHeaders/instrumentHandler wrapping, and
// GC-loop shape are all grounded on dexidp/dex's server/server.go; the
// route list itself is DarkAuth's own.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darkauth/darkauth/audit"
	"github.com/darkauth/darkauth/install"
	"github.com/darkauth/darkauth/jwks"
	"github.com/darkauth/darkauth/kek"
	"github.com/darkauth/darkauth/otp"
	"github.com/darkauth/darkauth/pakeengine"
	"github.com/darkauth/darkauth/ratelimit"
	"github.com/darkauth/darkauth/rbac"
	"github.com/darkauth/darkauth/session"
	"github.com/darkauth/darkauth/storage"
)

// Config is the Server's external configuration, supplied by cmd/darkauth.
type Config struct {
	Issuer             string
	AllowedOrigins     []string
	AllowedHeaders     []string
	GCFrequency        time.Duration
	PrometheusRegistry *prometheus.Registry
	LoginRateLimit     int
	LoginRateWindow    time.Duration
}

// Server holds every service the HTTP handlers need and the assembled mux.
type Server struct {
	storage    storage.Storage
	jwks       *jwks.Manager
	kek        *kek.KEK
	pake       *pakeengine.Engine
	otp        *otp.Service
	rbac       *rbac.Resolver
	sessions   *session.Manager
	install    *install.Bootstrapper
	audit      audit.Sink
	limiter    *ratelimit.Limiter

	issuer  string
	logger  *slog.Logger
	mux     *mux.Router
}

// Services bundles the already-constructed domain services New assembles a
// router around, so cmd/darkauth owns their lifetimes and this package only
// wires HTTP to them.
type Services struct {
	Storage  storage.Storage
	JWKS     *jwks.Manager
	KEK      *kek.KEK
	Pake     *pakeengine.Engine
	OTP      *otp.Service
	RBAC     *rbac.Resolver
	Sessions *session.Manager
	Install  *install.Bootstrapper
	Audit    audit.Sink
}

// New builds the Server and its route table.
func New(cfg Config, svc Services, logger *slog.Logger) *Server {
	s := &Server{
		storage:  svc.Storage,
		jwks:     svc.JWKS,
		kek:      svc.KEK,
		pake:     svc.Pake,
		otp:      svc.OTP,
		rbac:     svc.RBAC,
		sessions: svc.Sessions,
		install:  svc.Install,
		audit:    svc.Audit,
		limiter:  ratelimit.New(value(cfg.LoginRateLimit, 10), value(cfg.LoginRateWindow, time.Minute)),
		issuer:   cfg.Issuer,
		logger:   logger,
	}
	s.mux = s.buildRouter(cfg)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) buildRouter(cfg Config) *mux.Router {
	var requestCounter *prometheus.CounterVec
	var durationHist *prometheus.HistogramVec
	if cfg.PrometheusRegistry != nil {
		requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darkauth_http_requests_total",
			Help: "Count of all HTTP requests.",
		}, []string{"code", "method", "handler"})
		durationHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "darkauth_request_duration_seconds",
			Help:    "A histogram of latencies for requests.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"code", "method", "handler"})
		cfg.PrometheusRegistry.MustRegister(requestCounter, durationHist)
	}

	instrument := func(name string, h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		if requestCounter != nil {
			handler = promhttp.InstrumentHandlerDuration(durationHist.MustCurryWith(prometheus.Labels{"handler": name}),
				promhttp.InstrumentHandlerCounter(requestCounter.MustCurryWith(prometheus.Labels{"handler": name}), handler))
		}
		return s.withRequestContext(handler)
	}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.NotFoundHandler = http.NotFoundHandler()

	handle := func(path string, name string, h http.HandlerFunc) {
		r.Handle(path, instrument(name, h))
	}
	withCORS := func(h http.Handler) http.Handler {
		if len(cfg.AllowedOrigins) == 0 {
			return h
		}
		return handlers.CORS(
			handlers.AllowedOrigins(cfg.AllowedOrigins),
			handlers.AllowedHeaders(append(cfg.AllowedHeaders, "Content-Type", "X-CSRF-Token")),
			handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
			handlers.AllowCredentials(),
		)(h)
	}
	handleCORS := func(path, name string, h http.HandlerFunc) {
		r.Handle(path, withCORS(instrument(name, h)))
	}

	handleCORS("/.well-known/openid-configuration", "discovery", s.handleDiscovery)
	handleCORS("/.well-known/jwks.json", "jwks", s.handleJWKS)

	handle("/install", "install", s.handleInstall)

	handle("/opaque/register/start", "opaque-register-start", s.handleOpaqueRegisterStart)
	handle("/opaque/register/finish", "opaque-register-finish", s.handleOpaqueRegisterFinish)
	handle("/opaque/login/start", "opaque-login-start", s.handleOpaqueLoginStart)
	handle("/opaque/login/finish", "opaque-login-finish", s.handleOpaqueLoginFinish)

	handleCORS("/authorize", "authorize", s.handleAuthorize)
	handle("/authorize/finalize", "authorize-finalize", s.handleAuthorizeFinalize)
	handleCORS("/token", "token", s.handleToken)

	handle("/session", "session", s.handleSessionInfo)
	handle("/logout", "logout", s.handleLogout)
	handleCORS("/userinfo", "userinfo", s.handleUserinfo)
	handle("/otp/enroll", "otp-enroll", s.handleOTPEnroll)
	handle("/otp/confirm", "otp-confirm", s.handleOTPConfirm)
	handle("/otp/verify", "otp-verify", s.handleOTPVerify)
	handle("/otp/disable", "otp-disable", s.handleOTPDisable)

	handle("/crypto/wrapped-drk", "wrapped-drk", s.handleWrappedDRK)

	handle("/admin/users", "admin-users", s.handleAdminUsers)
	handle("/admin/clients", "admin-clients", s.handleAdminClients)
	handle("/admin/organizations", "admin-organizations", s.handleAdminOrganizations)
	handle("/admin/roles", "admin-roles", s.handleAdminRoles)
	handle("/admin/permissions", "admin-permissions", s.handleAdminPermissions)
	handle("/admin/groups", "admin-groups", s.handleAdminGroups)
	handle("/admin/settings", "admin-settings", s.handleAdminSettings)
	handle("/admin/jwks", "admin-jwks", s.handleAdminJWKS)
	handle("/admin/otp", "admin-otp", s.handleAdminOTP)
	handle("/admin/audit", "admin-audit", s.handleAdminAudit)

	if requestCounter != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.PrometheusRegistry, promhttp.HandlerOpts{}))
	}

	return r
}

// StartBackgroundLoops launches the signing-key rotation and GC loops; both
// exit when ctx is canceled.
func (s *Server) StartBackgroundLoops(ctx context.Context, gcFrequency time.Duration) {
	s.jwks.Start(ctx)
	go s.gcLoop(ctx, value(gcFrequency, 5*time.Minute))
	go s.sweepLoop(ctx)
}

func (s *Server) gcLoop(ctx context.Context, frequency time.Duration) {
	ticker := time.NewTicker(frequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.storage.GarbageCollect(ctx, time.Now(), time.Hour)
			if err != nil {
				s.logger.Error("garbage collection failed", "err", err)
				continue
			}
			if res.AuthCodes+res.PendingAuths+res.Sessions+res.RefreshTokens > 0 {
				s.logger.Info("garbage collection run",
					"auth_codes", res.AuthCodes, "pending_auths", res.PendingAuths,
					"sessions", res.Sessions, "refresh_tokens", res.RefreshTokens)
			}
		}
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Sweep(time.Now())
		}
	}
}

func value[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}
