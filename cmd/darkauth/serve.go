package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/ghodss/yaml"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/darkauth/darkauth/audit"
	"github.com/darkauth/darkauth/install"
	"github.com/darkauth/darkauth/jwks"
	"github.com/darkauth/darkauth/kek"
	"github.com/darkauth/darkauth/otp"
	"github.com/darkauth/darkauth/pakeengine"
	"github.com/darkauth/darkauth/pkg/log"
	"github.com/darkauth/darkauth/rbac"
	"github.com/darkauth/darkauth/server"
	"github.com/darkauth/darkauth/session"
	"github.com/darkauth/darkauth/storage"
	storagesql "github.com/darkauth/darkauth/storage/sql"
)

type serveOptions struct {
	config string

	webHTTPAddr   string
	webHTTPSAddr  string
	telemetryAddr string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch DarkAuth",
		Example: "darkauth serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.webHTTPAddr, "web-http-addr", "", "Web HTTP address")
	flags.StringVar(&options.webHTTPSAddr, "web-https-addr", "", "Web HTTPS address")
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", "", "Telemetry address")
	return cmd
}

func applyConfigOverrides(options serveOptions, c *Config) {
	if options.webHTTPAddr != "" {
		c.Web.HTTP = options.webHTTPAddr
	}
	if options.webHTTPSAddr != "" {
		c.Web.HTTPS = options.webHTTPSAddr
	}
	if options.telemetryAddr != "" {
		c.Web.TelemetryHTTP = options.telemetryAddr
	}
}

// serverRunner manages one listener's lifecycle inside an oklog/run.Group,
// grounded on dex's cmd/dex serverRunner.
type serverRunner struct {
	name string
	srv  *http.Server

	tlsCrt string
	tlsKey string

	logger *slog.Logger
}

func newServerRunner(name string, srv *http.Server, logger *slog.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) WithTLS(crt, key string) *serverRunner {
	s.tlsCrt = crt
	s.tlsKey = key
	return s
}

func (s *serverRunner) run(listener net.Listener) error {
	if s.tlsCrt != "" && s.tlsKey != "" {
		return s.srv.ServeTLS(listener, s.tlsCrt, s.tlsKey)
	}
	return s.srv.Serve(listener)
}

func (s *serverRunner) addTo(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", s.name, s.srv.Addr, err)
	}
	gr.Add(func() error {
		s.logger.Info("listening", "server", s.name, "addr", s.srv.Addr)
		return s.run(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.logger.Debug("starting graceful shutdown", "server", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Error("graceful shutdown failed", "server", s.name, "err", err)
		}
	})
	return nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log level is not one of the supported values (debug, info, warn, error): %s", level)
	}
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

func runServe(options serveOptions) error {
	configData, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", options.config, err)
	}

	var c Config
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", options.config, err)
	}
	if err := replaceEnvKeys(&c, os.Getenv); err != nil {
		return fmt.Errorf("error replacing env keys in config file %s: %w", options.config, err)
	}
	applyConfigOverrides(options, &c)

	level, err := parseLogLevel(c.Logger.Level)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := log.New(level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	logger.Info("starting darkauth", "issuer", c.Issuer)

	store, err := storagesql.Open(c.Storage.Config, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	secret, err := c.KEK.resolveSecret()
	if err != nil {
		return err
	}
	salt, err := c.KEK.resolveSalt()
	if err != nil {
		return fmt.Errorf("invalid config: kek.saltB64: %w", err)
	}
	kekInst, err := kek.Derive(secret, salt)
	if err != nil {
		return fmt.Errorf("failed to derive kek: %w", err)
	}

	ctx := context.Background()
	pake, err := loadOrGeneratePake(ctx, store, kekInst)
	if err != nil {
		return fmt.Errorf("failed to initialize pake engine: %w", err)
	}

	rotation, err := parseDuration(c.SigningKeyRotation, 30*24*time.Hour)
	if err != nil {
		return fmt.Errorf("invalid config value for signingKeyRotation: %w", err)
	}
	overlap, err := parseDuration(c.SigningKeyOverlap, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("invalid config value for signingKeyOverlap: %w", err)
	}
	jwksMgr, err := jwks.New(store, kekInst, rotation, overlap, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize jwks manager: %w", err)
	}

	sessionTTL, err := parseDuration(c.SessionTTL, time.Hour)
	if err != nil {
		return fmt.Errorf("invalid config value for sessionTTL: %w", err)
	}
	refreshTTL, err := parseDuration(c.RefreshTTL, 30*24*time.Hour)
	if err != nil {
		return fmt.Errorf("invalid config value for refreshTTL: %w", err)
	}

	services := server.Services{
		Storage:  store,
		JWKS:     jwksMgr,
		KEK:      kekInst,
		Pake:     pake,
		OTP:      otp.New(store, kekInst, c.OTPIssuer),
		RBAC:     rbac.New(store),
		Sessions: session.New(store, sessionTTL, refreshTTL),
		Install:  install.New(store, jwksMgr),
		Audit:    audit.NewStorageSink(store, logger),
	}

	installed, err := services.Install.IsInstalled(ctx)
	if err != nil {
		return fmt.Errorf("failed to check install state: %w", err)
	}
	if !installed {
		token, err := services.Install.IssueToken(ctx)
		if err != nil {
			return fmt.Errorf("failed to issue install token: %w", err)
		}
		logger.Info("installation required: POST this token to /install to bootstrap the first admin", "install_token", token)
	}

	loginRateWindow, err := parseDuration(c.LoginRateWindow, time.Minute)
	if err != nil {
		return fmt.Errorf("invalid config value for loginRateWindow: %w", err)
	}
	gcFrequency, err := parseDuration(c.GCFrequency, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("invalid config value for gcFrequency: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	if err := promRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register go runtime metrics: %w", err)
	}
	if err := promRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %w", err)
	}

	srv := server.New(server.Config{
		Issuer:             c.Issuer,
		AllowedOrigins:     c.AllowedOrigins,
		AllowedHeaders:     c.AllowedHeaders,
		GCFrequency:        gcFrequency,
		PrometheusRegistry: promRegistry,
		LoginRateLimit:     c.LoginRateLimit,
		LoginRateWindow:    loginRateWindow,
	}, services, logger)

	bgCtx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	srv.StartBackgroundLoops(bgCtx, gcFrequency)

	healthChecker := gosundheit.New()
	healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "storage",
			CheckFunc: func() (interface{}, error) {
				_, err := store.GetInstallState(context.Background())
				if err != nil && err != storage.ErrNotFound {
					return nil, err
				}
				return "ok", nil
			},
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})

	telemetryRouter := http.NewServeMux()
	telemetryRouter.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	healthHandler := gosundheithttp.HandleHealthJSON(healthChecker)
	telemetryRouter.Handle("/healthz", healthHandler)
	telemetryRouter.HandleFunc("/healthz/live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	telemetryRouter.Handle("/healthz/ready", healthHandler)

	var gr run.Group
	if c.Web.TelemetryHTTP != "" {
		telemetrySrv := &http.Server{Addr: c.Web.TelemetryHTTP, Handler: telemetryRouter}
		defer telemetrySrv.Close()
		if err := newServerRunner("http/telemetry", telemetrySrv, logger).addTo(&gr); err != nil {
			return err
		}
	}
	if c.Web.HTTP != "" {
		httpSrv := &http.Server{Addr: c.Web.HTTP, Handler: srv}
		defer httpSrv.Close()
		if err := newServerRunner("http", httpSrv, logger).addTo(&gr); err != nil {
			return err
		}
	}
	if c.Web.HTTPS != "" {
		httpsSrv := &http.Server{
			Addr:    c.Web.HTTPS,
			Handler: srv,
			TLSConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
		defer httpsSrv.Close()
		if err := newServerRunner("https", httpsSrv, logger).WithTLS(c.Web.TLSCert, c.Web.TLSKey).addTo(&gr); err != nil {
			return err
		}
	}

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Info("shutting down", "reason", err)
	}
	return nil
}

// loadOrGeneratePake loads the OPAQUE server identity and OPRF seed from
// settings, generating and persisting them (KEK-wrapped, as they are as
// sensitive as any signing key private half) on first boot so every restart
// derives the same PAKE server identity spec.md §4.1 requires.
func loadOrGeneratePake(ctx context.Context, store storage.Storage, k *kek.KEK) (*pakeengine.Engine, error) {
	const (
		settingServerID  = "pake.server_id"
		settingSecretEnc = "pake.server_secret_key_enc"
		settingPublicKey = "pake.server_public_key"
		settingSeedEnc   = "pake.oprf_seed_enc"
		aadSecret        = "pake-server-secret-key"
		aadSeed          = "pake-oprf-seed"
	)

	serverID, ok, err := store.GetSetting(ctx, settingServerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		serverID = []byte(storage.NewID())
		if err := store.PutSetting(ctx, settingServerID, serverID); err != nil {
			return nil, err
		}
	}

	secretEnc, hasSecret, err := store.GetSetting(ctx, settingSecretEnc)
	if err != nil {
		return nil, err
	}
	publicKey, hasPublic, err := store.GetSetting(ctx, settingPublicKey)
	if err != nil {
		return nil, err
	}
	var secretKey []byte
	if !hasSecret || !hasPublic {
		secretKey, publicKey, err = pakeengine.GenerateServerKeypair()
		if err != nil {
			return nil, err
		}
		wrapped, err := k.Wrap(secretKey, []byte(aadSecret))
		if err != nil {
			return nil, err
		}
		if err := store.PutSetting(ctx, settingSecretEnc, wrapped); err != nil {
			return nil, err
		}
		if err := store.PutSetting(ctx, settingPublicKey, publicKey); err != nil {
			return nil, err
		}
	} else {
		secretKey, err = k.Unwrap(secretEnc, []byte(aadSecret))
		if err != nil {
			return nil, fmt.Errorf("unwrap pake server secret key: %w", err)
		}
	}

	seedEnc, hasSeed, err := store.GetSetting(ctx, settingSeedEnc)
	if err != nil {
		return nil, err
	}
	var oprfSeed []byte
	if !hasSeed {
		oprfSeed, err = pakeengine.GenerateOPRFSeed()
		if err != nil {
			return nil, err
		}
		wrapped, err := k.Wrap(oprfSeed, []byte(aadSeed))
		if err != nil {
			return nil, err
		}
		if err := store.PutSetting(ctx, settingSeedEnc, wrapped); err != nil {
			return nil, err
		}
	} else {
		oprfSeed, err = k.Unwrap(seedEnc, []byte(aadSeed))
		if err != nil {
			return nil, fmt.Errorf("unwrap pake oprf seed: %w", err)
		}
	}

	return pakeengine.New(store, serverID, secretKey, publicKey, oprfSeed), nil
}
