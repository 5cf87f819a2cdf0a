package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/darkauth/darkauth/storage/sql"
)

// Config is the config file format for the darkauth binary, grounded on
// dex's cmd/dex Config: the same issuer/web/telemetry/logger shape,
// generalized to DarkAuth's storage and crypto bootstrap needs instead of
// dex's connector/static-client fields.
type Config struct {
	Issuer string `json:"issuer"`

	Storage StorageConfig `json:"storage"`
	Web     Web           `json:"web"`
	Logger  Logger        `json:"logger"`

	AllowedOrigins []string `json:"allowedOrigins"`
	AllowedHeaders []string `json:"allowedHeaders"`

	KEK KEKConfig `json:"kek"`

	LoginRateLimit  int    `json:"loginRateLimit"`
	LoginRateWindow string `json:"loginRateWindow"`

	SessionTTL string `json:"sessionTTL"`
	RefreshTTL string `json:"refreshTTL"`

	SigningKeyRotation string `json:"signingKeyRotation"`
	SigningKeyOverlap  string `json:"signingKeyOverlap"`

	OTPIssuer string `json:"otpIssuer"`

	GCFrequency string `json:"gcFrequency"`
}

// Web is the HTTP listener configuration.
type Web struct {
	HTTP          string `json:"http"`
	HTTPS         string `json:"https"`
	TLSCert       string `json:"tlsCert"`
	TLSKey        string `json:"tlsKey"`
	TelemetryHTTP string `json:"telemetryHTTP"`
}

// Logger configures pkg/log's process logger.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// KEKConfig describes how to derive the process KEK (spec.md §3.2): a
// secret of at least 16 characters supplied directly or via an environment
// variable, with
// a base64-encoded non-secret salt persisted alongside the secret material
// by the operator (so a restart derives the same key).
type KEKConfig struct {
	Secret    string `json:"secret"`
	SecretEnv string `json:"secretEnv"`
	SaltB64   string `json:"saltB64"`
}

func (k KEKConfig) resolveSecret() ([]byte, error) {
	secret := k.Secret
	if k.SecretEnv != "" {
		secret = os.Getenv(k.SecretEnv)
	}
	if secret == "" {
		return nil, fmt.Errorf("invalid config: kek.secret or kek.secretEnv is required")
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("invalid config: kek secret must be at least 16 characters")
	}
	return []byte(secret), nil
}

func (k KEKConfig) resolveSalt() ([]byte, error) {
	if k.SaltB64 == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(k.SaltB64)
}

// StorageConfig dynamically unmarshals into storage/sql.Config, mirroring
// dex's cmd/dex Storage.UnmarshalJSON dynamic-type pattern (simplified here
// since DarkAuth supports a single storage backend).
type StorageConfig struct {
	sql.Config
}

// Validate performs the fast, CLI-responsive config checks dex's
// cmd/dex Config.Validate does before anything touches the network or disk.
func (c Config) Validate() error {
	var problems []string
	if c.Issuer == "" {
		problems = append(problems, "no issuer specified in config file")
	}
	if c.Web.HTTP == "" && c.Web.HTTPS == "" {
		problems = append(problems, "must supply a http/https address to listen on")
	}
	if c.Web.HTTPS != "" && (c.Web.TLSCert == "" || c.Web.TLSKey == "") {
		problems = append(problems, "https listener requires tlsCert and tlsKey")
	}
	if c.Storage.Database == "" {
		problems = append(problems, "no storage database specified in config file")
	}
	if c.KEK.Secret == "" && c.KEK.SecretEnv == "" {
		problems = append(problems, "kek.secret or kek.secretEnv is required")
	}
	if len(problems) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(problems, "\n\t-\t"))
	}
	return nil
}
