// Package jwks manages the provider's signing key set: generation, rotation
// with a verification-only overlap period, and JWS signing/verification. It
// is grounded on dexidp/dex's server/signer package (the rotate-then-demote
// lifecycle in rotation.go, the keyRotator's storage.UpdateKeys-based
// compare-and-swap) but generalized to DarkAuth's storage.SigningKey/
// KEK-wrapped-private-key model instead of dex's bare storage.Keys blob.
// Keys are ES256 (NIST P-256 ECDSA): gopkg.in/square/go-jose.v2's signer
// only recognizes *rsa.PrivateKey, *ecdsa.PrivateKey, and *JSONWebKey
// wrapping one of those, so ES256 is the lightest-weight algorithm the
// library actually supports end to end, and what dex itself falls back to
// wherever RSA's larger keys aren't required. The public surface is cached
// behind an atomic.Pointer so concurrent request handlers never take a lock
// to read the current JWKS or active signing key.
package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	jose "gopkg.in/square/go-jose.v2"

	"github.com/darkauth/darkauth/kek"
	"github.com/darkauth/darkauth/storage"
)

// Alg is the only signing algorithm this manager generates keys for.
const Alg = "ES256"

// snapshot is the immutable, swapped-as-a-whole view of the key set.
type snapshot struct {
	activeKid string
	signers   map[string]jose.SigningKey  // kid -> private, only activeKid is ever used to sign
	public    map[string]*jose.JSONWebKey // kid -> public, includes retired verification-only keys
	jwks      jose.JSONWebKeySet
}

// Manager owns the process-wide signing key set.
type Manager struct {
	storage storage.Storage
	kek     *kek.KEK
	logger  *slog.Logger

	rotationPeriod time.Duration
	overlapPeriod  time.Duration

	current atomic.Pointer[snapshot]
}

// New constructs a Manager and loads any existing keys from storage. Callers
// must call Start (or rotate) once at startup so a fresh install gets a
// signing key before the first token is issued.
func New(store storage.Storage, k *kek.KEK, rotationPeriod, overlapPeriod time.Duration, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		storage:        store,
		kek:            k,
		logger:         logger,
		rotationPeriod: rotationPeriod,
		overlapPeriod:  overlapPeriod,
	}
	if err := m.reload(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// Start rotates immediately if due, then rotates on a ticker until ctx is
// canceled, matching dex's localSigner.Start lifecycle.
func (m *Manager) Start(ctx context.Context) {
	if err := m.rotateIfDue(ctx); err != nil {
		m.logger.Error("signing key rotation failed", "err", err)
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.rotateIfDue(ctx); err != nil {
					m.logger.Error("signing key rotation failed", "err", err)
				}
			}
		}
	}()
}

func (m *Manager) rotateIfDue(ctx context.Context) error {
	snap := m.current.Load()
	if snap != nil && snap.activeKid != "" {
		keys, err := m.storage.ListSigningKeys(ctx)
		if err == nil {
			for _, k := range keys {
				if k.Kid == snap.activeKid && time.Since(k.CreatedAt) < m.rotationPeriod {
					return nil
				}
			}
		}
	}
	return m.rotate(ctx)
}

// Rotate forces an immediate key rotation, independent of rotationPeriod;
// the /admin/jwks rotate action uses this to respond to suspected key
// compromise without waiting for the scheduled interval.
func (m *Manager) Rotate(ctx context.Context) error {
	return m.rotate(ctx)
}

// rotate generates a new active key and demotes the previous active key to
// verification-only; the reload that follows drops any verification-only
// key older than rotationPeriod+overlapPeriod from the published set.
func (m *Manager) rotate(ctx context.Context) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("jwks: generate key: %w", err)
	}
	kid, err := newKid()
	if err != nil {
		return err
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("jwks: marshal private key: %w", err)
	}
	wrapped, err := m.kek.Wrap(der, []byte("signing-key:"+kid))
	if err != nil {
		return fmt.Errorf("jwks: wrap private key: %w", err)
	}

	jwk := &jose.JSONWebKey{Key: priv.Public(), KeyID: kid, Algorithm: Alg, Use: "sig"}

	if err := m.storage.PutSigningKey(ctx, storage.SigningKey{
		Kid:        kid,
		Alg:        Alg,
		PublicKey:  jwk,
		PrivateEnc: wrapped,
		CreatedAt:  time.Now(),
		Active:     true,
	}); err != nil {
		return fmt.Errorf("jwks: put signing key: %w", err)
	}
	if err := m.storage.SetActiveSigningKey(ctx, kid); err != nil {
		return fmt.Errorf("jwks: set active: %w", err)
	}
	m.logger.Info("rotated signing key", "kid", kid)
	return m.reload(ctx)
}

// reload rebuilds the in-memory snapshot from storage, pruning verification
// keys whose overlap window has passed, and swaps it in atomically.
func (m *Manager) reload(ctx context.Context) error {
	keys, err := m.storage.ListSigningKeys(ctx)
	if err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("jwks: list signing keys: %w", err)
	}

	snap := &snapshot{
		signers: map[string]jose.SigningKey{},
		public:  map[string]*jose.JSONWebKey{},
	}
	now := time.Now()
	for _, k := range keys {
		if !k.Active && now.Sub(k.CreatedAt) > m.rotationPeriod+m.overlapPeriod {
			continue // past its verification window; ignore going forward
		}
		snap.public[k.Kid] = k.PublicKey
		snap.jwks.Keys = append(snap.jwks.Keys, *k.PublicKey)
		if k.Active {
			der, err := m.kek.Unwrap(k.PrivateEnc, []byte("signing-key:"+k.Kid))
			if err != nil {
				return fmt.Errorf("jwks: unwrap signing key %s: %w", k.Kid, err)
			}
			priv, err := x509.ParsePKCS8PrivateKey(der)
			if err != nil {
				return fmt.Errorf("jwks: parse signing key %s: %w", k.Kid, err)
			}
			ecKey, ok := priv.(*ecdsa.PrivateKey)
			if !ok {
				return fmt.Errorf("jwks: signing key %s is not ecdsa", k.Kid)
			}
			snap.signers[k.Kid] = jose.SigningKey{
				Algorithm: jose.ES256,
				Key: &jose.JSONWebKey{
					Key:       ecKey,
					KeyID:     k.Kid,
					Algorithm: k.Alg,
					Use:       "sig",
				},
			}
			snap.activeKid = k.Kid
		}
	}
	m.current.Store(snap)
	return nil
}

// ActiveKid returns the kid currently used to sign, or "" if none exists yet
// (fresh install, before the first rotate).
func (m *Manager) ActiveKid() string {
	snap := m.current.Load()
	if snap == nil {
		return ""
	}
	return snap.activeKid
}

// Sign produces a compact JWS over payload using the active signing key.
func (m *Manager) Sign(payload []byte) (string, error) {
	snap := m.current.Load()
	if snap == nil || snap.activeKid == "" {
		return "", fmt.Errorf("jwks: no active signing key")
	}
	signingKey := snap.signers[snap.activeKid]
	signer, err := jose.NewSigner(signingKey, &jose.SignerOptions{})
	if err != nil {
		return "", fmt.Errorf("jwks: new signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("jwks: sign: %w", err)
	}
	return jws.CompactSerialize()
}

// Verify checks a compact JWS against the key named by its header kid,
// accepting keys still within their verification overlap window.
func (m *Manager) Verify(compact string) ([]byte, error) {
	snap := m.current.Load()
	if snap == nil {
		return nil, fmt.Errorf("jwks: no keys loaded")
	}
	sig, err := jose.ParseSigned(compact)
	if err != nil {
		return nil, fmt.Errorf("jwks: parse: %w", err)
	}
	if len(sig.Signatures) != 1 {
		return nil, fmt.Errorf("jwks: expected exactly one signature")
	}
	kid := sig.Signatures[0].Header.KeyID
	pub, ok := snap.public[kid]
	if !ok {
		return nil, fmt.Errorf("jwks: unknown kid %q", kid)
	}
	return sig.Verify(pub)
}

// PublicJWKS returns the public key set as served at /.well-known/jwks.json.
func (m *Manager) PublicJWKS() jose.JSONWebKeySet {
	snap := m.current.Load()
	if snap == nil {
		return jose.JSONWebKeySet{}
	}
	return snap.jwks
}

func newKid() (string, error) {
	b := make([]byte, 10)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("jwks: kid: %w", err)
	}
	return hex.EncodeToString(b), nil
}
