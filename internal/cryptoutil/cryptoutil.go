// Package cryptoutil holds the small, shared primitives listed in
// SPEC_FULL.md §3.1: base64url codec, constant-time comparison, SHA-256,
// random byte generation, and PKCE S256 verification. Everything heavier
// (PAKE, JWS, TOTP) lives in its own package and is never reimplemented here.
package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Base64URLEncode encodes b without padding, as used for auth codes, refresh
// secrets, CSRF tokens, and PKCE challenges throughout the spec.
func Base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Base64URLDecode decodes s, accepting both padded and unpadded input since
// client SDKs are inconsistent about trailing '='.
func Base64URLDecode(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// ConstantTimeEqual compares two secrets without ever short-circuiting on
// length, per spec.md §9. subtle.ConstantTimeCompare already requires equal
// lengths to return 1, but a naive `len(a) != len(b)` guard before calling it
// leaks length through timing; we instead hash both inputs with SHA-256 and
// combine a constant-time comparison of the lengths with a constant-time
// comparison of the fixed-size hashes.
func ConstantTimeEqual(a, b []byte) bool {
	ah := sha256.Sum256(a)
	bh := sha256.Sum256(b)
	lenEq := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	hashEq := subtle.ConstantTimeCompare(ah[:], bh[:])
	return lenEq&hashEq == 1
}

// SHA256 returns the raw SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomToken returns a base64url-encoded random token of n raw bytes,
// e.g. RandomToken(32) for a 256-bit authorization code or refresh secret.
func RandomToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return Base64URLEncode(b), nil
}

// VerifyS256 implements RFC 7636 PKCE S256: challenge must equal
// BASE64URL-ENCODE(SHA256(verifier)).
func VerifyS256(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	sum := SHA256([]byte(verifier))
	computed := Base64URLEncode(sum)
	return ConstantTimeEqual([]byte(computed), []byte(challenge))
}

// HashToken returns the stable lookup hash stored for an opaque secret
// (session id, refresh token) so the raw secret is never persisted.
func HashToken(secret string) string {
	return Base64URLEncode(SHA256([]byte(secret)))
}
