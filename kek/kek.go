// Package kek implements the process-lifetime Key-Encryption-Key described in
// SPEC_FULL.md §3.2: a symmetric key derived once at startup (from an
// operator-supplied passphrase or raw key material) via HKDF-SHA256, used to
// wrap and unwrap every at-rest secret the storage layer holds opaque
// (client secrets, OTP secrets, signing-key private halves). The derive step
// is grounded on the HKDF usage in other_examples' hpke/server.go; the
// wrap/unwrap envelope follows golang.org/x/crypto/chacha20poly1305's
// documented AEAD contract the way dexidp/dex's jose helpers wrap keys with a
// standard AEAD rather than hand-rolled block-cipher code.
package kek

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned when Unwrap fails authentication; callers must never
// surface the underlying AEAD error, which can leak timing/padding info.
var ErrDecrypt = errors.New("kek: decryption failed")

const (
	keySize  = chacha20poly1305.KeySize
	infoTag  = "darkauth-kek-v1"
)

// KEK wraps a single derived symmetric key. It is safe for concurrent use
// without additional locking: the key never changes after Derive returns, so
// every Wrap/Unwrap call only reads it.
type KEK struct {
	aead cipherAEAD
}

// cipherAEAD is the subset of cipher.AEAD this package needs; declared
// locally so tests can swap in a fake without importing crypto/cipher here.
type cipherAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// Derive produces a KEK from secret (an operator passphrase or raw key file
// contents) via HKDF-SHA256 with a fixed, version-tagged info string so a
// future key-derivation change cannot silently collide with this one.
func Derive(secret []byte, salt []byte) (*KEK, error) {
	if len(secret) == 0 {
		return nil, errors.New("kek: empty secret")
	}
	hk := hkdf.New(sha256.New, secret, salt, []byte(infoTag))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, fmt.Errorf("kek: derive: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("kek: build aead: %w", err)
	}
	return &KEK{aead: aead}, nil
}

// Wrap seals plaintext under aad (a stable, non-secret context string such as
// "client-secret:"+clientID, binding the ciphertext to its intended use so a
// blob cannot be replayed against a different record).
func (k *KEK) Wrap(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("kek: nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+k.aead.Overhead())
	out = append(out, nonce...)
	out = k.aead.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Unwrap reverses Wrap. aad must match what was passed to Wrap exactly.
func (k *KEK) Unwrap(blob, aad []byte) ([]byte, error) {
	ns := k.aead.NonceSize()
	if len(blob) < ns {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := blob[:ns], blob[ns:]
	plaintext, err := k.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
