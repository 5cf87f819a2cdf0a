package jwks

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/darkauth/darkauth/kek"
	"github.com/darkauth/darkauth/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRotateAndSignVerify(t *testing.T) {
	store := memory.New()
	k, err := kek.Derive([]byte("test passphrase for jwks manager"), nil)
	if err != nil {
		t.Fatalf("kek.Derive: %v", err)
	}
	mgr, err := New(store, k, time.Hour, 10*time.Minute, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if mgr.ActiveKid() != "" {
		t.Fatal("expected no active kid before first rotate")
	}
	if err := mgr.rotate(context.Background()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if mgr.ActiveKid() == "" {
		t.Fatal("expected active kid after rotate")
	}

	jws, err := mgr.Sign([]byte(`{"sub":"abc"}`))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	payload, err := mgr.Verify(jws)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if string(payload) != `{"sub":"abc"}` {
		t.Fatalf("unexpected payload: %s", payload)
	}

	if len(mgr.PublicJWKS().Keys) != 1 {
		t.Fatalf("expected 1 public key, got %d", len(mgr.PublicJWKS().Keys))
	}
}

func TestRotateKeepsOldKeyForVerification(t *testing.T) {
	store := memory.New()
	k, err := kek.Derive([]byte("test passphrase for jwks manager"), nil)
	if err != nil {
		t.Fatalf("kek.Derive: %v", err)
	}
	mgr, err := New(store, k, time.Hour, 10*time.Minute, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := mgr.rotate(context.Background()); err != nil {
		t.Fatalf("rotate 1: %v", err)
	}
	jws, err := mgr.Sign([]byte("first"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := mgr.rotate(context.Background()); err != nil {
		t.Fatalf("rotate 2: %v", err)
	}

	if _, err := mgr.Verify(jws); err != nil {
		t.Fatalf("expected old signature to still verify: %v", err)
	}
	if len(mgr.PublicJWKS().Keys) != 2 {
		t.Fatalf("expected 2 public keys after rotation, got %d", len(mgr.PublicJWKS().Keys))
	}
}
