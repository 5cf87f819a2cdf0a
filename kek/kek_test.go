package kek

import "testing"

func TestWrapUnwrapRoundTrip(t *testing.T) {
	k, err := Derive([]byte("correct horse battery staple"), []byte("salt"))
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	plaintext := []byte("top secret client secret")
	aad := []byte("client-secret:abc123")

	blob, err := k.Wrap(plaintext, aad)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	got, err := k.Unwrap(blob, aad)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestUnwrapWrongAAD(t *testing.T) {
	k, err := Derive([]byte("passphrase"), nil)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	blob, err := k.Wrap([]byte("data"), []byte("ctx-a"))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if _, err := k.Unwrap(blob, []byte("ctx-b")); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestUnwrapTamperedCiphertext(t *testing.T) {
	k, err := Derive([]byte("passphrase"), nil)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	blob, err := k.Wrap([]byte("data"), []byte("ctx"))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF
	if _, err := k.Unwrap(blob, []byte("ctx")); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestDeriveEmptySecret(t *testing.T) {
	if _, err := Derive(nil, []byte("salt")); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
