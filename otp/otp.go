// Package otp implements the TOTP second factor of SPEC_FULL.md §3.9:
// provisioning, verification with replay and lockout protection, and
// disablement, for both user and admin actors. It wraps
// github.com/pquerna/otp/totp rather than hand-rolling HOTP/TOTP math —
// the algorithm is security-sensitive enough that reimplementing it on top
// of crypto/hmac would be the kind of "this one's cheap so I'll just write
// it" shortcut the rest of this codebase avoids.
package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/darkauth/darkauth/kek"
	"github.com/darkauth/darkauth/storage"
)

const (
	period     = 30
	digits     = otp.DigitsSix
	algorithm  = otp.AlgorithmSHA1
	maxFailures = 5
	lockoutFor  = 15 * time.Minute
)

// ErrLocked is returned by Verify while an actor's lockout window is active.
var ErrLocked = errors.New("otp: locked")

// ErrInvalidCode is returned by Verify on a wrong or replayed code.
var ErrInvalidCode = errors.New("otp: invalid code")

// ErrNotEnrolled is returned when no OTP credential exists for the actor.
var ErrNotEnrolled = errors.New("otp: not enrolled")

// Service issues and verifies TOTP credentials.
type Service struct {
	storage storage.Storage
	kek     *kek.KEK
	issuer  string
}

// New builds a Service. issuer names the provider in generated otpauth://
// URIs (shown in authenticator apps next to the account name).
func New(store storage.Storage, k *kek.KEK, issuer string) *Service {
	return &Service{storage: store, kek: k, issuer: issuer}
}

// Enroll generates a new, unverified TOTP secret for actor/ref and returns
// the otpauth:// URI for QR-code display. The credential is not usable for
// Verify until Confirm succeeds with a valid code from it.
func (s *Service) Enroll(ctx context.Context, kind storage.ActorKind, ref, accountName string) (otpauthURI string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
		Period:      period,
		Digits:      digits,
		Algorithm:   algorithm,
	})
	if err != nil {
		return "", fmt.Errorf("otp: generate: %w", err)
	}

	secretEnc, err := s.kek.Wrap([]byte(key.Secret()), aad(kind, ref))
	if err != nil {
		return "", fmt.Errorf("otp: wrap secret: %w", err)
	}

	if err := s.storage.PutOTPCredential(ctx, storage.OTPCredential{
		ActorKind: kind,
		ActorRef:  ref,
		SecretEnc: secretEnc,
		Enabled:   false,
		Verified:  false,
		CreatedAt: time.Now(),
	}); err != nil {
		return "", fmt.Errorf("otp: store credential: %w", err)
	}
	return key.URL(), nil
}

// Confirm validates the first code from a freshly enrolled credential and
// marks it enabled. Until this succeeds Enabled reports false and Verify
// returns ErrNotEnrolled.
func (s *Service) Confirm(ctx context.Context, kind storage.ActorKind, ref, code string) error {
	cred, err := s.storage.GetOTPCredential(ctx, kind, ref)
	if err != nil {
		return err
	}
	if cred.Verified {
		return nil
	}
	secret, err := s.kek.Unwrap(cred.SecretEnc, aad(kind, ref))
	if err != nil {
		return fmt.Errorf("otp: unwrap secret: %w", err)
	}
	ok, step, err := validate(code, string(secret))
	if err != nil {
		return fmt.Errorf("otp: validate: %w", err)
	}
	if !ok {
		return ErrInvalidCode
	}
	cred.Verified = true
	cred.Enabled = true
	cred.LastStep = step
	cred.LastUsedAt = time.Now()
	return s.storage.PutOTPCredential(ctx, cred)
}

// Verify checks code against the actor's enabled credential. Reaching
// maxFailures consecutive failures locks the credential for lockoutFor; LastStep rejects
// replay of an already-consumed code, matching spec.md §4.9's OTP
// invariants.
func (s *Service) Verify(ctx context.Context, kind storage.ActorKind, ref, code string) error {
	cred, err := s.storage.GetOTPCredential(ctx, kind, ref)
	if err != nil {
		return ErrNotEnrolled
	}
	if !cred.Enabled {
		return ErrNotEnrolled
	}
	now := time.Now()
	if !cred.LockedUntil.IsZero() && now.Before(cred.LockedUntil) {
		return ErrLocked
	}

	secret, err := s.kek.Unwrap(cred.SecretEnc, aad(kind, ref))
	if err != nil {
		return fmt.Errorf("otp: unwrap secret: %w", err)
	}

	ok, step, err := validate(code, string(secret))
	if err != nil {
		return fmt.Errorf("otp: validate: %w", err)
	}
	if !ok || step <= cred.LastStep {
		cred.FailureCount++
		if cred.FailureCount >= maxFailures {
			cred.LockedUntil = now.Add(lockoutFor)
			cred.FailureCount = 0
		}
		if putErr := s.storage.PutOTPCredential(ctx, cred); putErr != nil {
			return fmt.Errorf("otp: record failure: %w", putErr)
		}
		return ErrInvalidCode
	}

	cred.FailureCount = 0
	cred.LastStep = step
	cred.LastUsedAt = now
	return s.storage.PutOTPCredential(ctx, cred)
}

// Disable removes an actor's OTP credential entirely.
func (s *Service) Disable(ctx context.Context, kind storage.ActorKind, ref string) error {
	return s.storage.DeleteOTPCredential(ctx, kind, ref)
}

// Reset is Disable under an admin-facing name: an operator revoking an
// actor's second factor so they can re-enroll, per spec.md §4.8's admin
// controls. Kept distinct from Disable so call sites read as what they are.
func (s *Service) Reset(ctx context.Context, kind storage.ActorKind, ref string) error {
	return s.storage.DeleteOTPCredential(ctx, kind, ref)
}

// Unlock clears an actor's lockout window and failure count without
// touching their enrollment, spec.md §4.8's admin "unlock" control.
func (s *Service) Unlock(ctx context.Context, kind storage.ActorKind, ref string) error {
	cred, err := s.storage.GetOTPCredential(ctx, kind, ref)
	if err != nil {
		return err
	}
	cred.FailureCount = 0
	cred.LockedUntil = time.Time{}
	return s.storage.PutOTPCredential(ctx, cred)
}

// Enabled reports whether actor/ref has a confirmed, active credential.
func (s *Service) Enabled(ctx context.Context, kind storage.ActorKind, ref string) (bool, error) {
	cred, err := s.storage.GetOTPCredential(ctx, kind, ref)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cred.Enabled, nil
}

// validate checks code against secret at the current time step and one step
// either side, and returns the matched step number (for replay tracking)
// alongside the boolean.
func validate(code, secret string) (bool, int64, error) {
	current := time.Now().Unix() / period
	for _, offset := range []int64{-1, 0, 1} {
		step := current + offset
		ok, err := totp.ValidateCustom(code, secret, time.Unix(step*period, 0), totp.ValidateOpts{
			Period:    period,
			Skew:      0,
			Digits:    digits,
			Algorithm: algorithm,
		})
		if err != nil {
			return false, 0, err
		}
		if ok {
			return true, step, nil
		}
	}
	return false, 0, nil
}

func aad(kind storage.ActorKind, ref string) []byte {
	return []byte("otp:" + string(kind) + ":" + ref)
}
