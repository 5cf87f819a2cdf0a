// Package pakeengine implements spec.md §4.1's registration and login
// ceremonies on top of github.com/bytemare/opaque's OPAQUE implementation,
// grounded on other_examples' eagraf-opaque client: a RegistrationStart/
// RegistrationFinalize pair for enrollment and a three-message
// KE1/KE2/KE3 AKE handshake for login. Every message that crosses the wire
// is treated as an opaque blob produced and consumed by the opaque message
// types' own (de)serialization, so this package never has to know their
// internal shape.
//
// A login ceremony's server-side AKE state is ephemeral (an unexported
// ephemeral scalar on the *opaque.Server), and bytemare/opaque does not
// support exporting/reimporting that state across process boundaries. This
// engine therefore keeps the live *opaque.Server instance for an in-flight
// login in a process-local cache, keyed by the single-use session id that
// also gets a storage.PakeCeremony row. That row is bookkeeping only: it is
// not used to reconstruct AKE state on another instance, and
// storage.GarbageCollect does not remove it. A login therefore has to finish
// on the same process that ran LoginInit.
package pakeengine

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytemare/opaque"
	"github.com/bytemare/opaque/message"

	"github.com/darkauth/darkauth/storage"
)

// ErrUnknownSession is returned when a login/registration continuation
// message names a session id this process has no ephemeral state for
// (expired, already finished, or started on a different instance).
var ErrUnknownSession = errors.New("pakeengine: unknown or expired session")

// ErrIdentityMismatch is returned when a continuation message's bound email
// does not match the email the ceremony was started for — the identity
// binding invariant of spec.md §4.1, never trust a client-supplied identity.
var ErrIdentityMismatch = errors.New("pakeengine: identity mismatch")

const ceremonyTTL = 2 * time.Minute

// Engine owns the server-side long-term OPAQUE key pair and the in-flight
// ceremony cache.
type Engine struct {
	conf        *opaque.Configuration
	serverID    []byte // server identity bytes used in the AKE transcript
	serverSecretKey []byte
	serverPublicKey []byte
	oprfSeed    []byte // server-wide OPRF seed; per-user salting comes from credentialIdentifier

	storage storage.Storage

	mu        sync.Mutex
	inflight  map[string]*inflightLogin
}

type inflightLogin struct {
	server  *opaque.Server
	email   string
	expires time.Time
}

// New builds an Engine. serverSecretKey/serverPublicKey/oprfSeed are
// long-term material persisted under Settings (KEK-wrapped by callers
// before storage) and must be stable across restarts — rotating them
// invalidates every existing PakeRecord.
func New(store storage.Storage, serverID, serverSecretKey, serverPublicKey, oprfSeed []byte) *Engine {
	return &Engine{
		conf:            opaque.DefaultConfiguration(),
		serverID:        serverID,
		serverSecretKey: serverSecretKey,
		serverPublicKey: serverPublicKey,
		oprfSeed:        oprfSeed,
		storage:         store,
		inflight:        map[string]*inflightLogin{},
	}
}

// GenerateServerKeypair produces a fresh long-term OPAQUE server key pair,
// used once by cmd/darkauth on first boot when no key pair is stored yet.
func GenerateServerKeypair() (secretKey, publicKey []byte, err error) {
	conf := opaque.DefaultConfiguration()
	kp := conf.KeyGen()
	return kp.PrivateKey, kp.PublicKey, nil
}

// GenerateOPRFSeed produces fresh server-wide OPRF seed material, used once
// by cmd/darkauth on first boot when no seed is stored yet.
func GenerateOPRFSeed() ([]byte, error) {
	conf := opaque.DefaultConfiguration()
	seed := make([]byte, conf.Hash.Size())
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("pakeengine: generate oprf seed: %w", err)
	}
	return seed, nil
}

func credentialIdentifier(actorKind storage.ActorKind, ref string) []byte {
	return []byte(string(actorKind) + ":" + ref)
}

// RegistrationResponse processes a client's RegistrationRequest and returns
// the serialized RegistrationResponse to send back. No server-side state
// needs to survive between this call and FinalizeRegistration: the OPRF
// evaluation is reproducible from (oprfSeed, credentialIdentifier) alone, so
// the response is stateless server side, matching how dhOprf2 in the
// retrieved OPAQUE examples derives its output purely from per-user salt.
func (e *Engine) RegistrationResponse(actorKind storage.ActorKind, ref string, requestBytes []byte) ([]byte, error) {
	server, err := e.conf.Server()
	if err != nil {
		return nil, fmt.Errorf("pakeengine: new server: %w", err)
	}
	req := &message.RegistrationRequest{}
	if err := req.UnmarshalBinary(requestBytes); err != nil {
		return nil, fmt.Errorf("pakeengine: decode registration request: %w", err)
	}
	resp, err := server.RegistrationResponse(req, e.serverPublicKey, credentialIdentifier(actorKind, ref), e.oprfSeed)
	if err != nil {
		return nil, fmt.Errorf("pakeengine: registration response: %w", err)
	}
	return resp.Serialize(), nil
}

// RegistrationRecord is the durable artifact FinalizeRegistration extracts
// from the client's upload, ready to be persisted as a storage.PakeRecord.
type RegistrationRecord struct {
	Envelope     []byte
	ServerPubkey []byte
	// RecordHash is a stable digest of the upload, used only as the
	// password-history reuse signal described in spec.md §4.1: OPAQUE
	// never lets the server see the password itself, so this is the
	// strongest reuse signal available without weakening the protocol.
	RecordHash []byte
}

// FinalizeRegistration decodes a client's RegistrationUpload into a
// RegistrationRecord ready for storage.
func (e *Engine) FinalizeRegistration(uploadBytes []byte) (RegistrationRecord, error) {
	upload := &message.RegistrationRecord{}
	if err := upload.UnmarshalBinary(uploadBytes); err != nil {
		return RegistrationRecord{}, fmt.Errorf("pakeengine: decode registration upload: %w", err)
	}
	serialized := upload.Serialize()
	return RegistrationRecord{
		Envelope:     serialized,
		ServerPubkey: e.serverPublicKey,
		RecordHash:   hashBytes(serialized),
	}, nil
}

// LoginInit processes a client's KE1 against the stored PakeRecord and
// returns the serialized KE2 plus the session id the client must echo on
// LoginFinish. record/envelope come from storage.PakeRecord (or a
// deterministic fake envelope for an unknown identity, so the ceremony's
// shape never reveals user existence — spec.md §4.1 "no username
// enumeration").
func (e *Engine) LoginInit(ctx context.Context, actorKind storage.ActorKind, ref, email string, envelope []byte, ke1Bytes []byte) (ke2Bytes []byte, sessionID string, err error) {
	server, err := e.conf.Server()
	if err != nil {
		return nil, "", fmt.Errorf("pakeengine: new server: %w", err)
	}
	record := &message.RegistrationRecord{}
	if err := record.UnmarshalBinary(envelope); err != nil {
		return nil, "", fmt.Errorf("pakeengine: decode record: %w", err)
	}
	ke1 := &message.KE1{}
	if err := ke1.UnmarshalBinary(ke1Bytes); err != nil {
		return nil, "", fmt.Errorf("pakeengine: decode ke1: %w", err)
	}

	ke2, err := server.LoginInit(record, e.serverID, e.serverSecretKey, e.serverPublicKey,
		credentialIdentifier(actorKind, ref), e.oprfSeed, ke1)
	if err != nil {
		return nil, "", fmt.Errorf("pakeengine: login init: %w", err)
	}

	sessionID = storage.NewSecureToken(24)
	e.mu.Lock()
	e.inflight[sessionID] = &inflightLogin{server: server, email: email, expires: time.Now().Add(ceremonyTTL)}
	e.sweepLocked()
	e.mu.Unlock()

	if err := e.storage.CreatePakeCeremony(ctx, storage.PakeCeremony{
		SessionID: sessionID,
		Purpose:   "login",
		Email:     email,
		ActorKind: actorKind,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ceremonyTTL),
	}); err != nil {
		e.mu.Lock()
		delete(e.inflight, sessionID)
		e.mu.Unlock()
		return nil, "", fmt.Errorf("pakeengine: record ceremony: %w", err)
	}

	return ke2.Serialize(), sessionID, nil
}

// LoginFinish completes a login ceremony: verifies the client's KE3 and
// returns the shared session key. email must match the identity LoginInit
// was called with, enforcing the identity-binding invariant — a session id
// is never allowed to authenticate a different user than it was opened for.
func (e *Engine) LoginFinish(ctx context.Context, sessionID, email string, ke3Bytes []byte) (sessionKey []byte, err error) {
	e.mu.Lock()
	state, ok := e.inflight[sessionID]
	if ok {
		delete(e.inflight, sessionID)
	}
	e.mu.Unlock()

	_ = e.storage.DeletePakeCeremony(ctx, sessionID)

	if !ok || time.Now().After(state.expires) {
		return nil, ErrUnknownSession
	}
	if state.email != email {
		return nil, ErrIdentityMismatch
	}

	ke3 := &message.KE3{}
	if err := ke3.UnmarshalBinary(ke3Bytes); err != nil {
		return nil, fmt.Errorf("pakeengine: decode ke3: %w", err)
	}
	if err := state.server.LoginFinish(ke3); err != nil {
		return nil, fmt.Errorf("pakeengine: login finish: %w", err)
	}
	return state.server.SessionKey(), nil
}

// FakeEnvelope deterministically synthesizes a plausible registration
// envelope for an identity that has never registered, so LoginInit runs the
// identical code path (and takes comparable time) whether or not email
// exists — spec.md §4.1's "no username enumeration" requirement. The fake
// password is derived from the server's long-term OPRF seed so the same
// unknown email always yields the same fake envelope, rather than a fresh
// random one that would itself be a timing/allocation tell.
func (e *Engine) FakeEnvelope(email string) ([]byte, error) {
	client, err := e.conf.Client()
	if err != nil {
		return nil, fmt.Errorf("pakeengine: new client: %w", err)
	}
	server, err := e.conf.Server()
	if err != nil {
		return nil, fmt.Errorf("pakeengine: new server: %w", err)
	}

	password := hmacDerive(e.oprfSeed, email)
	req := client.RegistrationInit(password)
	resp, err := server.RegistrationResponse(req, e.serverPublicKey, credentialIdentifier(storage.ActorUser, email), e.oprfSeed)
	if err != nil {
		return nil, fmt.Errorf("pakeengine: fake registration response: %w", err)
	}
	upload, _, err := client.RegistrationFinalize(e.serverID, resp)
	if err != nil {
		return nil, fmt.Errorf("pakeengine: fake registration finalize: %w", err)
	}
	return upload.Serialize(), nil
}

func hmacDerive(seed []byte, label string) []byte {
	mac := hmac.New(sha256.New, seed)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

// sweepLocked drops expired in-flight ceremonies. Called opportunistically
// from LoginInit; callers must hold e.mu.
func (e *Engine) sweepLocked() {
	now := time.Now()
	for id, st := range e.inflight {
		if now.After(st.expires) {
			delete(e.inflight, id)
		}
	}
}

func hashBytes(b []byte) []byte {
	h := opaque.DefaultConfiguration().Hash.Get()
	h.Write(b)
	return h.Sum(nil)
}
