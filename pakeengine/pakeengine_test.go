package pakeengine

import (
	"context"
	"testing"

	"github.com/bytemare/opaque"
	"github.com/bytemare/opaque/message"
	"github.com/stretchr/testify/require"

	"github.com/darkauth/darkauth/storage"
	"github.com/darkauth/darkauth/storage/memory"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	secretKey, publicKey, err := GenerateServerKeypair()
	require.NoError(t, err)
	seed, err := GenerateOPRFSeed()
	require.NoError(t, err)
	return New(memory.New(), []byte("darkauth-test-server"), secretKey, publicKey, seed)
}

// register runs a full client-side registration ceremony against e and
// returns the envelope that would be persisted as a storage.PakeRecord.
func register(t *testing.T, e *Engine, actorKind storage.ActorKind, ref string, password []byte) []byte {
	t.Helper()
	conf := opaque.DefaultConfiguration()
	client, err := conf.Client()
	require.NoError(t, err)

	req := client.RegistrationInit(password)
	respBytes, err := e.RegistrationResponse(actorKind, ref, req.Serialize())
	require.NoError(t, err)

	resp := &message.RegistrationResponse{}
	require.NoError(t, resp.UnmarshalBinary(respBytes))

	upload, _, err := client.RegistrationFinalize(e.serverID, resp)
	require.NoError(t, err)

	rec, err := e.FinalizeRegistration(upload.Serialize())
	require.NoError(t, err)
	require.NotEmpty(t, rec.Envelope)
	require.Equal(t, e.serverPublicKey, rec.ServerPubkey)
	return rec.Envelope
}

func TestRegistrationRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	envelope := register(t, e, storage.ActorUser, "alice@example.com", []byte("correct horse battery staple"))
	require.NotEmpty(t, envelope)
}

func TestLoginRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	password := []byte("correct horse battery staple")
	envelope := register(t, e, storage.ActorUser, "alice@example.com", password)

	conf := opaque.DefaultConfiguration()
	client, err := conf.Client()
	require.NoError(t, err)

	ke1 := client.AuthenticationStart(password, nil)
	ke2Bytes, sessionID, err := e.LoginInit(context.Background(), storage.ActorUser, "alice@example.com", "alice@example.com", envelope, ke1.Serialize())
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	ke2 := &message.KE2{}
	require.NoError(t, ke2.UnmarshalBinary(ke2Bytes))

	ke3, clientSessionKey, err := client.AuthenticationFinalize(e.serverID, ke2)
	require.NoError(t, err)

	serverSessionKey, err := e.LoginFinish(context.Background(), sessionID, "alice@example.com", ke3.Serialize())
	require.NoError(t, err)
	require.Equal(t, clientSessionKey, serverSessionKey)
}

func TestLoginIdentityMismatch(t *testing.T) {
	e := newTestEngine(t)
	password := []byte("correct horse battery staple")
	envelope := register(t, e, storage.ActorUser, "alice@example.com", password)

	conf := opaque.DefaultConfiguration()
	client, err := conf.Client()
	require.NoError(t, err)

	ke1 := client.AuthenticationStart(password, nil)
	_, sessionID, err := e.LoginInit(context.Background(), storage.ActorUser, "alice@example.com", "alice@example.com", envelope, ke1.Serialize())
	require.NoError(t, err)

	_, err = e.LoginFinish(context.Background(), sessionID, "mallory@example.com", []byte("garbage"))
	require.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestLoginUnknownSession(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.LoginFinish(context.Background(), "does-not-exist", "alice@example.com", []byte("garbage"))
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestFakeEnvelopeDeterministic(t *testing.T) {
	e := newTestEngine(t)
	a, err := e.FakeEnvelope("nobody@example.com")
	require.NoError(t, err)
	b, err := e.FakeEnvelope("nobody@example.com")
	require.NoError(t, err)
	require.Equal(t, a, b, "the same unknown email must yield the same fake envelope every time")
}
