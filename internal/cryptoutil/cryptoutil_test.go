package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBase64URLRoundTrip(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	encoded := Base64URLEncode(data)
	require.NotContains(t, encoded, "=")

	decoded, err := Base64URLDecode(encoded)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestBase64URLDecodeAcceptsPadded(t *testing.T) {
	decoded, err := Base64URLDecode("Zm9vYg==")
	require.NoError(t, err)
	require.Equal(t, []byte("foob"), decoded)
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual([]byte("secret"), []byte("secret")))
	require.False(t, ConstantTimeEqual([]byte("secret"), []byte("different")))
	require.False(t, ConstantTimeEqual([]byte("short"), []byte("a much longer value")))
	require.True(t, ConstantTimeEqual(nil, nil))
}

func TestRandomBytesAndToken(t *testing.T) {
	b, err := RandomBytes(32)
	require.NoError(t, err)
	require.Len(t, b, 32)

	b2, err := RandomBytes(32)
	require.NoError(t, err)
	require.NotEqual(t, b, b2)

	tok, err := RandomToken(16)
	require.NoError(t, err)
	require.NotEmpty(t, tok)
}

func TestVerifyS256(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := Base64URLEncode(SHA256([]byte(verifier)))

	require.True(t, VerifyS256(verifier, challenge))
	require.False(t, VerifyS256(verifier, "wrong-challenge"))
	require.False(t, VerifyS256("", challenge))
	require.False(t, VerifyS256(verifier, ""))
}

func TestHashTokenIsDeterministic(t *testing.T) {
	require.Equal(t, HashToken("my-secret"), HashToken("my-secret"))
	require.NotEqual(t, HashToken("my-secret"), HashToken("other-secret"))
}
