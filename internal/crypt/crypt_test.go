package crypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	key, err := NewKey(1024)
	require.NoError(t, err)

	data := []byte("hello fragments")
	sig, err := key.Sign(data)
	require.NoError(t, err)
	assert.True(t, key.Verify(data, sig))
	assert.True(t, key.PublicOnly().Verify(data, sig))
	assert.False(t, key.Verify([]byte("hello fragment!"), sig))
	assert.False(t, key.Verify(data, sig[:len(sig)-1]))
}

func TestPublicOnlyCannotSign(t *testing.T) {
	key, err := NewKey(1024)
	require.NoError(t, err)
	_, err = key.PublicOnly().Sign([]byte("x"))
	assert.Error(t, err)
}

func TestSessionKeyRoundTrip(t *testing.T) {
	key, err := NewKey(1024)
	require.NoError(t, err)

	session, err := NewSessionKey()
	require.NoError(t, err)
	require.Len(t, session, 32)

	wrapped, err := key.PublicOnly().WrapSessionKey(session)
	require.NoError(t, err)
	unwrapped, err := key.UnwrapSessionKey(wrapped)
	require.NoError(t, err)
	assert.Equal(t, session, unwrapped)

	other, err := NewKey(1024)
	require.NoError(t, err)
	_, err = other.UnwrapSessionKey(wrapped)
	assert.Error(t, err)
}

func TestSymmetricRoundTrip(t *testing.T) {
	session, err := NewSessionKey()
	require.NoError(t, err)

	plaintext := []byte("sixteen byte pad")
	sealed, err := EncryptWithSessionKey(plaintext, session)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := DecryptWithSessionKey(sealed, session)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	// A flipped ciphertext bit must not decrypt.
	sealed[len(sealed)-1] ^= 1
	_, err = DecryptWithSessionKey(sealed, session)
	assert.Error(t, err)
}

func TestKeyPEMRoundTrips(t *testing.T) {
	key, err := NewKey(1024)
	require.NoError(t, err)

	pub, err := key.MarshalPublicKey()
	require.NoError(t, err)
	parsedPub, err := ParsePublicKey(pub)
	require.NoError(t, err)

	sig, err := key.Sign([]byte("challenge"))
	require.NoError(t, err)
	assert.True(t, parsedPub.Verify([]byte("challenge"), sig))

	priv, err := key.MarshalPrivateKey()
	require.NoError(t, err)
	parsedPriv, err := ParsePrivateKey(priv)
	require.NoError(t, err)
	sig2, err := parsedPriv.Sign([]byte("challenge"))
	require.NoError(t, err)
	assert.True(t, key.Verify([]byte("challenge"), sig2))
}
