package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)

	challenge, err := NewChallenge()
	require.NoError(t, err)
	sig := id.Sign(challenge)

	assert.True(t, Verify(id.PublicKey(), challenge, sig))
	challenge[0] ^= 1
	assert.False(t, Verify(id.PublicKey(), challenge, sig))
	assert.False(t, Verify([]byte("short"), challenge, sig))
}

func TestSessionKeyAgreement(t *testing.T) {
	a, err := NewExchangeKey()
	require.NoError(t, err)
	b, err := NewExchangeKey()
	require.NoError(t, err)

	ka, err := a.DeriveSessionKey(b.Public())
	require.NoError(t, err)
	kb, err := b.DeriveSessionKey(a.Public())
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
	assert.Len(t, ka, KeySize)

	nonce, sealed, err := Seal(ka, []byte("chunk bytes"), []byte("hdr"))
	require.NoError(t, err)
	plain, err := Open(kb, nonce, sealed, []byte("hdr"))
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk bytes"), plain)

	sealed[0] ^= 1
	_, err = Open(kb, nonce, sealed, []byte("hdr"))
	assert.Error(t, err, "tampered ciphertext must not open")
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.pem")

	created, err := LoadOrCreateIdentity(path, "")
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadOrCreateIdentity(path, "")
	require.NoError(t, err)
	assert.Equal(t, created.PublicKey(), loaded.PublicKey())
}

func TestEncryptedIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.pem")

	created, err := LoadOrCreateIdentity(path, "hunter2")
	require.NoError(t, err)

	loaded, err := LoadOrCreateIdentity(path, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, created.PublicKey(), loaded.PublicKey())

	_, err = LoadOrCreateIdentity(path, "wrong")
	assert.ErrorIs(t, err, ErrBadPassphrase)
	_, err = LoadOrCreateIdentity(path, "")
	assert.ErrorIs(t, err, ErrBadPassphrase)
}
