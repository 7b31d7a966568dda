package security

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the symmetric key length used by Seal and Open.
const KeySize = chacha20poly1305.KeySize

const sessionKeyInfo = "echochain-session-key"

// ExchangeKey is an ephemeral X25519 keypair for deriving a session key.
type ExchangeKey struct {
	priv [32]byte
	pub  []byte
}

func NewExchangeKey() (*ExchangeKey, error) {
	var k ExchangeKey
	if _, err := rand.Read(k.priv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate exchange key: %w", err)
	}
	pub, err := curve25519.X25519(k.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute public key: %w", err)
	}
	k.pub = pub
	return &k, nil
}

func (k *ExchangeKey) Public() []byte {
	return append([]byte(nil), k.pub...)
}

// DeriveSessionKey runs X25519 with the peer's public key and stretches the
// shared secret with HKDF-SHA256. Both sides get the same key.
func (k *ExchangeKey) DeriveSessionKey(peerPublic []byte) ([]byte, error) {
	shared, err := curve25519.X25519(k.priv[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(sessionKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under a fresh random nonce.
func Seal(key, plaintext, associatedData []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, associatedData), nil
}

func Open(key, nonce, ciphertext, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(nonce))
	}
	return aead.Open(nil, nonce, ciphertext, associatedData)
}
