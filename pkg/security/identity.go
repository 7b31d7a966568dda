package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

const (
	pemTypePlain     = "PRIVATE KEY"
	pemTypeEncrypted = "ECHOCHAIN ENCRYPTED PRIVATE KEY"
)

var ErrBadPassphrase = errors.New("wrong passphrase or corrupt identity file")

// Identity is a node's long-lived Ed25519 signing key.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// PublicKey returns the raw 32-byte public key.
func (id *Identity) PublicKey() []byte {
	return append([]byte(nil), id.pub...)
}

func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// Verify checks sig over msg against a raw public key.
func Verify(publicKey, msg, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), msg, sig)
}

// NewChallenge returns 32 random bytes for a peer to sign.
func NewChallenge() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadOrCreateIdentity reads the PEM key at path, creating one if the file
// does not exist. A non-empty passphrase encrypts the key at rest.
func LoadOrCreateIdentity(path, passphrase string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := NewIdentity()
		if err != nil {
			return nil, err
		}
		if err := id.Save(path, passphrase); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}
	return parseIdentity(data, passphrase)
}

// Save writes the key as PKCS#8 PEM with 0600 permissions.
func (id *Identity) Save(path, passphrase string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.priv)
	if err != nil {
		return err
	}

	block := &pem.Block{Type: pemTypePlain, Bytes: der}
	if passphrase != "" {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		key, err := passphraseKey(passphrase, salt)
		if err != nil {
			return err
		}
		nonce, sealed, err := Seal(key, der, []byte(pemTypeEncrypted))
		if err != nil {
			return err
		}
		block = &pem.Block{
			Type: pemTypeEncrypted,
			Headers: map[string]string{
				"Salt":  hex.EncodeToString(salt),
				"Nonce": hex.EncodeToString(nonce),
			},
			Bytes: sealed,
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

func parseIdentity(data []byte, passphrase string) (*Identity, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrBadPassphrase)
	}

	der := block.Bytes
	switch block.Type {
	case pemTypePlain:
	case pemTypeEncrypted:
		if passphrase == "" {
			return nil, fmt.Errorf("%w: identity is encrypted", ErrBadPassphrase)
		}
		salt, err := hex.DecodeString(block.Headers["Salt"])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
		}
		nonce, err := hex.DecodeString(block.Headers["Nonce"])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
		}
		key, err := passphraseKey(passphrase, salt)
		if err != nil {
			return nil, err
		}
		if der, err = Open(key, nonce, block.Bytes, []byte(pemTypeEncrypted)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
		}
	default:
		return nil, fmt.Errorf("unexpected PEM type %q", block.Type)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity is %T, want ed25519", parsed)
	}
	return &Identity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func passphraseKey(passphrase string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, KeySize)
}
