// Package secrets encrypts repository credentials at rest. The sealed
// form is version || nonce || ciphertext+tag under ChaCha20-Poly1305;
// any tampering or key mismatch fails decryption outright. There is no
// plaintext fallback.
package secrets

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCrypto is returned for any decryption failure, including
// authentication tag mismatch and truncated ciphertext.
var ErrCrypto = errors.New("crypto error")

const sealVersion = 1

// Box seals and opens secrets under a single 256-bit key.
type Box struct {
	key []byte
}

// NewBox wraps an existing 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Box{key: key}, nil
}

// LoadOrCreateKey reads the master key from path, generating one with
// owner-only permissions on first start.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("key file %s: want %d bytes, got %d", path, chacha20poly1305.KeySize, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext. Empty plaintext seals to nil so callers can
// store "no token" without a ciphertext.
func (b *Box) Seal(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	aead, err := chacha20poly1305.New(b.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a sealed secret. nil input yields the empty string.
func (b *Box) Open(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	aead, err := chacha20poly1305.New(b.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: sealed data too short", ErrCrypto)
	}
	if sealed[0] != sealVersion {
		return "", fmt.Errorf("%w: unknown seal version %d", ErrCrypto, sealed[0])
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return string(plaintext), nil
}
