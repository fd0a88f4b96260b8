// Package tokenseal encrypts provider access tokens before they are written to
// the database and decrypts them when they are read back.
package tokenseal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "v1:"

// ErrMalformed is returned when a sealed value cannot be decoded or authenticated.
var ErrMalformed = errors.New("sealed token is malformed or was tampered with")

// Sealer seals and opens secrets.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// Noop stores values unchanged. Used when no encryption key is configured.
type Noop struct{}

func (Noop) Seal(plaintext string) (string, error) { return plaintext, nil }
func (Noop) Open(stored string) (string, error)    { return stored, nil }

// XChaCha seals with XChaCha20-Poly1305 using a random 24-byte nonce.
type XChaCha struct {
	key []byte
}

// NewXChaCha builds a sealer from a 32-byte key.
func NewXChaCha(key []byte) (*XChaCha, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &XChaCha{key: k}, nil
}

// NewFromBase64 decodes a base64 key; an empty key yields a Noop sealer.
func NewFromBase64(encoded string) (Sealer, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return Noop{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return NewXChaCha(key)
}

func (s *XChaCha) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values written before sealing was enabled are
// returned unchanged.
func (s *XChaCha) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrMalformed
	}
	return string(plaintext), nil
}
