// Package crypto seals provider API keys stored in the settings file.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealedPrefix marks values written by Seal. Anything else is a legacy
// plaintext value and is returned unchanged by Open.
const sealedPrefix = "enc:v1:"

var ErrMalformed = errors.New("crypto: malformed sealed value")

// Sealer encrypts short secrets with XChaCha20-Poly1305.
type Sealer struct {
	key []byte
}

// New derives the sealing key from secret. An empty secret falls back to
// machine attributes (hostname and working directory), which only keeps keys
// from being read casually off disk.
func New(secret string) (*Sealer, error) {
	ikm := []byte(secret)
	if secret == "" {
		hostname, _ := os.Hostname()
		cwd, _ := os.Getwd()
		ikm = []byte(hostname + ":" + cwd)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, ikm, []byte("projectlens-settings"), []byte("api-key-sealing"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext. Empty input stays empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("cipher error: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce error: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix pass through.
func (s *Sealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("cipher error: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("%w: too short", ErrMalformed)
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt error: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
