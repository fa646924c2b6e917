// Package secrets encrypts provider credentials before they are stored.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	versionPrefix = "v1:"
	hkdfInfo      = "coaching-scheduler credential sealing"
)

// ErrMalformed indicates a sealed value could not be decoded or authenticated.
var ErrMalformed = errors.New("secrets: malformed sealed value")

// Sealer encrypts and authenticates small payloads with XChaCha20-Poly1305
// under a key derived from a configured secret.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from secret.
func NewSealer(secret string) (*Sealer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("secrets: secret must not be empty")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext into a printable string.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return versionPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *Sealer) Open(value string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(value, versionPrefix)
	if !ok {
		return nil, ErrMalformed
	}
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrMalformed
	}
	return plaintext, nil
}

// SealJSON marshals v and seals the result.
func (s *Sealer) SealJSON(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("secrets: encode: %w", err)
	}
	return s.Seal(payload)
}

// OpenJSON opens value and unmarshals it into v.
func (s *Sealer) OpenJSON(value string, v any) error {
	payload, err := s.Open(value)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("secrets: decode: %w", err)
	}
	return nil
}
