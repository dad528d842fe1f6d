// Package secret seals extracted credentials before they leave the process
// memory, using AES-256-GCM.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Sealer encrypts and decrypts individual values.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a base64-encoded 32-byte key.
func NewSealer(keyBase64 string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("secret: invalid base64 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secret: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: creating GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns base64(nonce + ciphertext). Empty input stays empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret: generating nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(s.aead.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("secret: invalid base64 ciphertext: %w", err)
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("secret: ciphertext too short")
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("secret: decryption failed: %w", err)
	}
	return string(plain), nil
}

// SealMap seals every value whose key is selected by secret; other values are
// copied as is.
func (s *Sealer) SealMap(in map[string]string, secret func(string) bool) (map[string]string, error) {
	return s.apply(in, secret, s.Seal)
}

// OpenMap reverses SealMap.
func (s *Sealer) OpenMap(in map[string]string, secret func(string) bool) (map[string]string, error) {
	return s.apply(in, secret, s.Open)
}

func (s *Sealer) apply(in map[string]string, secret func(string) bool, fn func(string) (string, error)) (map[string]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if !secret(k) {
			out[k] = v
			continue
		}
		conv, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = conv
	}
	return out, nil
}
