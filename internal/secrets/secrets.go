// Package secrets encrypts channel credentials at rest with AES-256-GCM.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Box seals and opens small secret payloads with a key derived from the
// configured credentials key.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives a 256-bit key from the configured passphrase and returns a
// ready-to-use Box.
func NewBox(credentialsKey string) (*Box, error) {
	if strings.TrimSpace(credentialsKey) == "" {
		return nil, fmt.Errorf("credentials key is required")
	}
	key := sha256.Sum256([]byte(credentialsKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext. The nonce is prepended to the returned ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func (b *Box) Open(ciphertext []byte) ([]byte, error) {
	size := b.aead.NonceSize()
	if len(ciphertext) < size {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := b.aead.Open(nil, ciphertext[:size], ciphertext[size:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// SealMap encrypts a credentials map as JSON.
func (b *Box) SealMap(values map[string]string) ([]byte, error) {
	if values == nil {
		values = map[string]string{}
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	return b.Seal(payload)
}

// OpenMap decrypts a credentials map sealed by SealMap.
func (b *Box) OpenMap(ciphertext []byte) (map[string]string, error) {
	plaintext, err := b.Open(ciphertext)
	if err != nil {
		return nil, err
	}
	var values map[string]string
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return values, nil
}
