// Package crypt seals and opens payload blobs.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrDecrypt is returned when a blob cannot be opened with the configured key.
var ErrDecrypt = errors.New("decrypt failed")

// Cipher seals plaintext into an opaque blob and opens it again.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Plaintext passes data through unchanged.
type Plaintext struct{}

func (Plaintext) Seal(p []byte) ([]byte, error) { return p, nil }
func (Plaintext) Open(s []byte) ([]byte, error) { return s, nil }

// AESGCM seals with AES-GCM and a random nonce prepended to the ciphertext.
type AESGCM struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewAESGCM accepts a 16, 24 or 32 byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESGCM{aead: aead, rand: rand.Reader}, nil
}

// Seal encrypts p.
func (c *AESGCM) Seal(p []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(p)+c.aead.Overhead())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, p, nil), nil
}

// Open decrypts a blob produced by Seal.
func (c *AESGCM) Open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrDecrypt)
	}
	out, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return out, nil
}

// ParseKey decodes a base64 key (standard or URL alphabet).
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			switch len(key) {
			case 16, 24, 32:
				return key, nil
			default:
				return nil, fmt.Errorf("key is %d bytes, want 16, 24 or 32", len(key))
			}
		}
	}
	return nil, errors.New("key is not valid base64")
}

// GenerateKey returns a new random 32-byte key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// FromKey returns an AES-GCM cipher for a base64 key, or Plaintext when the
// key is empty.
func FromKey(encoded string) (Cipher, error) {
	if strings.TrimSpace(encoded) == "" {
		return Plaintext{}, nil
	}
	key, err := ParseKey(encoded)
	if err != nil {
		return nil, err
	}
	return NewAESGCM(key)
}
