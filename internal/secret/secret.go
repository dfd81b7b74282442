// Package secret seals signaling payloads with a key derived from a
// pre-shared key, so only peers provisioned with the same PSK can read or
// forge them.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrEmptyKey     = errors.New("secret: pre-shared key is empty")
	ErrShortMessage = errors.New("secret: sealed message too short")
	ErrOpen         = errors.New("secret: message authentication failed")
)

// info binds derived keys to this use.
var info = []byte("ntun signaling v1")

// Box seals and opens messages with XChaCha20-Poly1305.
type Box struct {
	aead cipher.AEAD
}

// DeriveKey stretches psk into a 32-byte key with HKDF-SHA256.
func DeriveKey(psk string) ([]byte, error) {
	if psk == "" {
		return nil, ErrEmptyKey
	}
	reader := hkdf.New(sha256.New, []byte(psk), nil, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("secret: derive key: %w", err)
	}
	return key, nil
}

// New returns a Box keyed from psk.
func New(psk string) (*Box, error) {
	key, err := DeriveKey(psk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce, returned as a prefix.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secret: nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. Any tampering or a different key yields ErrOpen.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(sealed) < ns+b.aead.Overhead() {
		return nil, ErrShortMessage
	}
	plaintext, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}
