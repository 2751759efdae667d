// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

// Package credcrypt seals provider credentials embedded in webhook records
// with authenticated encryption. Plaintext credentials exist only in the
// verifier's stack frame and must never be logged.
package credcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"

	"github.com/zeebo/errs"
)

// Error is a credcrypt error.
var Error = errs.Class("credcrypt")

// KeySize is the size of the sealing key in bytes.
const KeySize = 32

// Key is an AES-256-GCM sealing key.
type Key [KeySize]byte

// KeyFromHex parses a hex-encoded 32-byte key.
func KeyFromHex(s string) (*Key, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, Error.New("invalid key encoding: %v", err)
	}
	if len(raw) != KeySize {
		return nil, Error.New("expected %d key bytes, got %d", KeySize, len(raw))
	}
	var key Key
	copy(key[:], raw)
	return &key, nil
}

// NewKey generates a random sealing key.
func NewKey() (*Key, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return nil, Error.Wrap(err)
	}
	return &key, nil
}

// Seal encrypts plaintext, prepending the random nonce to the ciphertext.
func (key *Key) Seal(plaintext []byte) ([]byte, error) {
	aead, err := key.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, Error.Wrap(err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts sealed bytes produced by Seal, failing on any tampering.
func (key *Key) Open(sealed []byte) ([]byte, error) {
	aead, err := key.aead()
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, Error.New("sealed value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, Error.New("open failed: %v", err)
	}
	return plaintext, nil
}

func (key *Key) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, Error.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return aead, nil
}
