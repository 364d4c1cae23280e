// Package crypto seals line-protocol frames with NaCl secretbox.
//
// A Key is derived from the shared token with HKDF-SHA256. Each sealed frame
// carries its own random nonce:
//
//	[ 24-byte nonce ][ secretbox ciphertext ]
//
// Connections without a token never construct a Key and send plain JSON.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var hkdfInfo = []byte("datactl-wire-v1")

// ErrOpen is returned when a frame fails authentication, usually because the
// peers hold different tokens.
var ErrOpen = errors.New("frame authentication failed (wrong token?)")

// Key is a secretbox key shared by both ends of a connection.
type Key [32]byte

// DeriveKey derives a Key from token. Both ends must use the same token.
func DeriveKey(token string) (*Key, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}
	r := hkdf.New(sha256.New, []byte(token), nil, hkdfInfo)
	var k Key
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return nil, fmt.Errorf("key derivation: %w", err)
	}
	return &k, nil
}

// Seal encrypts plaintext and prepends a fresh nonce.
func (k *Key) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, (*[32]byte)(k)), nil
}

// Open authenticates and decrypts a frame produced by Seal.
func (k *Key) Open(frame []byte) ([]byte, error) {
	if len(frame) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("frame too short (%d bytes)", len(frame))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], frame[:nonceSize])
	plain, ok := secretbox.Open(nil, frame[nonceSize:], &nonce, (*[32]byte)(k))
	if !ok {
		return nil, ErrOpen
	}
	return plain, nil
}
