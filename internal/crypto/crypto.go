// Package crypto provides the cryptographic primitives for the NesFinch key
// core.
//
// This package implements:
//   - RSA-2048 keypair generation with PEM encoding
//   - SHA-256 public key fingerprints
//   - AES-256-GCM authenticated encryption (self-contained sealed blobs)
//   - RSA PKCS#1 v1.5 encryption for the escrow path
//   - Deterministic participant-pair digests
//
// It holds no state; key material ownership stays with the caller.
package crypto

import (
	"crypto/rand"
	"errors"
	"io"
)

const (
	// RSAKeySize is the modulus size used for every generated keypair.
	RSAKeySize = 2048

	// KeySize is the size of every symmetric key handled by this package.
	KeySize = 32

	// NonceSize is the AES-GCM nonce length prepended to sealed blobs.
	NonceSize = 12

	// TagSize is the AES-GCM authentication tag length appended to sealed blobs.
	TagSize = 16
)

var (
	// ErrInvalidKeySize is returned when a symmetric key is not 32 bytes.
	ErrInvalidKeySize = errors.New("key must be exactly 32 bytes for AES-256")

	// ErrInvalidCiphertext is returned when a sealed blob cannot be opened.
	// Truncated input and failed authentication are deliberately not
	// distinguished.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// KeyPair is an in-memory asymmetric keypair. The private half is wiped by
// Destroy; callers that requested a pair own it and must call Destroy once
// the private PEM is no longer needed.
type KeyPair struct {
	privatePEM  []byte
	PublicKey   string // PEM, PKIX
	Fingerprint string // lowercase hex, 64 chars
}

// PrivateKey returns the PEM-encoded private half. The returned string is
// backed by the pair's buffer and becomes unusable after Destroy.
func (kp *KeyPair) PrivateKey() string {
	return string(kp.privatePEM)
}

// Destroy wipes the private key material.
func (kp *KeyPair) Destroy() {
	Zeroize(kp.privatePEM)
	kp.privatePEM = nil
}

// NewSymmetricKey generates a fresh random 32-byte key.
func NewSymmetricKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
