package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Seal encrypts and authenticates plaintext using AES-256-GCM.
//
// A fresh random 12-byte nonce is generated per call and prepended to the
// output, so the result is self-contained:
//
//	nonce (12 bytes) || ciphertext || tag (16 bytes)
//
// Nonce uniqueness relies on the CSPRNG; a single key must not seal an
// unbounded number of blobs.
//
// Parameters:
//   - key: 32-byte AES-256 key
//   - plaintext: data to encrypt
//
// Returns:
//   - sealed blob, or error on invalid key size or RNG failure
func Seal(key []byte, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext and tag after the nonce prefix.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts and verifies a blob produced by Seal.
//
// Truncated input and authentication failure both return
// ErrInvalidCiphertext; the distinction is never surfaced, so a tampering
// caller learns nothing about why the blob was rejected.
//
// Parameters:
//   - key: 32-byte AES-256 key (same as used for sealing)
//   - sealed: nonce || ciphertext || tag
//
// Returns:
//   - plaintext if authentication succeeds
func Open(key []byte, sealed []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}
