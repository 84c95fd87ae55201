// Package keystore persists the process's private-key blob encrypted at rest
// and resolves the durable master secret it is sealed under.
package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/6oT9lpa/nesfinch/internal/crypto"
)

const keyFileName = "encrypted_private_key.bin"

var (
	// ErrNotFound is returned by Load when no sealed blob exists yet.
	ErrNotFound = errors.New("no private key stored")
)

// Secret is a decrypted private-key buffer. Destroy wipes it; callers must
// do so as soon as the material has been parsed or copied.
type Secret struct {
	buf []byte
}

// Bytes returns the plaintext buffer. Invalid after Destroy.
func (s *Secret) Bytes() []byte { return s.buf }

// String returns the plaintext as a string. The string shares no storage
// with the wiped buffer, so it is the caller's copy to manage.
func (s *Secret) String() string { return string(s.buf) }

// Destroy wipes the plaintext buffer.
func (s *Secret) Destroy() {
	crypto.Zeroize(s.buf)
	s.buf = nil
}

// Store seals private-key material under a storage key and keeps exactly one
// blob per process identity at a private on-disk location.
type Store struct {
	dir string
	key []byte
}

// New creates a store rooted at dir, sealing with the 32-byte storage key.
// The directory is created with owner-only permissions if absent.
func New(dir string, storageKey []byte) (*Store, error) {
	if len(storageKey) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return &Store{dir: dir, key: storageKey}, nil
}

// Path returns the location of the sealed blob.
func (s *Store) Path() string {
	return filepath.Join(s.dir, keyFileName)
}

// Save seals plain and writes it atomically: the blob is written to a temp
// file in the same directory and renamed over the target, so readers never
// observe a partial write.
func (s *Store) Save(plain []byte) error {
	sealed, err := crypto.Seal(s.key, plain)
	if err != nil {
		return fmt.Errorf("failed to seal private key: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, keyFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write sealed key: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to restrict key file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace key file: %w", err)
	}
	return nil
}

// Load reads and opens the sealed blob. Returns ErrNotFound if no blob has
// been saved, or a crypto error if the blob cannot be authenticated (wrong
// or rotated storage key, corruption).
func (s *Store) Load() (*Secret, error) {
	sealed, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	plain, err := crypto.Open(s.key, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed key: %w", err)
	}
	return &Secret{buf: plain}, nil
}

// DefaultDir resolves the private user-data directory for key material.
// Falls back to a subdirectory of the working directory when no user-data
// location is available.
func DefaultDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		// Windows
		return filepath.Join(appData, "nesfinch", "keys")
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "nesfinch", "keys")
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local", "share", "nesfinch", "keys")
	}

	wd, _ := os.Getwd()
	return filepath.Join(wd, "nesfinch_keys")
}
