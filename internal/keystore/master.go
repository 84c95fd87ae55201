package keystore

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"golang.org/x/crypto/hkdf"

	"github.com/6oT9lpa/nesfinch/internal/crypto"
)

const (
	masterKeyItem = "master-key"

	// Domain separation strings for subkey derivation. The storage subkey
	// protects the private-key blob on disk; the envelope subkey seals
	// session-key envelopes and escrow private halves. Rotating one concern
	// never orphans material sealed under the other.
	storageInfo  = "nesfinch-v1-storage"
	envelopeInfo = "nesfinch-v1-envelope"
)

// openRing opens the OS keyring for the given service, falling back to an
// encrypted file backend under dataDir on platforms without a native ring.
func openRing(service, dataDir string) (keyring.Keyring, error) {
	return keyring.Open(keyring.Config{
		ServiceName:      service,
		FileDir:          filepath.Join(dataDir, "keyring"),
		FilePasswordFunc: keyring.FixedStringPrompt(os.Getenv("NESFINCH_KEYRING_PASSWORD")),
	})
}

// LoadMasterKey reads the provisioned 32-byte master secret. Every instance
// of the service must load the identical secret, or material sealed by one
// instance is unreadable by another; a missing key is a deployment error,
// not a signal to generate one in-process.
func LoadMasterKey(service, dataDir string) ([]byte, error) {
	ring, err := openRing(service, dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	item, err := ring.Get(masterKeyItem)
	if err == keyring.ErrKeyNotFound {
		return nil, fmt.Errorf("master key not provisioned for service %q: run keygen provision", service)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}
	if len(item.Data) != crypto.KeySize {
		return nil, fmt.Errorf("provisioned master key has invalid size %d", len(item.Data))
	}
	return item.Data, nil
}

// ProvisionMasterKey stores the master secret durably. Overwrites any
// previous secret; material sealed under the old one becomes unreadable.
func ProvisionMasterKey(service, dataDir string, key []byte) error {
	if len(key) != crypto.KeySize {
		return crypto.ErrInvalidKeySize
	}
	ring, err := openRing(service, dataDir)
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}
	if err := ring.Set(keyring.Item{
		Key:   masterKeyItem,
		Label: "NesFinch key-core master secret",
		Data:  key,
	}); err != nil {
		return fmt.Errorf("failed to store master key: %w", err)
	}
	return nil
}

// MasterKeyProvisioned reports whether a master secret exists for service.
func MasterKeyProvisioned(service, dataDir string) (bool, error) {
	ring, err := openRing(service, dataDir)
	if err != nil {
		return false, fmt.Errorf("failed to open keyring: %w", err)
	}
	_, err = ring.Get(masterKeyItem)
	if err == keyring.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read master key: %w", err)
	}
	return true, nil
}

// DeriveSubkeys expands the master secret into the storage and envelope
// subkeys via HKDF-SHA256 with distinct info strings.
func DeriveSubkeys(master []byte) (storage, envelope []byte, err error) {
	if len(master) != crypto.KeySize {
		return nil, nil, crypto.ErrInvalidKeySize
	}
	storage, err = expand(master, storageInfo)
	if err != nil {
		return nil, nil, err
	}
	envelope, err = expand(master, envelopeInfo)
	if err != nil {
		crypto.Zeroize(storage)
		return nil, nil, err
	}
	return storage, envelope, nil
}

func expand(master []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, crypto.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF expansion failed: %w", err)
	}
	return key, nil
}
