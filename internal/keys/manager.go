// Package keys orchestrates key lifecycle: user keypair generation and
// registration, private-key persistence, escrow (government) key rotation
// and message recovery authorization.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"io"
	"time"

	"github.com/6oT9lpa/nesfinch/internal/crypto"
	"github.com/6oT9lpa/nesfinch/internal/keystore"
	"github.com/6oT9lpa/nesfinch/internal/observability"
	"github.com/6oT9lpa/nesfinch/internal/ratelimit"
	"github.com/6oT9lpa/nesfinch/internal/store"
	"github.com/6oT9lpa/nesfinch/internal/validation"
	apperr "github.com/6oT9lpa/nesfinch/pkg/errors"
)

const (
	// UserKeyTTL is the registration lifetime of a generated or exchanged key.
	UserKeyTTL = 30 * 24 * time.Hour

	// GovernmentKeyTTL is the validity window of an escrow key.
	GovernmentKeyTTL = 24 * time.Hour

	escrowIVSize = 16

	// Recovery attempts are throttled per user to slow down probing with
	// stolen or guessed private keys.
	recoveryRate  = 1.0
	recoveryBurst = 5
)

// Manager owns the envelope subkey for its lifetime and coordinates the
// registry, the keystore and the crypto primitives. The subkeys are derived
// from the externally provisioned master secret, never generated in-process,
// so every instance of the service seals and opens the same material.
type Manager struct {
	store           *store.Store
	keystore        *keystore.Store
	envelopeKey     []byte
	logger          *observability.Logger
	metrics         *observability.Metrics
	recoveryLimiter *ratelimit.Keyed
}

// NewManager creates a key manager. envelopeKey must be the 32-byte envelope
// subkey derived from the provisioned master secret.
func NewManager(st *store.Store, ks *keystore.Store, envelopeKey []byte, logger *observability.Logger, metrics *observability.Metrics) (*Manager, error) {
	if len(envelopeKey) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}
	return &Manager{
		store:           st,
		keystore:        ks,
		envelopeKey:     envelopeKey,
		logger:          logger,
		metrics:         metrics,
		recoveryLimiter: ratelimit.NewKeyed(recoveryRate, recoveryBurst),
	}, nil
}

// EnvelopeKey returns the symmetric key used to seal session-key envelopes.
func (m *Manager) EnvelopeKey() []byte { return m.envelopeKey }

// GenerateUserKeys generates a fresh keypair for userID, registers the
// public half with a 30-day expiration and persists the private half
// encrypted at rest. Registration and persistence form one logical unit:
// if the private half cannot be saved, the registry insert is rolled back
// so no public record exists without a recoverable private counterpart.
//
// The returned pair is owned by the caller, which must Destroy it.
func (m *Manager) GenerateUserKeys(ctx context.Context, userID string) (*crypto.KeyPair, error) {
	if err := validation.ValidateUserID(userID); err != nil {
		return nil, apperr.InvalidArg("invalid user id")
	}

	start := time.Now()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		m.logger.Error(err, "key generation failed")
		m.countKeyGeneration("error")
		return nil, apperr.Crypto("key generation error", err)
	}
	if m.metrics != nil {
		m.metrics.KeyGenerationDuration.Observe(time.Since(start).Seconds())
	}

	active, err := m.store.ActiveKeyExists(ctx, kp.Fingerprint)
	if err != nil {
		kp.Destroy()
		m.logger.Error(err, "fingerprint lookup failed")
		return nil, apperr.Internal("database error", err)
	}
	if active {
		kp.Destroy()
		m.countKeyGeneration("conflict")
		return nil, apperr.AlreadyExists("key already exists and is not revoked")
	}

	record := &store.UserKey{
		UserID:      userID,
		PublicKey:   kp.PublicKey,
		Fingerprint: kp.Fingerprint,
		ExpiresAt:   time.Now().Add(UserKeyTTL),
	}
	if err := m.store.RegisterKey(ctx, record); err != nil {
		kp.Destroy()
		if err == store.ErrFingerprintExists {
			m.countKeyGeneration("conflict")
			return nil, apperr.AlreadyExists("key already exists and is not revoked")
		}
		m.logger.Error(err, "key registration failed")
		return nil, apperr.Internal("database error", err)
	}

	if err := m.keystore.Save([]byte(kp.PrivateKey())); err != nil {
		kp.Destroy()
		m.logger.Error(err, "failed to persist private key, rolling back registration")
		if rbErr := m.store.RemoveKey(ctx, record.ID); rbErr != nil {
			m.logger.Error(rbErr, "rollback of key registration failed")
		}
		m.countKeyGeneration("error")
		return nil, apperr.Crypto("failed to save private key", err)
	}

	m.logger.KeyGenerated(userID, kp.Fingerprint, record.ExpiresAt)
	m.countKeyGeneration("ok")
	return kp, nil
}

// GetPrivateKey loads and parses the process's persisted private key.
// An unparsable blob usually means the provisioned master secret changed
// since the blob was sealed; that is a deployment error.
func (m *Manager) GetPrivateKey(ctx context.Context) (*rsa.PrivateKey, error) {
	secret, err := m.keystore.Load()
	if err != nil {
		if err == keystore.ErrNotFound {
			return nil, apperr.NotFound("no private key stored")
		}
		m.logger.Error(err, "failed to load private key")
		return nil, apperr.Crypto("failed to load private key", err)
	}
	defer secret.Destroy()

	key, err := crypto.ParsePrivateKey(secret.String())
	if err != nil {
		m.logger.Error(err, "failed to parse stored private key")
		return nil, apperr.InvalidFormat("invalid private key format", err)
	}
	return key, nil
}

// RotateGovernmentKey deactivates the current escrow key and installs a new
// one valid for 24 hours, as one transaction. The escrow private half is
// stored sealed under the envelope subkey.
func (m *Manager) RotateGovernmentKey(ctx context.Context) error {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		m.logger.Error(err, "government key generation failed")
		return apperr.Crypto("government key generation error", err)
	}
	defer kp.Destroy()

	sealed, err := crypto.Seal(m.envelopeKey, []byte(kp.PrivateKey()))
	if err != nil {
		m.logger.Error(err, "failed to seal government private key")
		return apperr.Crypto("government key generation error", err)
	}

	validFrom := time.Now()
	validTo := validFrom.Add(GovernmentKeyTTL)
	record := &store.GovernmentKey{
		PublicKey:           kp.PublicKey,
		PrivateKeyEncrypted: sealed,
		ValidFrom:           validFrom,
		ValidTo:             validTo,
	}
	if err := m.store.RotateGovernmentKey(ctx, record); err != nil {
		m.logger.Error(err, "government key rotation failed")
		return apperr.Internal("database error", err)
	}

	m.logger.GovernmentKeyRotated(validFrom, validTo)
	if m.metrics != nil {
		m.metrics.EscrowRotationsTotal.Inc()
	}
	return nil
}

// EscrowEncrypt encrypts message under the active government public key.
// Returns hex ciphertext and a random 16-byte IV in hex.
func (m *Manager) EscrowEncrypt(ctx context.Context, message string) (ciphertextHex, ivHex string, err error) {
	active, err := m.store.ActiveGovernmentKey(ctx)
	if err != nil {
		if err == store.ErrNoActiveKey {
			m.countEscrow("no_active_key")
			return "", "", apperr.NotFound("no active government key found")
		}
		m.logger.Error(err, "government key lookup failed")
		return "", "", apperr.Internal("database error", err)
	}

	if _, err := crypto.ParsePublicKey(active.PublicKey); err != nil {
		m.logger.Error(err, "stored government key failed to parse")
		m.countEscrow("invalid_key")
		return "", "", apperr.InvalidFormat("invalid government key format", err)
	}

	ciphertext, err := crypto.EncryptRSA(active.PublicKey, []byte(message))
	if err != nil {
		m.logger.Error(err, "escrow encryption failed")
		m.countEscrow("error")
		return "", "", apperr.Crypto("encryption failed", err)
	}

	iv := make([]byte, escrowIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		m.countEscrow("error")
		return "", "", apperr.Crypto("encryption failed", err)
	}

	m.countEscrow("ok")
	return hex.EncodeToString(ciphertext), hex.EncodeToString(iv), nil
}

// RecoverMessages authorizes the supplied private key against userID and
// returns every message ciphertext in the user's chats. A revoked key still
// authorizes; a key belonging to another user (or to nobody) is rejected
// with the same error either way. Decryption is the caller's concern.
func (m *Manager) RecoverMessages(ctx context.Context, userID, privateKeyPEM string) ([]store.RecoveredMessage, error) {
	if err := validation.ValidateUserID(userID); err != nil {
		return nil, apperr.InvalidArg("invalid user id")
	}
	if !m.recoveryLimiter.Allow(userID) {
		m.countRecovery("throttled")
		return nil, apperr.PermissionDenied("too many recovery attempts")
	}

	fingerprint, err := crypto.FingerprintFromPrivate(privateKeyPEM)
	if err != nil {
		m.countRecovery("invalid_key")
		return nil, apperr.InvalidArg("invalid private key")
	}

	authorized, err := m.store.AuthorizeKey(ctx, userID, fingerprint)
	if err != nil {
		m.logger.Error(err, "recovery authorization lookup failed")
		return nil, apperr.Internal("database error", err)
	}
	if !authorized {
		m.logger.RecoveryAttempt(userID, false, 0)
		m.countRecovery("denied")
		return nil, apperr.PermissionDenied("private key does not belong to user")
	}

	messages, err := m.store.MessagesForUser(ctx, userID)
	if err != nil {
		m.logger.Error(err, "recovery message query failed")
		return nil, apperr.Internal("database error", err)
	}

	m.logger.RecoveryAttempt(userID, true, len(messages))
	m.countRecovery("ok")
	return messages, nil
}

func (m *Manager) countKeyGeneration(result string) {
	if m.metrics != nil {
		m.metrics.KeyGenerationsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) countEscrow(result string) {
	if m.metrics != nil {
		m.metrics.EscrowEncryptionsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) countRecovery(result string) {
	if m.metrics != nil {
		m.metrics.RecoveryRequestsTotal.WithLabelValues(result).Inc()
	}
}
