package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GovernmentKey is a persisted escrow keypair. The private half is stored
// encrypted under the core's envelope subkey. At most one row is active at
// any time.
type GovernmentKey struct {
	ID                  string
	PublicKey           string
	PrivateKeyEncrypted []byte
	ValidFrom           time.Time
	ValidTo             time.Time
	IsActive            bool
}

// RotateGovernmentKey deactivates the current active escrow key and inserts
// the new one as active, in a single transaction. A concurrent reader never
// observes zero or two active rows.
func (s *Store) RotateGovernmentKey(ctx context.Context, key *GovernmentKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE government_keys SET is_active = 0 WHERE is_active = 1"); err != nil {
		return fmt.Errorf("failed to deactivate government key: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO government_keys (id, public_key, private_key_encrypted, valid_from, valid_to, is_active)
		VALUES (?, ?, ?, ?, ?, 1)
	`, key.ID, key.PublicKey, key.PrivateKeyEncrypted, key.ValidFrom, key.ValidTo); err != nil {
		return fmt.Errorf("failed to insert government key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ActiveGovernmentKey returns the single active escrow key, or
// ErrNoActiveKey.
func (s *Store) ActiveGovernmentKey(ctx context.Context) (*GovernmentKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := &GovernmentKey{IsActive: true}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, public_key, private_key_encrypted, valid_from, valid_to
		FROM government_keys WHERE is_active = 1 LIMIT 1
	`).Scan(&key.ID, &key.PublicKey, &key.PrivateKeyEncrypted, &key.ValidFrom, &key.ValidTo)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load government key: %w", err)
	}
	return key, nil
}

// CountActiveGovernmentKeys returns the number of active escrow rows.
func (s *Store) CountActiveGovernmentKeys(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM government_keys WHERE is_active = 1").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count government keys: %w", err)
	}
	return n, nil
}
