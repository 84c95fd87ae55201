package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserKey is a persisted public-key record. Records are never physically
// deleted; revocation is a soft marker so formerly valid keys can still
// authorize recovery.
type UserKey struct {
	ID          string
	UserID      string
	PublicKey   string
	Fingerprint string
	ExpiresAt   time.Time
	IsRevoked   bool
}

// RegisterKey inserts a new key record. Fails with ErrFingerprintExists if a
// non-revoked record with the same fingerprint exists; revoked records never
// block registration through this path.
func (s *Store) RegisterKey(ctx context.Context, key *UserKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_keys (id, user_id, public_key, fingerprint, expires_at, is_revoked)
		VALUES (?, ?, ?, ?, ?, 0)
	`, key.ID, key.UserID, key.PublicKey, key.Fingerprint, key.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrFingerprintExists
		}
		return fmt.Errorf("failed to register key: %w", err)
	}
	return nil
}

// RemoveKey deletes a key record by id. Only used to roll back a
// registration whose private-half persistence failed; revocation is the
// path for every other removal.
func (s *Store) RemoveKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM user_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to remove key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// UpsertKeyByFingerprint replaces the public key and expiry of the record
// matching fingerprint and clears its revocation, or inserts a fresh record
// if no match exists. This is the public-key-exchange path, the only one
// allowed to resurrect a revoked fingerprint.
func (s *Store) UpsertKeyByFingerprint(ctx context.Context, userID, publicKey, fingerprint string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE user_keys
		SET public_key = ?, expires_at = ?, is_revoked = 0
		WHERE fingerprint = ?
	`, publicKey, expiresAt, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to update key: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_keys (id, user_id, public_key, fingerprint, expires_at, is_revoked)
			VALUES (?, ?, ?, ?, ?, 0)
		`, uuid.NewString(), userID, publicKey, fingerprint, expiresAt)
		if err != nil {
			return fmt.Errorf("failed to insert key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RevokeKey marks the record with the given fingerprint as revoked.
func (s *Store) RevokeKey(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE user_keys SET is_revoked = 1 WHERE fingerprint = ? AND is_revoked = 0", fingerprint)
	if err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// ActiveKeyExists reports whether a non-revoked record exists for
// fingerprint.
func (s *Store) ActiveKeyExists(ctx context.Context, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM user_keys WHERE fingerprint = ? AND is_revoked = 0)",
		fingerprint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query key: %w", err)
	}
	return exists, nil
}

// UserHasActiveKey reports whether userID has any non-revoked key.
func (s *Store) UserHasActiveKey(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM user_keys WHERE user_id = ? AND is_revoked = 0)",
		userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query key: %w", err)
	}
	return exists, nil
}

// AuthorizeKey reports whether a record exists for the (user, fingerprint)
// pair, revoked or not. A formerly valid key still proves identity for
// message recovery.
func (s *Store) AuthorizeKey(ctx context.Context, userID, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM user_keys WHERE user_id = ? AND fingerprint = ?)",
		userID, fingerprint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query key: %w", err)
	}
	return exists, nil
}

// KeyByFingerprint returns the record for fingerprint regardless of
// revocation state.
func (s *Store) KeyByFingerprint(ctx context.Context, fingerprint string) (*UserKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := &UserKey{}
	var revoked int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, public_key, fingerprint, expires_at, is_revoked
		FROM user_keys WHERE fingerprint = ?
	`, fingerprint).Scan(&key.ID, &key.UserID, &key.PublicKey, &key.Fingerprint, &key.ExpiresAt, &revoked)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key: %w", err)
	}
	key.IsRevoked = revoked != 0
	return key, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
