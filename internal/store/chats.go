package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Chat is a direct or group conversation.
type Chat struct {
	ID        string
	IsGroup   bool
	PairKey   string // digest of the unordered participant pair; empty for groups
	CreatedAt time.Time
}

// Envelope is the per-participant wrapping of a conversation's session key.
// Immutable once written; superseded only by a new conversation.
type Envelope struct {
	ChatID       string
	UserID       string
	EncryptedKey string // hex
	IV           string // hex
	ExpiresAt    time.Time
}

// FindDirectChat returns the id of the non-group conversation with the
// given pair digest, or ErrChatNotFound.
func (s *Store) FindDirectChat(ctx context.Context, pairKey string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM direct_chats WHERE pair_key = ? AND is_group = 0", pairKey).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrChatNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query chat: %w", err)
	}
	return id, nil
}

// CreateChat persists the conversation, its membership and every session-key
// envelope in one transaction, so membership rows are never observable
// without their envelopes.
func (s *Store) CreateChat(ctx context.Context, chat *Chat, members []string, envelopes []*Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var pairKey any
	if chat.PairKey != "" {
		pairKey = chat.PairKey
	}

	isGroup := 0
	if chat.IsGroup {
		isGroup = 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO direct_chats (id, is_group, pair_key, created_at)
		VALUES (?, ?, ?, ?)
	`, chat.ID, isGroup, pairKey, chat.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrChatExists // racing creation; caller re-queries by pair key
		}
		return fmt.Errorf("failed to insert chat: %w", err)
	}

	for _, userID := range members {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO direct_chats_members (chat_id, user_id) VALUES (?, ?)",
			chat.ID, userID); err != nil {
			return fmt.Errorf("failed to insert member: %w", err)
		}
	}

	for _, env := range envelopes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_keys (chat_id, user_id, encrypted_key, iv, expires_at)
			VALUES (?, ?, ?, ?, ?)
		`, env.ChatID, env.UserID, env.EncryptedKey, env.IV, env.ExpiresAt); err != nil {
			return fmt.Errorf("failed to insert envelope: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsMember reports current membership of userID in chatID.
func (s *Store) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM direct_chats_members WHERE chat_id = ? AND user_id = ?)",
		chatID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query membership: %w", err)
	}
	return exists, nil
}

// ChatEnvelope returns the envelope persisted for (chatID, userID).
func (s *Store) ChatEnvelope(ctx context.Context, chatID, userID string) (*Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env := &Envelope{ChatID: chatID, UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT encrypted_key, iv, expires_at FROM chat_keys
		WHERE chat_id = ? AND user_id = ?
	`, chatID, userID).Scan(&env.EncryptedKey, &env.IV, &env.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load envelope: %w", err)
	}
	return env, nil
}

// CountEnvelopes returns the number of envelopes persisted for a chat.
func (s *Store) CountEnvelopes(ctx context.Context, chatID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chat_keys WHERE chat_id = ?", chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count envelopes: %w", err)
	}
	return n, nil
}
