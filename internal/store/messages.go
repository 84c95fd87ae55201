package store

import (
	"context"
	"fmt"
	"time"
)

// Message is an immutable ciphertext row. The core never decrypts content.
type Message struct {
	ID               string
	ChatID           string
	SenderID         string
	EncryptedContent string
	SentAt           time.Time
}

// RecoveredMessage is the (id, ciphertext) pair returned by recovery.
type RecoveredMessage struct {
	ID               string
	EncryptedContent string
}

// InsertMessage writes the message row and updates the conversation's
// last-message pointer in one transaction. Membership is checked live
// inside the same transaction: a sender removed between the caller's check
// and the write is still rejected.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var chatExists bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM direct_chats WHERE id = ?)", msg.ChatID).Scan(&chatExists); err != nil {
		return fmt.Errorf("failed to query chat: %w", err)
	}
	if !chatExists {
		return ErrChatNotFound
	}

	var isMember bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM direct_chats_members WHERE chat_id = ? AND user_id = ?)",
		msg.ChatID, msg.SenderID).Scan(&isMember); err != nil {
		return fmt.Errorf("failed to query membership: %w", err)
	}
	if !isMember {
		return ErrNotMember
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, encrypted_content, sent_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatID, msg.SenderID, msg.EncryptedContent, msg.SentAt); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE direct_chats SET last_message = ? WHERE id = ?", msg.ID, msg.ChatID); err != nil {
		return fmt.Errorf("failed to update last message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MessagesForUser returns every message ciphertext in chats the user is
// currently a member of.
func (s *Store) MessagesForUser(ctx context.Context, userID string) ([]RecoveredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.encrypted_content
		FROM messages m
		JOIN direct_chats_members dcm ON m.chat_id = dcm.chat_id
		WHERE dcm.user_id = ?
		ORDER BY m.sent_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var result []RecoveredMessage
	for rows.Next() {
		var msg RecoveredMessage
		if err := rows.Scan(&msg.ID, &msg.EncryptedContent); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return result, nil
}

// MessageCount returns the number of messages in a chat.
func (s *Store) MessageCount(ctx context.Context, chatID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE chat_id = ?", chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// LastMessage returns the chat's last-message pointer, empty if none.
func (s *Store) LastMessage(ctx context.Context, chatID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *string
	err := s.db.QueryRowContext(ctx,
		"SELECT last_message FROM direct_chats WHERE id = ?", chatID).Scan(&last)
	if err != nil {
		return "", fmt.Errorf("failed to query last message: %w", err)
	}
	if last == nil {
		return "", nil
	}
	return *last, nil
}
