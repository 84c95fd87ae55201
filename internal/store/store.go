// Package store is the SQLite-backed persistence layer for the key core:
// user key records, escrow (government) keys, conversations, session-key
// envelopes and message ciphertexts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrFingerprintExists = errors.New("active key with this fingerprint already exists")
	ErrKeyNotFound       = errors.New("key not found")
	ErrNoActiveKey       = errors.New("no active government key")
	ErrChatNotFound      = errors.New("chat not found")
	ErrChatExists        = errors.New("chat already exists for this pair")
	ErrNotMember         = errors.New("user is not a member of this chat")
)

// Store manages SQLite-backed key, chat and message storage.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates a store backed by the database at dbPath, creating the
// schema if it doesn't exist. Use ":memory:" for tests.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// and keeps ":memory:" databases coherent across calls.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS user_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			public_key TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			is_revoked INTEGER NOT NULL DEFAULT 0
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_user_keys_active_fingerprint
			ON user_keys(fingerprint) WHERE is_revoked = 0;
		CREATE INDEX IF NOT EXISTS idx_user_keys_user ON user_keys(user_id);

		CREATE TABLE IF NOT EXISTS government_keys (
			id TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			private_key_encrypted BLOB NOT NULL,
			valid_from TIMESTAMP NOT NULL,
			valid_to TIMESTAMP NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS direct_chats (
			id TEXT PRIMARY KEY,
			is_group INTEGER NOT NULL DEFAULT 0,
			pair_key TEXT UNIQUE,
			created_at TIMESTAMP NOT NULL,
			last_message TEXT
		);

		CREATE TABLE IF NOT EXISTS direct_chats_members (
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (chat_id, user_id),
			FOREIGN KEY (chat_id) REFERENCES direct_chats(id)
		);

		CREATE TABLE IF NOT EXISTS chat_keys (
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			encrypted_key TEXT NOT NULL,
			iv TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			PRIMARY KEY (chat_id, user_id),
			FOREIGN KEY (chat_id) REFERENCES direct_chats(id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			encrypted_content TEXT NOT NULL,
			sent_at TIMESTAMP NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES direct_chats(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}

	return nil
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
