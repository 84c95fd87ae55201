package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(userID, fingerprint string) *UserKey {
	return &UserKey{
		UserID:      userID,
		PublicKey:   "-----BEGIN PUBLIC KEY-----\nstub\n-----END PUBLIC KEY-----\n",
		Fingerprint: fingerprint,
		ExpiresAt:   time.Now().Add(30 * 24 * time.Hour),
	}
}

// TestRegisterKeyConflict tests the active-fingerprint uniqueness guard
func TestRegisterKeyConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterKey(ctx, testKey("user-a", "fp-1")); err != nil {
		t.Fatalf("RegisterKey() failed: %v", err)
	}

	err := s.RegisterKey(ctx, testKey("user-b", "fp-1"))
	if err != ErrFingerprintExists {
		t.Errorf("RegisterKey() with colliding fingerprint = %v, want ErrFingerprintExists", err)
	}
}

// TestRegisterAfterRevoke tests a revoked fingerprint no longer blocks registration
func TestRegisterAfterRevoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterKey(ctx, testKey("user-a", "fp-1")); err != nil {
		t.Fatalf("RegisterKey() failed: %v", err)
	}
	if err := s.RevokeKey(ctx, "fp-1"); err != nil {
		t.Fatalf("RevokeKey() failed: %v", err)
	}

	active, err := s.ActiveKeyExists(ctx, "fp-1")
	if err != nil {
		t.Fatalf("ActiveKeyExists() failed: %v", err)
	}
	if active {
		t.Error("fingerprint still active after revocation")
	}

	if err := s.RegisterKey(ctx, testKey("user-a", "fp-1")); err != nil {
		t.Errorf("RegisterKey() after revoke failed: %v", err)
	}
}

// TestUpsertResurrectsRevokedKey tests the exchange path clears revocation
func TestUpsertResurrectsRevokedKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterKey(ctx, testKey("user-a", "fp-1")); err != nil {
		t.Fatalf("RegisterKey() failed: %v", err)
	}
	if err := s.RevokeKey(ctx, "fp-1"); err != nil {
		t.Fatalf("RevokeKey() failed: %v", err)
	}

	expiry := time.Now().Add(30 * 24 * time.Hour)
	if err := s.UpsertKeyByFingerprint(ctx, "user-a", "new-pem", "fp-1", expiry); err != nil {
		t.Fatalf("UpsertKeyByFingerprint() failed: %v", err)
	}

	key, err := s.KeyByFingerprint(ctx, "fp-1")
	if err != nil {
		t.Fatalf("KeyByFingerprint() failed: %v", err)
	}
	if key.IsRevoked {
		t.Error("key still revoked after exchange upsert")
	}
	if key.PublicKey != "new-pem" {
		t.Errorf("public key = %q, want %q", key.PublicKey, "new-pem")
	}
}

// TestUpsertInsertsWhenAbsent tests the exchange path inserts fresh records
func TestUpsertInsertsWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expiry := time.Now().Add(30 * 24 * time.Hour)
	if err := s.UpsertKeyByFingerprint(ctx, "user-a", "pem", "fp-new", expiry); err != nil {
		t.Fatalf("UpsertKeyByFingerprint() failed: %v", err)
	}

	active, err := s.ActiveKeyExists(ctx, "fp-new")
	if err != nil {
		t.Fatalf("ActiveKeyExists() failed: %v", err)
	}
	if !active {
		t.Error("upserted key is not active")
	}
}

// TestAuthorizeKeyIncludesRevoked tests recovery authorization survives revocation
func TestAuthorizeKeyIncludesRevoked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterKey(ctx, testKey("user-a", "fp-1")); err != nil {
		t.Fatalf("RegisterKey() failed: %v", err)
	}
	if err := s.RevokeKey(ctx, "fp-1"); err != nil {
		t.Fatalf("RevokeKey() failed: %v", err)
	}

	ok, err := s.AuthorizeKey(ctx, "user-a", "fp-1")
	if err != nil {
		t.Fatalf("AuthorizeKey() failed: %v", err)
	}
	if !ok {
		t.Error("revoked key should still authorize its owner")
	}

	ok, err = s.AuthorizeKey(ctx, "user-b", "fp-1")
	if err != nil {
		t.Fatalf("AuthorizeKey() failed: %v", err)
	}
	if ok {
		t.Error("key must not authorize a different user")
	}
}

// TestGovernmentKeyRotation tests exactly one active row after N rotations
func TestGovernmentKeyRotation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		now := time.Now()
		err := s.RotateGovernmentKey(ctx, &GovernmentKey{
			PublicKey:           "pub",
			PrivateKeyEncrypted: []byte("sealed"),
			ValidFrom:           now,
			ValidTo:             now.Add(24 * time.Hour),
		})
		if err != nil {
			t.Fatalf("RotateGovernmentKey() #%d failed: %v", i, err)
		}
	}

	n, err := s.CountActiveGovernmentKeys(ctx)
	if err != nil {
		t.Fatalf("CountActiveGovernmentKeys() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("active government keys = %d, want 1", n)
	}

	key, err := s.ActiveGovernmentKey(ctx)
	if err != nil {
		t.Fatalf("ActiveGovernmentKey() failed: %v", err)
	}
	if got := key.ValidTo.Sub(key.ValidFrom); got != 24*time.Hour {
		t.Errorf("validity window = %v, want 24h", got)
	}
}

// TestActiveGovernmentKeyEmpty tests the no-active-key sentinel
func TestActiveGovernmentKeyEmpty(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.ActiveGovernmentKey(context.Background()); err != ErrNoActiveKey {
		t.Errorf("ActiveGovernmentKey() = %v, want ErrNoActiveKey", err)
	}
}

// TestCreateChatAtomic tests chat, members and envelopes land together
func TestCreateChatAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat := &Chat{ID: uuid.NewString(), PairKey: "pair-ab", CreatedAt: time.Now()}
	members := []string{"user-a", "user-b"}
	expiry := time.Now().Add(30 * 24 * time.Hour)
	envelopes := []*Envelope{
		{ChatID: chat.ID, UserID: "user-a", EncryptedKey: "aa", IV: "11", ExpiresAt: expiry},
		{ChatID: chat.ID, UserID: "user-b", EncryptedKey: "bb", IV: "22", ExpiresAt: expiry},
	}

	if err := s.CreateChat(ctx, chat, members, envelopes); err != nil {
		t.Fatalf("CreateChat() failed: %v", err)
	}

	id, err := s.FindDirectChat(ctx, "pair-ab")
	if err != nil {
		t.Fatalf("FindDirectChat() failed: %v", err)
	}
	if id != chat.ID {
		t.Errorf("found chat %s, want %s", id, chat.ID)
	}

	n, err := s.CountEnvelopes(ctx, chat.ID)
	if err != nil {
		t.Fatalf("CountEnvelopes() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("envelopes = %d, want 2", n)
	}

	for _, userID := range members {
		ok, err := s.IsMember(ctx, chat.ID, userID)
		if err != nil {
			t.Fatalf("IsMember() failed: %v", err)
		}
		if !ok {
			t.Errorf("%s is not a member", userID)
		}
	}
}

// TestCreateChatDuplicatePair tests the pair uniqueness constraint
func TestCreateChatDuplicatePair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &Chat{ID: uuid.NewString(), PairKey: "pair-ab", CreatedAt: time.Now()}
	if err := s.CreateChat(ctx, first, []string{"a", "b"}, nil); err != nil {
		t.Fatalf("CreateChat() failed: %v", err)
	}

	second := &Chat{ID: uuid.NewString(), PairKey: "pair-ab", CreatedAt: time.Now()}
	if err := s.CreateChat(ctx, second, []string{"a", "b"}, nil); err != ErrChatExists {
		t.Errorf("CreateChat() with duplicate pair = %v, want ErrChatExists", err)
	}
}

// TestGroupChatsShareNoPairKey tests multiple group chats coexist
func TestGroupChatsShareNoPairKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		chat := &Chat{ID: uuid.NewString(), IsGroup: true, CreatedAt: time.Now()}
		if err := s.CreateChat(ctx, chat, []string{"a", "b", "c"}, nil); err != nil {
			t.Fatalf("CreateChat() group #%d failed: %v", i, err)
		}
	}
}

// TestInsertMessage tests the message write and last-message pointer
func TestInsertMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat := &Chat{ID: uuid.NewString(), PairKey: "pair", CreatedAt: time.Now()}
	if err := s.CreateChat(ctx, chat, []string{"user-a", "user-b"}, nil); err != nil {
		t.Fatalf("CreateChat() failed: %v", err)
	}

	msg := &Message{
		ID:               uuid.NewString(),
		ChatID:           chat.ID,
		SenderID:         "user-a",
		EncryptedContent: "deadbeef",
		SentAt:           time.Now(),
	}
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("InsertMessage() failed: %v", err)
	}

	last, err := s.LastMessage(ctx, chat.ID)
	if err != nil {
		t.Fatalf("LastMessage() failed: %v", err)
	}
	if last != msg.ID {
		t.Errorf("last message = %s, want %s", last, msg.ID)
	}
}

// TestInsertMessageNonMember tests a non-member write is rejected and leaves no row
func TestInsertMessageNonMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat := &Chat{ID: uuid.NewString(), PairKey: "pair", CreatedAt: time.Now()}
	if err := s.CreateChat(ctx, chat, []string{"user-a", "user-b"}, nil); err != nil {
		t.Fatalf("CreateChat() failed: %v", err)
	}

	msg := &Message{
		ID:               uuid.NewString(),
		ChatID:           chat.ID,
		SenderID:         "intruder",
		EncryptedContent: "deadbeef",
		SentAt:           time.Now(),
	}
	if err := s.InsertMessage(ctx, msg); err != ErrNotMember {
		t.Errorf("InsertMessage() from non-member = %v, want ErrNotMember", err)
	}

	n, err := s.MessageCount(ctx, chat.ID)
	if err != nil {
		t.Fatalf("MessageCount() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("message count = %d, want 0", n)
	}
}

// TestInsertMessageMissingChat tests the missing-chat sentinel
func TestInsertMessageMissingChat(t *testing.T) {
	s := newTestStore(t)

	msg := &Message{
		ID:               uuid.NewString(),
		ChatID:           "missing",
		SenderID:         "user-a",
		EncryptedContent: "deadbeef",
		SentAt:           time.Now(),
	}
	if err := s.InsertMessage(context.Background(), msg); err != ErrChatNotFound {
		t.Errorf("InsertMessage() for missing chat = %v, want ErrChatNotFound", err)
	}
}

// TestMessagesForUser tests recovery reads follow membership
func TestMessagesForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat := &Chat{ID: uuid.NewString(), PairKey: "pair", CreatedAt: time.Now()}
	if err := s.CreateChat(ctx, chat, []string{"user-a", "user-b"}, nil); err != nil {
		t.Fatalf("CreateChat() failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		msg := &Message{
			ID:               uuid.NewString(),
			ChatID:           chat.ID,
			SenderID:         "user-a",
			EncryptedContent: "deadbeef",
			SentAt:           time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("InsertMessage() #%d failed: %v", i, err)
		}
	}

	msgs, err := s.MessagesForUser(ctx, "user-b")
	if err != nil {
		t.Fatalf("MessagesForUser() failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("recovered %d messages, want 3", len(msgs))
	}

	msgs, err = s.MessagesForUser(ctx, "outsider")
	if err != nil {
		t.Fatalf("MessagesForUser() failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("outsider recovered %d messages, want 0", len(msgs))
	}
}
