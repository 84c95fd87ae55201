package chat

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/6oT9lpa/nesfinch/internal/crypto"
	"github.com/6oT9lpa/nesfinch/internal/keys"
	"github.com/6oT9lpa/nesfinch/internal/keystore"
	"github.com/6oT9lpa/nesfinch/internal/observability"
	"github.com/6oT9lpa/nesfinch/internal/store"
	apperr "github.com/6oT9lpa/nesfinch/pkg/errors"
)

func newTestService(t *testing.T) (*Service, *store.Store, *keys.Manager) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	master := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		t.Fatalf("failed to generate master key: %v", err)
	}
	storageKey, envelopeKey, err := keystore.DeriveSubkeys(master)
	if err != nil {
		t.Fatalf("failed to derive subkeys: %v", err)
	}
	ks, err := keystore.New(filepath.Join(dir, "keys"), storageKey)
	if err != nil {
		t.Fatalf("failed to create keystore: %v", err)
	}

	logger := observability.NewLogger("test", "test", io.Discard)
	km, err := keys.NewManager(st, ks, envelopeKey, logger, nil)
	if err != nil {
		t.Fatalf("failed to create key manager: %v", err)
	}
	return NewService(st, km, logger, nil), st, km
}

// openEnvelope reverses the wire split and unseals the session key.
func openEnvelope(t *testing.T, km *keys.Manager, env *store.Envelope) []byte {
	t.Helper()

	nonce, err := hex.DecodeString(env.IV)
	if err != nil {
		t.Fatalf("envelope iv is not valid hex: %v", err)
	}
	ct, err := hex.DecodeString(env.EncryptedKey)
	if err != nil {
		t.Fatalf("envelope key is not valid hex: %v", err)
	}
	key, err := crypto.Open(km.EnvelopeKey(), append(nonce, ct...))
	if err != nil {
		t.Fatalf("failed to unseal envelope: %v", err)
	}
	return key
}

func TestCreateDirectChat(t *testing.T) {
	svc, st, km := newTestService(t)
	ctx := context.Background()
	alice := uuid.NewString()
	bob := uuid.NewString()

	chatID, env, err := svc.CreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("CreateDirectChat failed: %v", err)
	}
	if _, err := uuid.Parse(chatID); err != nil {
		t.Errorf("chat id is not a uuid: %v", err)
	}
	if env == nil || env.UserID != alice {
		t.Fatalf("expected creator envelope, got %+v", env)
	}
	if len(env.IV) != crypto.NonceSize*2 {
		t.Errorf("envelope iv hex length = %d, want %d", len(env.IV), crypto.NonceSize*2)
	}

	sessionKey := openEnvelope(t, km, env)
	if len(sessionKey) != crypto.KeySize {
		t.Errorf("session key length = %d, want %d", len(sessionKey), crypto.KeySize)
	}

	n, err := st.CountEnvelopes(ctx, chatID)
	if err != nil {
		t.Fatalf("CountEnvelopes failed: %v", err)
	}
	if n != 2 {
		t.Errorf("envelope count = %d, want 2", n)
	}

	for _, id := range []string{alice, bob} {
		active, err := st.UserHasActiveKey(ctx, id)
		if err != nil {
			t.Fatalf("UserHasActiveKey failed: %v", err)
		}
		if !active {
			t.Errorf("user %s has no active key after chat creation", id)
		}
	}
}

func TestCreateDirectChatEnvelopesShareSessionKey(t *testing.T) {
	svc, st, km := newTestService(t)
	ctx := context.Background()
	alice := uuid.NewString()
	bob := uuid.NewString()

	chatID, _, err := svc.CreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("CreateDirectChat failed: %v", err)
	}

	aliceEnv, err := st.ChatEnvelope(ctx, chatID, alice)
	if err != nil {
		t.Fatalf("ChatEnvelope(alice) failed: %v", err)
	}
	bobEnv, err := st.ChatEnvelope(ctx, chatID, bob)
	if err != nil {
		t.Fatalf("ChatEnvelope(bob) failed: %v", err)
	}
	if aliceEnv.IV == bobEnv.IV {
		t.Error("envelopes must be sealed with distinct nonces")
	}

	if !bytes.Equal(openEnvelope(t, km, aliceEnv), openEnvelope(t, km, bobEnv)) {
		t.Error("participants unsealed different session keys")
	}
}

func TestCreateDirectChatIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	alice := uuid.NewString()
	bob := uuid.NewString()

	first, _, err := svc.CreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("CreateDirectChat failed: %v", err)
	}

	// Same pair in either order resolves to the existing conversation.
	second, env, err := svc.CreateDirectChat(ctx, bob, alice)
	if !apperr.Is(err, apperr.CodeAlreadyExists) {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}
	if second != first {
		t.Errorf("returned chat id %s, want existing %s", second, first)
	}
	if env == nil || env.UserID != bob {
		t.Errorf("expected caller envelope for existing chat, got %+v", env)
	}
}

func TestCreateDirectChatWithSelf(t *testing.T) {
	svc, _, _ := newTestService(t)
	id := uuid.NewString()

	_, _, err := svc.CreateDirectChat(context.Background(), id, id)
	if !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestCreateDirectChatInvalidID(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, err := svc.CreateDirectChat(context.Background(), "nope", uuid.NewString())
	if !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestCreateGroupChat(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	creator := uuid.NewString()
	others := []string{uuid.NewString(), uuid.NewString()}

	chatID, env, err := svc.CreateGroupChat(ctx, creator, others)
	if err != nil {
		t.Fatalf("CreateGroupChat failed: %v", err)
	}
	if env == nil || env.UserID != creator {
		t.Fatalf("expected creator envelope, got %+v", env)
	}

	n, err := st.CountEnvelopes(ctx, chatID)
	if err != nil {
		t.Fatalf("CountEnvelopes failed: %v", err)
	}
	if n != 3 {
		t.Errorf("envelope count = %d, want 3", n)
	}

	// Groups carry no pair digest, so the same member set may form
	// another group.
	again, _, err := svc.CreateGroupChat(ctx, creator, others)
	if err != nil {
		t.Fatalf("second group creation failed: %v", err)
	}
	if again == chatID {
		t.Error("expected a distinct conversation id for the second group")
	}
}

func TestCreateGroupChatTooSmall(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	creator := uuid.NewString()
	other := uuid.NewString()

	_, _, err := svc.CreateGroupChat(ctx, creator, []string{other})
	if !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}

	// Duplicates and the creator itself do not count toward the minimum.
	_, _, err = svc.CreateGroupChat(ctx, creator, []string{other, other, creator})
	if !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT for collapsed duplicates, got %v", err)
	}
}

func TestSendMessage(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	alice := uuid.NewString()
	bob := uuid.NewString()

	chatID, _, err := svc.CreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("CreateDirectChat failed: %v", err)
	}

	msgID, sentAt, err := svc.SendMessage(ctx, chatID, bob, "ciphertext-blob")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sentAt.IsZero() {
		t.Error("sent_at timestamp is zero")
	}

	last, err := st.LastMessage(ctx, chatID)
	if err != nil {
		t.Fatalf("LastMessage failed: %v", err)
	}
	if last != msgID {
		t.Errorf("last message pointer = %q, want %q", last, msgID)
	}
}

func TestSendMessageNonMember(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	alice := uuid.NewString()
	bob := uuid.NewString()
	mallory := uuid.NewString()

	chatID, _, err := svc.CreateDirectChat(ctx, alice, bob)
	if err != nil {
		t.Fatalf("CreateDirectChat failed: %v", err)
	}

	_, _, err = svc.SendMessage(ctx, chatID, mallory, "ciphertext-blob")
	if !apperr.Is(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected PERMISSION_DENIED, got %v", err)
	}

	n, err := st.MessageCount(ctx, chatID)
	if err != nil {
		t.Fatalf("MessageCount failed: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected message was stored, count = %d", n)
	}
}

func TestSendMessageMissingChat(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, err := svc.SendMessage(context.Background(), uuid.NewString(), uuid.NewString(), "x")
	if !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestSendMessageEmptyContent(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, err := svc.SendMessage(context.Background(), uuid.NewString(), uuid.NewString(), "")
	if !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestExchangePublicKey(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.NewString()

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair generation failed: %v", err)
	}
	defer kp.Destroy()

	fp, err := svc.ExchangePublicKey(ctx, userID, kp.PublicKey)
	if err != nil {
		t.Fatalf("ExchangePublicKey failed: %v", err)
	}
	if fp != kp.Fingerprint {
		t.Errorf("fingerprint = %s, want %s", fp, kp.Fingerprint)
	}

	active, err := st.ActiveKeyExists(ctx, fp)
	if err != nil {
		t.Fatalf("ActiveKeyExists failed: %v", err)
	}
	if !active {
		t.Error("exchanged key is not active")
	}

	// Re-uploading the same key is idempotent.
	again, err := svc.ExchangePublicKey(ctx, userID, kp.PublicKey)
	if err != nil {
		t.Fatalf("repeated exchange failed: %v", err)
	}
	if again != fp {
		t.Errorf("repeated exchange fingerprint = %s, want %s", again, fp)
	}
}

func TestExchangePublicKeyRejectsGarbage(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ExchangePublicKey(context.Background(), uuid.NewString(), "not a pem block")
	if !apperr.Is(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}
