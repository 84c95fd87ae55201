// Package chat implements conversation setup and message intake: direct
// and group conversations, per-participant session-key envelopes and
// encrypted message storage.
package chat

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/6oT9lpa/nesfinch/internal/crypto"
	"github.com/6oT9lpa/nesfinch/internal/keys"
	"github.com/6oT9lpa/nesfinch/internal/observability"
	"github.com/6oT9lpa/nesfinch/internal/store"
	"github.com/6oT9lpa/nesfinch/internal/validation"
	apperr "github.com/6oT9lpa/nesfinch/pkg/errors"
)

// SessionEnvelopeTTL bounds how long a sealed session-key envelope stays
// valid. Participants must re-establish the conversation after expiry.
const SessionEnvelopeTTL = 30 * 24 * time.Hour

// minGroupMembers counts the creator plus at least two others.
const minGroupMembers = 3

// Service wires conversation setup to the key manager and the store.
type Service struct {
	store   *store.Store
	keys    *keys.Manager
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewService(st *store.Store, km *keys.Manager, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{store: st, keys: km, logger: logger, metrics: metrics}
}

// CreateDirectChat establishes the unique one-to-one conversation between
// creatorID and otherID. Exactly one direct conversation may exist per
// unordered pair: if it already exists its id and the creator's envelope
// are returned alongside an ALREADY_EXISTS error, so callers can treat the
// condition as idempotent. Both participants are guaranteed a registered
// key before the conversation is written.
func (s *Service) CreateDirectChat(ctx context.Context, creatorID, otherID string) (string, *store.Envelope, error) {
	if err := validation.ValidateUserID(creatorID); err != nil {
		return "", nil, apperr.InvalidArg("invalid user id")
	}
	if err := validation.ValidateUserID(otherID); err != nil {
		return "", nil, apperr.InvalidArg("invalid user id")
	}
	if creatorID == otherID {
		return "", nil, apperr.InvalidArg("cannot create a chat with yourself")
	}

	pairKey := crypto.PairDigest(creatorID, otherID)
	existing, err := s.store.FindDirectChat(ctx, pairKey)
	switch err {
	case nil:
		env, envErr := s.store.ChatEnvelope(ctx, existing, creatorID)
		if envErr != nil {
			s.logger.Error(envErr, "failed to load envelope for existing chat")
			return existing, nil, apperr.AlreadyExists("chat already exists")
		}
		return existing, env, apperr.AlreadyExists("chat already exists")
	case store.ErrChatNotFound:
	default:
		s.logger.Error(err, "direct chat lookup failed")
		return "", nil, apperr.Internal("database error", err)
	}

	members := []string{creatorID, otherID}
	if err := s.ensureKeys(ctx, members); err != nil {
		return "", nil, err
	}

	chat := &store.Chat{
		ID:        uuid.NewString(),
		IsGroup:   false,
		PairKey:   pairKey,
		CreatedAt: time.Now(),
	}
	envelopes, err := s.sealEnvelopes(chat.ID, members)
	if err != nil {
		return "", nil, err
	}

	if err := s.store.CreateChat(ctx, chat, members, envelopes); err != nil {
		if err == store.ErrChatExists {
			// Lost the race to a concurrent creation of the same pair.
			if id, findErr := s.store.FindDirectChat(ctx, pairKey); findErr == nil {
				env, _ := s.store.ChatEnvelope(ctx, id, creatorID)
				return id, env, apperr.AlreadyExists("chat already exists")
			}
			return "", nil, apperr.AlreadyExists("chat already exists")
		}
		s.logger.Error(err, "chat creation failed")
		return "", nil, apperr.Internal("database error", err)
	}

	s.logger.ChatCreated(chat.ID, false, len(members))
	s.countChat("direct", len(envelopes))
	return chat.ID, envelopes[0], nil
}

// CreateGroupChat establishes a group conversation between the creator and
// memberIDs. Duplicates are collapsed; after dedup the group must contain
// the creator plus at least two others. Groups have no uniqueness digest,
// so the same member set may form any number of groups.
func (s *Service) CreateGroupChat(ctx context.Context, creatorID string, memberIDs []string) (string, *store.Envelope, error) {
	if err := validation.ValidateUserID(creatorID); err != nil {
		return "", nil, apperr.InvalidArg("invalid user id")
	}

	seen := map[string]bool{creatorID: true}
	members := []string{creatorID}
	for _, id := range memberIDs {
		if err := validation.ValidateUserID(id); err != nil {
			return "", nil, apperr.InvalidArg("invalid user id")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < minGroupMembers {
		return "", nil, apperr.InvalidArg("group chat requires at least two other members")
	}

	if err := s.ensureKeys(ctx, members); err != nil {
		return "", nil, err
	}

	chat := &store.Chat{
		ID:        uuid.NewString(),
		IsGroup:   true,
		CreatedAt: time.Now(),
	}
	envelopes, err := s.sealEnvelopes(chat.ID, members)
	if err != nil {
		return "", nil, err
	}

	if err := s.store.CreateChat(ctx, chat, members, envelopes); err != nil {
		s.logger.Error(err, "group chat creation failed")
		return "", nil, apperr.Internal("database error", err)
	}

	s.logger.ChatCreated(chat.ID, true, len(members))
	s.countChat("group", len(envelopes))
	return chat.ID, envelopes[0], nil
}

// SendMessage stores an already-encrypted message in the conversation and
// advances its last-message pointer. The service never sees plaintext.
// Returns the message id and its server-side timestamp.
func (s *Service) SendMessage(ctx context.Context, chatID, senderID, encryptedContent string) (string, time.Time, error) {
	if err := validation.ValidateChatID(chatID); err != nil {
		return "", time.Time{}, apperr.InvalidArg("invalid chat id")
	}
	if err := validation.ValidateUserID(senderID); err != nil {
		return "", time.Time{}, apperr.InvalidArg("invalid user id")
	}
	if err := validation.ValidateStringNonEmpty(encryptedContent); err != nil {
		return "", time.Time{}, apperr.InvalidArg("message content must not be empty")
	}

	msg := &store.Message{
		ID:               uuid.NewString(),
		ChatID:           chatID,
		SenderID:         senderID,
		EncryptedContent: encryptedContent,
		SentAt:           time.Now(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		switch err {
		case store.ErrChatNotFound:
			return "", time.Time{}, apperr.NotFound("chat not found")
		case store.ErrNotMember:
			return "", time.Time{}, apperr.PermissionDenied("sender is not a member of the chat")
		}
		s.logger.Error(err, "message insert failed")
		return "", time.Time{}, apperr.Internal("database error", err)
	}

	s.logger.MessageStored(chatID, msg.ID)
	if s.metrics != nil {
		s.metrics.MessagesStoredTotal.Inc()
	}
	return msg.ID, msg.SentAt, nil
}

// ExchangePublicKey accepts a client-supplied public key for userID and
// registers it with a fresh 30-day expiration. A key already known by
// fingerprint is resurrected and re-bound rather than duplicated, so
// re-uploading the same key is idempotent.
func (s *Service) ExchangePublicKey(ctx context.Context, userID, publicKeyPEM string) (string, error) {
	if err := validation.ValidateUserID(userID); err != nil {
		return "", apperr.InvalidArg("invalid user id")
	}
	if _, err := crypto.ParsePublicKey(publicKeyPEM); err != nil {
		return "", apperr.InvalidArg("invalid public key")
	}

	fingerprint := crypto.Fingerprint(publicKeyPEM)
	expiresAt := time.Now().Add(keys.UserKeyTTL)
	if err := s.store.UpsertKeyByFingerprint(ctx, userID, publicKeyPEM, fingerprint, expiresAt); err != nil {
		s.logger.Error(err, "key exchange failed")
		return "", apperr.Internal("database error", err)
	}

	s.logger.KeyExchanged(userID, fingerprint)
	if s.metrics != nil {
		s.metrics.KeyExchangesTotal.Inc()
	}
	return fingerprint, nil
}

// ensureKeys generates a keypair for every member that has no active one.
func (s *Service) ensureKeys(ctx context.Context, members []string) error {
	for _, id := range members {
		active, err := s.store.UserHasActiveKey(ctx, id)
		if err != nil {
			s.logger.Error(err, "active key lookup failed")
			return apperr.Internal("database error", err)
		}
		if active {
			continue
		}
		kp, err := s.keys.GenerateUserKeys(ctx, id)
		if err != nil {
			if apperr.Is(err, apperr.CodeAlreadyExists) {
				continue
			}
			return err
		}
		kp.Destroy()
	}
	return nil
}

// sealEnvelopes draws one session key for the conversation and seals it
// once per member under the envelope subkey. The envelope splits the
// sealed blob on the wire: iv carries the nonce, encrypted_key carries
// ciphertext plus tag, both hex. The session key is wiped before return.
func (s *Service) sealEnvelopes(chatID string, members []string) ([]*store.Envelope, error) {
	sessionKey, err := crypto.NewSymmetricKey()
	if err != nil {
		s.logger.Error(err, "session key generation failed")
		return nil, apperr.Crypto("failed to generate session key", err)
	}
	defer crypto.Zeroize(sessionKey)

	expiresAt := time.Now().Add(SessionEnvelopeTTL)
	envelopes := make([]*store.Envelope, 0, len(members))
	for _, id := range members {
		sealed, err := crypto.Seal(s.keys.EnvelopeKey(), sessionKey)
		if err != nil {
			s.logger.Error(err, "envelope sealing failed")
			return nil, apperr.Crypto("failed to seal session key", err)
		}
		envelopes = append(envelopes, &store.Envelope{
			ChatID:       chatID,
			UserID:       id,
			EncryptedKey: hex.EncodeToString(sealed[crypto.NonceSize:]),
			IV:           hex.EncodeToString(sealed[:crypto.NonceSize]),
			ExpiresAt:    expiresAt,
		})
	}
	return envelopes, nil
}

func (s *Service) countChat(kind string, envelopes int) {
	if s.metrics != nil {
		s.metrics.ChatsCreatedTotal.WithLabelValues(kind).Inc()
		s.metrics.EnvelopesSealedTotal.Add(float64(envelopes))
	}
}
