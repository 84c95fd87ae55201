package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithUser adds user_id context to logger.
func (l *Logger) WithUser(userID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("user_id", userID).Logger(),
	}
}

// WithChat adds chat_id context to logger.
func (l *Logger) WithChat(chatID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("chat_id", chatID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message. Full causes land here and only here;
// callers receive opaque coded errors.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// KeyGenerated logs a successful user key generation.
func (l *Logger) KeyGenerated(userID, fingerprint string, expiresAt time.Time) {
	l.logger.Info().
		Str("user_id", userID).
		Str("fingerprint", fingerprint).
		Time("expires_at", expiresAt).
		Msg("user key generated")
}

// KeyExchanged logs a public-key exchange upsert.
func (l *Logger) KeyExchanged(userID, fingerprint string) {
	l.logger.Info().
		Str("user_id", userID).
		Str("fingerprint", fingerprint).
		Msg("public key exchanged")
}

// GovernmentKeyRotated logs an escrow key rotation.
func (l *Logger) GovernmentKeyRotated(validFrom, validTo time.Time) {
	l.logger.Info().
		Time("valid_from", validFrom).
		Time("valid_to", validTo).
		Msg("government key rotated")
}

// ChatCreated logs a conversation creation with its envelope count.
func (l *Logger) ChatCreated(chatID string, isGroup bool, memberCount int) {
	l.logger.Info().
		Str("chat_id", chatID).
		Bool("is_group", isGroup).
		Int("member_count", memberCount).
		Msg("chat created with session key envelopes")
}

// MessageStored logs a stored message ciphertext.
func (l *Logger) MessageStored(chatID, messageID string) {
	l.logger.Debug().
		Str("chat_id", chatID).
		Str("message_id", messageID).
		Msg("message stored")
}

// RecoveryAttempt logs a message recovery request outcome.
func (l *Logger) RecoveryAttempt(userID string, authorized bool, messageCount int) {
	event := l.logger.Info()
	if !authorized {
		event = l.logger.Warn()
	}
	event.
		Str("user_id", userID).
		Bool("authorized", authorized).
		Int("message_count", messageCount).
		Msg("message recovery attempt")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
