package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the key core.
type Metrics struct {
	// Key lifecycle metrics
	KeyGenerationsTotal   *prometheus.CounterVec
	KeyGenerationDuration prometheus.Histogram
	KeyExchangesTotal     prometheus.Counter
	KeyRevocationsTotal   prometheus.Counter

	// Escrow metrics
	EscrowRotationsTotal   prometheus.Counter
	EscrowEncryptionsTotal *prometheus.CounterVec

	// Conversation metrics
	ChatsCreatedTotal     *prometheus.CounterVec
	EnvelopesSealedTotal  prometheus.Counter
	MessagesStoredTotal   prometheus.Counter
	RecoveryRequestsTotal *prometheus.CounterVec

	// Storage metrics
	DatabaseOperationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		KeyGenerationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nesfinch_key_generations_total",
				Help: "User key generations by result",
			},
			[]string{"result"},
		),

		KeyGenerationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nesfinch_key_generation_duration_seconds",
				Help:    "RSA keypair generation time distribution",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),

		KeyExchangesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nesfinch_key_exchanges_total",
				Help: "Public keys accepted through the exchange path",
			},
		),

		KeyRevocationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nesfinch_key_revocations_total",
				Help: "User keys revoked",
			},
		),

		EscrowRotationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nesfinch_escrow_rotations_total",
				Help: "Government key rotations",
			},
		),

		EscrowEncryptionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nesfinch_escrow_encryptions_total",
				Help: "Escrow encryption requests by result",
			},
			[]string{"result"},
		),

		ChatsCreatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nesfinch_chats_created_total",
				Help: "Conversations created by kind",
			},
			[]string{"kind"},
		),

		EnvelopesSealedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nesfinch_envelopes_sealed_total",
				Help: "Session-key envelopes sealed",
			},
		),

		MessagesStoredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nesfinch_messages_stored_total",
				Help: "Message ciphertexts stored",
			},
		),

		RecoveryRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nesfinch_recovery_requests_total",
				Help: "Message recovery requests by result",
			},
			[]string{"result"},
		),

		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nesfinch_database_operations_total",
				Help: "Database operations by kind",
			},
			[]string{"operation"},
		),
	}
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
