// Package metrics defines the MetricSink capability interface and its
// Prometheus implementation.
//
// Money-path components (ledger, reconciler, usage verifier) depend on the
// interface so unit tests can run against the no-op sink.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink is the minimal metric surface the billing core needs.
type Sink interface {
	ReservationCreated(poolID, mode string)
	ReservationRejected(reason string)
	ReservationFinalized(poolID string, duration time.Duration)
	ReservationCanceled(reason string)
	InvariantViolation(invariant string)
	UsageDisagreement(poolID string)
	WebhookReceived(provider, outcome string)
	MintApplied(source string)
	LedgerDrift(accountID string, driftMicro float64)
	StreamAborted(stage string)
	PeerRequest(outcome string, duration time.Duration)
	SecurityDependencyDown(dependency string)
}

// PromSink implements Sink on Prometheus collectors.
type PromSink struct {
	reservationsTotal   *prometheus.CounterVec
	reservationRejects  *prometheus.CounterVec
	finalizeDuration    *prometheus.HistogramVec
	cancelsTotal        *prometheus.CounterVec
	invariantViolations *prometheus.CounterVec
	usageDisagreements  *prometheus.CounterVec
	webhooksTotal       *prometheus.CounterVec
	mintsTotal          *prometheus.CounterVec
	ledgerDrift         *prometheus.GaugeVec
	streamAborts        *prometheus.CounterVec
	peerDuration        *prometheus.HistogramVec
	securityDown        *prometheus.CounterVec
}

// NewPromSink creates and registers all collectors on the default registry.
func NewPromSink() *PromSink {
	return &PromSink{
		reservationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_reservations_total",
				Help: "Reservations created, by pool and billing mode",
			},
			[]string{"pool_id", "mode"},
		),
		reservationRejects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_reservation_rejects_total",
				Help: "Reservations rejected before creation",
			},
			[]string{"reason"}, // insufficient, anchor, contract, dependency
		),
		finalizeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_finalize_duration_seconds",
				Help:    "Wall time of the finalize transaction",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pool_id"},
		),
		cancelsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_reservation_cancels_total",
				Help: "Reservations canceled, by reason",
			},
			[]string{"reason"}, // client, peer_error, ttl_sweep
		),
		invariantViolations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_invariant_violation_total",
				Help: "Conservation invariant violations (pages on-call)",
			},
			[]string{"invariant"}, // limit, conservation, usage
		),
		usageDisagreements: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_disagreement_total",
				Help: "Peer-reported cost disagreed with recomputed cost",
			},
			[]string{"pool_id"},
		),
		webhooksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Webhook intake outcomes",
			},
			[]string{"provider", "outcome"}, // accepted, duplicate, bad_signature, stale, rate_limited, error
		),
		mintsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_mints_total",
				Help: "Credit lots minted, by source",
			},
			[]string{"source"},
		),
		ledgerDrift: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledger_drift_micro",
				Help: "Cache-vs-store committed drift per account, in micro",
			},
			[]string{"account_id"},
		),
		streamAborts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_aborts_total",
				Help: "Client aborts during SSE streaming, by stage",
			},
			[]string{"stage"}, // before_usage, after_usage
		),
		peerDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "peer_request_duration_seconds",
				Help:    "Latency of downstream inference requests",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"}, // ok, timeout, error, circuit_open
		),
		securityDown: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_dependency_down_total",
				Help: "Fail-closed events per security-critical dependency",
			},
			[]string{"dependency"}, // secrets, jwks, cache, store
		),
	}
}

func (s *PromSink) ReservationCreated(poolID, mode string) {
	s.reservationsTotal.WithLabelValues(poolID, mode).Inc()
}

func (s *PromSink) ReservationRejected(reason string) {
	s.reservationRejects.WithLabelValues(reason).Inc()
}

func (s *PromSink) ReservationFinalized(poolID string, duration time.Duration) {
	s.finalizeDuration.WithLabelValues(poolID).Observe(duration.Seconds())
}

func (s *PromSink) ReservationCanceled(reason string) {
	s.cancelsTotal.WithLabelValues(reason).Inc()
}

func (s *PromSink) InvariantViolation(invariant string) {
	s.invariantViolations.WithLabelValues(invariant).Inc()
}

func (s *PromSink) UsageDisagreement(poolID string) {
	s.usageDisagreements.WithLabelValues(poolID).Inc()
}

func (s *PromSink) WebhookReceived(provider, outcome string) {
	s.webhooksTotal.WithLabelValues(provider, outcome).Inc()
}

func (s *PromSink) MintApplied(source string) {
	s.mintsTotal.WithLabelValues(source).Inc()
}

func (s *PromSink) LedgerDrift(accountID string, driftMicro float64) {
	s.ledgerDrift.WithLabelValues(accountID).Set(driftMicro)
}

func (s *PromSink) StreamAborted(stage string) {
	s.streamAborts.WithLabelValues(stage).Inc()
}

func (s *PromSink) PeerRequest(outcome string, duration time.Duration) {
	s.peerDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (s *PromSink) SecurityDependencyDown(dependency string) {
	s.securityDown.WithLabelValues(dependency).Inc()
}

// Nop is a Sink that does nothing; used in unit tests.
type Nop struct{}

func (Nop) ReservationCreated(string, string)          {}
func (Nop) ReservationRejected(string)                 {}
func (Nop) ReservationFinalized(string, time.Duration) {}
func (Nop) ReservationCanceled(string)                 {}
func (Nop) InvariantViolation(string)                  {}
func (Nop) UsageDisagreement(string)                   {}
func (Nop) WebhookReceived(string, string)             {}
func (Nop) MintApplied(string)                         {}
func (Nop) LedgerDrift(string, float64)                {}
func (Nop) StreamAborted(string)                       {}
func (Nop) PeerRequest(string, time.Duration)          {}
func (Nop) SecurityDependencyDown(string)              {}
