// Package metrics defines the MetricSink capability (§9) and a
// Prometheus-backed implementation, whose registry the gateway serves at
// /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Sink is the capability interface components depend on instead of reaching
// for package-level Prometheus collectors directly.
type Sink interface {
	IncReservation(poolID string, approved bool)
	IncInsufficientCredit(accountID string)
	ObserveUsageDisagreement(reportedMicro, recomputedMicro int64)
	IncInvariantViolation(invariant string)
	IncWebhookProcessed(provider string, duplicate bool)
	ObserveDrift(accountID string, driftMicro int64)
	ObserveLatency(op string, d time.Duration)
}

// Prometheus is the production Sink, registered on a private registry and
// exposed via Handler().
type Prometheus struct {
	registry *prometheus.Registry

	reservations         *prometheus.CounterVec
	insufficientCredit   *prometheus.CounterVec
	usageDisagreement    prometheus.Histogram
	invariantViolations  *prometheus.CounterVec
	webhooksProcessed    *prometheus.CounterVec
	drift                *prometheus.GaugeVec
	latency              *prometheus.HistogramVec
}

// NewPrometheus constructs a Prometheus sink and registers its collectors.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()

	p := &Prometheus{
		registry: reg,
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrakis_reservations_total",
			Help: "Count of reserve attempts by pool and outcome.",
		}, []string{"pool_id", "approved"}),
		insufficientCredit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrakis_insufficient_credit_total",
			Help: "Count of reservations rejected for insufficient credit, by account.",
		}, []string{"account_id"}),
		usageDisagreement: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "arrakis_usage_disagreement_micro",
			Help: "Absolute delta in micro-units between peer-reported and recomputed cost.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		}),
		invariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrakis_ledger_invariant_violation_total",
			Help: "Count of ledger_invariant_violation events, by invariant.",
		}, []string{"invariant"}),
		webhooksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arrakis_webhooks_processed_total",
			Help: "Count of processed webhooks, by provider and duplicate status.",
		}, []string{"provider", "duplicate"}),
		drift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arrakis_ledger_drift_micro",
			Help: "Last observed drift between cache.committed and store usage_events, by account.",
		}, []string{"account_id"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arrakis_op_latency_seconds",
			Help:    "Latency of ledger/gateway operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	reg.MustRegister(
		p.reservations,
		p.insufficientCredit,
		p.usageDisagreement,
		p.invariantViolations,
		p.webhooksProcessed,
		p.drift,
		p.latency,
	)

	return p
}

func (p *Prometheus) IncReservation(poolID string, approved bool) {
	p.reservations.WithLabelValues(poolID, boolLabel(approved)).Inc()
}

func (p *Prometheus) IncInsufficientCredit(accountID string) {
	p.insufficientCredit.WithLabelValues(accountID).Inc()
}

func (p *Prometheus) ObserveUsageDisagreement(reportedMicro, recomputedMicro int64) {
	delta := reportedMicro - recomputedMicro
	if delta < 0 {
		delta = -delta
	}
	p.usageDisagreement.Observe(float64(delta))
}

func (p *Prometheus) IncInvariantViolation(invariant string) {
	p.invariantViolations.WithLabelValues(invariant).Inc()
}

func (p *Prometheus) IncWebhookProcessed(provider string, duplicate bool) {
	p.webhooksProcessed.WithLabelValues(provider, boolLabel(duplicate)).Inc()
}

func (p *Prometheus) ObserveDrift(accountID string, driftMicro int64) {
	p.drift.WithLabelValues(accountID).Set(float64(driftMicro))
}

func (p *Prometheus) ObserveLatency(op string, d time.Duration) {
	p.latency.WithLabelValues(op).Observe(d.Seconds())
}

// Handler exposes the registry via promhttp.Handler().
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// NoOp is a Sink that discards everything, for unit tests that don't care
// about metrics wiring.
type NoOp struct{}

func (NoOp) IncReservation(string, bool)                  {}
func (NoOp) IncInsufficientCredit(string)                 {}
func (NoOp) ObserveUsageDisagreement(int64, int64)        {}
func (NoOp) IncInvariantViolation(string)                 {}
func (NoOp) IncWebhookProcessed(string, bool)             {}
func (NoOp) ObserveDrift(string, int64)                   {}
func (NoOp) ObserveLatency(string, time.Duration)         {}
