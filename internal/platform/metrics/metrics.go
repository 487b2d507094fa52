package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for access decisions and auditing.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Decisions          *prometheus.CounterVec
	Denials            *prometheus.CounterVec
	EvaluationLatency  prometheus.Histogram
	Transitions        *prometheus.CounterVec
	AuditWriteFailures *prometheus.CounterVec
	AuditDropped       prometheus.Counter
	StoreUnavailable   prometheus.Counter
	EndpointLatency    *prometheus.HistogramVec
	TxLockWait         prometheus.Histogram
	RateLimited        prometheus.Counter
	RateLimitDegraded  prometheus.Counter
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicore_authz_decisions_total",
			Help: "Authorization decisions by resource, action and outcome",
		}, []string{"resource", "action", "outcome"}),
		Denials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicore_authz_denials_total",
			Help: "Denied authorization requests by reason code",
		}, []string{"reason"}),
		EvaluationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clinicore_authz_evaluation_seconds",
			Help:    "Time spent evaluating a single authorization request",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicore_lifecycle_transitions_total",
			Help: "Committed lifecycle transitions by kind and transition name",
		}, []string{"kind", "transition"}),
		AuditWriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicore_audit_write_failures_total",
			Help: "Audit entries that could not be persisted, by decision",
		}, []string{"decision"}),
		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "clinicore_audit_buffer_dropped_total",
			Help: "Denied-attempt audit entries dropped because the async buffer was full",
		}),
		StoreUnavailable: f.NewCounter(prometheus.CounterOpts{
			Name: "clinicore_store_unavailable_total",
			Help: "Operations aborted because the record store failed or timed out",
		}),
		EndpointLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinicore_endpoint_latency_seconds",
			Help:    "Latency of HTTP endpoints in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		TxLockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clinicore_memory_tx_lock_wait_seconds",
			Help:    "Time spent waiting for a record shard lock in the in-memory transaction runner",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "clinicore_ratelimit_rejected_total",
			Help: "Requests rejected by the per-actor rate limiter",
		}),
		RateLimitDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "clinicore_ratelimit_degraded_total",
			Help: "Rate limit checks answered by the in-process fallback",
		}),
	}
}

func (m *Metrics) ObserveDecision(resource, action string, allowed bool, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
		m.Denials.WithLabelValues(reason).Inc()
	}
	m.Decisions.WithLabelValues(resource, action, outcome).Inc()
	m.EvaluationLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) IncTransition(kind, transition string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(kind, transition).Inc()
}

func (m *Metrics) IncAuditWriteFailure(decision string) {
	if m == nil {
		return
	}
	m.AuditWriteFailures.WithLabelValues(decision).Inc()
}

func (m *Metrics) IncAuditDropped() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

func (m *Metrics) IncStoreUnavailable() {
	if m == nil {
		return
	}
	m.StoreUnavailable.Inc()
}

func (m *Metrics) ObserveEndpointLatency(endpoint string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.EndpointLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveLockWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TxLockWait.Observe(elapsed.Seconds())
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) IncRateLimitDegraded() {
	if m == nil {
		return
	}
	m.RateLimitDegraded.Inc()
}
