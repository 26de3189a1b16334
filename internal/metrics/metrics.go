// Package metrics defines the Prometheus instruments exported on /metrics.
//
// All methods are safe on a nil *Metrics so components can be built without
// instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "advisor"

// Metrics holds every instrument the service records.
type Metrics struct {
	// RequestsTotal counts answered questions by backend label and whether
	// the answer came from the cache.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration measures end-to-end Ask latency by backend label.
	RequestDuration *prometheus.HistogramVec

	// CacheLookups counts cache reads by result (hit, miss).
	CacheLookups *prometheus.CounterVec

	// UpstreamAttempts counts individual HTTP attempts by outcome
	// (ok, raw, error).
	UpstreamAttempts *prometheus.CounterVec

	// QueueEnqueued counts requests written to the offline queue.
	QueueEnqueued prometheus.Counter

	// Replays counts replay attempts by outcome (delivered, failed).
	Replays *prometheus.CounterVec

	// QueueDepth is the number of pending requests seen at the last flush.
	QueueDepth prometheus.Gauge
}

// New creates the instruments and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them through promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Answered questions by backend and cache status.",
		}, []string{"backend", "from_cache"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end question latency in seconds.",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
		}, []string{"backend"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),

		UpstreamAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "attempts_total",
			Help:      "HTTP attempts against the inference service by outcome.",
		}, []string{"outcome"}),

		QueueEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Requests queued while the inference service was unavailable.",
		}),

		Replays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "replays_total",
			Help:      "Replays of queued requests by outcome.",
		}, []string{"outcome"}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending requests observed at the last flush.",
		}),
	}
}

func (m *Metrics) ObserveRequest(backend string, fromCache bool, d time.Duration) {
	if m == nil {
		return
	}
	cached := "false"
	if fromCache {
		cached = "true"
	}
	m.RequestsTotal.WithLabelValues(backend, cached).Inc()
	m.RequestDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) UpstreamAttempt(outcome string) {
	if m == nil {
		return
	}
	m.UpstreamAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Enqueued() {
	if m == nil {
		return
	}
	m.QueueEnqueued.Inc()
}

func (m *Metrics) Replay(delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.Replays.WithLabelValues("delivered").Inc()
		return
	}
	m.Replays.WithLabelValues("failed").Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
