/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Prometheus metrics registry for the idempotency gateway.
             Exposes admission outcome counters, admission latency,
             and in-flight/stored entry gauges via /metrics. Nothing
             in the gateway sets the two gauges, so they report 0.
Root Cause:  Sprint task T144 — Prometheus /metrics endpoint.
Context:     Enables Grafana dashboards and alerting for SRE.
Suitability: L2 — standard Prometheus instrumentation pattern.
──────────────────────────────────────────────────────────────
*/

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus registry for the idempotency gateway.
type Metrics struct {
	AdmissionsTotal     *prometheus.CounterVec
	AdmissionDuration   prometheus.Histogram
	InFlightBuilders    prometheus.Gauge
	StoredEntries       prometheus.Gauge
	HandlerPanicsTotal  prometheus.Counter
}

// NewMetrics registers and returns the gateway's metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		AdmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_total",
				Help:      "Idempotency admission outcomes by kind (proceed, conflict, mismatch, replay, interrupted).",
			},
			[]string{"outcome"},
		),
		AdmissionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admission_duration_seconds",
				Help:      "Time spent in tracker.Track, including any wait_for blocking.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		InFlightBuilders: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_builders",
				Help:      "Requests currently registered as in-flight builders.",
			},
		),
		StoredEntries: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stored_entries",
				Help:      "Entries currently held in the store, across all states.",
			},
		),
		HandlerPanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_panics_total",
				Help:      "Panics recovered from a downstream handler, resulting in an Interrupted entry.",
			},
		),
	}
}

// Handler returns the standard Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
