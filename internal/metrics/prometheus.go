// Package metrics defines the Prometheus collectors shared by the queue's
// binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailqueue"

// Queue metrics
var (
	EmailsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_enqueued_total",
			Help:      "Total number of emails accepted into the queue",
		},
		[]string{"source"}, // library, api, smtp
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of dispatch attempts by outcome",
		},
		[]string{"outcome"}, // sent, retry, preparing_error, sending_error, empty_body
	)

	PreparingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "preparing_duration_seconds",
			Help:      "Time spent rebuilding a message from its record",
			Buckets:   prometheus.DefBuckets,
		},
	)

	SendingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sending_duration_seconds",
			Help:      "Time spent in the transport per message",
			Buckets:   prometheus.DefBuckets,
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of emails per status",
		},
		[]string{"status"},
	)

	TransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Total number of transport failures by provider",
		},
		[]string{"provider"},
	)
)

// SMTP intake metrics
var (
	SMTPConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "smtp_connections_total",
			Help:      "Total number of SMTP intake connections",
		},
		[]string{"status"}, // accepted, rejected
	)

	SMTPActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "smtp_active_sessions",
			Help:      "Number of currently active SMTP intake sessions",
		},
	)

	SMTPAuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "smtp_auth_attempts_total",
			Help:      "Total number of SMTP intake authentication attempts",
		},
		[]string{"result"}, // success, failure
	)
)

// API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of API requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	APIAuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_auth_failures_total",
			Help:      "Total number of API authentication failures",
		},
	)
)

// SetQueueDepth publishes per-status counts.
func SetQueueDepth(counts map[string]int64) {
	for status, n := range counts {
		QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}
