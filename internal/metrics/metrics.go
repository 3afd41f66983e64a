// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Total HTTP requests partitioned by method, route, and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	// Request duration in seconds partitioned by method, route, and status code
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)

	QuotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricing_quotes_total",
			Help: "Price quotes computed, partitioned by seat class and whether an offer applied",
		},
		[]string{"seat_class", "offer"},
	)

	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_transitions_total",
			Help: "Booking status transitions",
		},
		[]string{"status"},
	)

	// Processor calls partitioned by operation and outcome kind ("ok" on success)
	PaymentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_requests_total",
			Help: "Calls to the payment processor",
		},
		[]string{"operation", "outcome"},
	)

	RefundedMinor = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_refunded_minor_units_total",
			Help: "Refunded amount in minor currency units",
		},
		[]string{"currency"},
	)

	DomainEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domain_events_total",
			Help: "Booking, refund and payment events published",
		},
		[]string{"type"},
	)

	IdempotentReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotent_replays_total",
			Help: "Responses served from the idempotency store",
		},
		[]string{"operation"},
	)

	LiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_subscribers",
			Help: "Open websocket subscriptions for seat updates",
		},
	)
)
