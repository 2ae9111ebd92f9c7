package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_sync"

var (
	NetworkOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "network_online", Help: "1 when the device is connected and the internet is reachable"})
	NetworkTransitions = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "network_transitions_total", Help: "Connectivity transitions observed"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "action_queue_depth", Help: "Actions waiting for delivery"})

	ActionsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "actions_enqueued_total", Help: "Actions placed on the retry queue"},
		[]string{"kind"},
	)
	ActionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "action_attempts_total", Help: "Delivery attempts by outcome"},
		[]string{"kind", "outcome"},
	)
	ActionsExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "actions_exhausted_total", Help: "Actions dropped after the last retry"},
		[]string{"kind"},
	)

	RideEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_events_total", Help: "Inbound ride events by category and disposition"},
		[]string{"category", "disposition"},
	)
	RideRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_refreshes_total", Help: "Ride state refreshes by result"},
		[]string{"result"},
	)

	CancellationQuotes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cancellation_quotes_total", Help: "Cancellation quotes by severity"},
		[]string{"severity"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
