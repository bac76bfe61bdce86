// Package metrics — метрики Prometheus для HTTP, сокетов и чата.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskhub_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskhub_ws_connections",
			Help: "Open websocket connections",
		},
	)

	WSEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_ws_events_total",
			Help: "Inbound socket events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	WSSlowClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhub_ws_slow_clients_total",
			Help: "Sockets closed because their send buffer was full",
		},
	)

	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_messages_posted_total",
			Help: "Total messages posted",
		},
		[]string{"channel_type", "source"}, // source: ws | rest | system
	)

	HuddlesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskhub_huddles_started_total",
			Help: "Total huddles started",
		},
	)

	AuthDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_auth_denied_total",
			Help: "Rejected requests by reason",
		},
		[]string{"reason"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"scope"},
	)

	PushSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhub_push_sent_total",
			Help: "Web push deliveries by outcome",
		},
		[]string{"outcome"},
	)
)
