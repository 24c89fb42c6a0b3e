// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wisdom_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wisdom_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wisdom_cache_lookups_total",
			Help: "Sliding-window cache lookups",
		},
		[]string{"op", "result"}, // op: head|cursor|member; result: hit|miss|error
	)

	CachePopulate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wisdom_cache_populate_total",
			Help: "Sliding-window populations by outcome",
		},
		[]string{"mode", "result"}, // mode: head|append|prepend
	)

	// Business metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wisdom_messages_sent_total",
			Help: "Messages committed to the store",
		},
		[]string{"kind"},
	)

	FanoutEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wisdom_fanout_events_total",
			Help: "Events handed to the fan-out dispatcher",
		},
		[]string{"kind"}, // message|conversation_updated
	)

	FanoutDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wisdom_fanout_dropped_total",
			Help: "Events or deliveries dropped",
		},
		[]string{"reason"}, // queue_full|client_full|relay_error|encode_error|closed
	)

	// Realtime
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wisdom_ws_connections",
			Help: "Open websocket connections",
		},
	)
)
