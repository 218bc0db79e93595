// Package metrics provides Prometheus instrumentation for CrossBot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Webhook HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossbot_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crossbot_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Dispatch metrics.
var (
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossbot_dispatches_total",
		Help: "Total number of kernel dispatches by adapter and phase.",
	}, []string{"adapter", "phase"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crossbot_dispatch_duration_seconds",
		Help:    "End-to-end dispatch duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"adapter"})

	ActiveDispatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crossbot_active_dispatches",
		Help: "Number of dispatches currently in flight.",
	})

	DedupeHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossbot_dedupe_hits_total",
		Help: "Total number of duplicate deliveries short-circuited.",
	}, []string{"adapter"})

	LeaseConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossbot_lease_conflicts_total",
		Help: "Total number of thread lease acquisition conflicts.",
	}, []string{"adapter"})

	HandlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossbot_handler_errors_total",
		Help: "Total number of handler invocations that returned an error.",
	}, []string{"adapter", "phase"})
)

// Adapter egress metrics.
var (
	EgressRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossbot_egress_requests_total",
		Help: "Total number of outbound platform API requests.",
	}, []string{"adapter", "status"})

	EgressRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossbot_egress_retries_total",
		Help: "Total number of outbound request retries.",
	}, []string{"adapter"})
)
