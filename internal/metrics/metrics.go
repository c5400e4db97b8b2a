// Package metrics exposes Prometheus metrics and health endpoints for the
// gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "exec_gateway"

var (
	// OrdersTotal counts order placements by backend, order kind and outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Orders placed, by backend, kind and outcome.",
	}, []string{"broker", "kind", "outcome"})

	// FillsTotal counts fills recorded into a backend ledger.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fills_total",
		Help:      "Fills recorded, by backend and side.",
	}, []string{"broker", "side"})

	// VenueRequestDuration tracks venue round trips.
	VenueRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "venue_request_duration_seconds",
		Help:      "Venue request latency, by backend and operation.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"broker", "op"})

	// VenueRequestErrors counts failed venue requests.
	VenueRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "venue_request_errors_total",
		Help:      "Failed venue requests, by backend and operation.",
	}, []string{"broker", "op"})

	// BrokerConnected is 1 while a backend is connected.
	BrokerConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_connected",
		Help:      "Backend connection state (1 connected, 0 disconnected).",
	}, []string{"broker"})

	// DispatchRequestsTotal counts SendTrade calls by outcome.
	DispatchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_requests_total",
		Help:      "Trade dispatch requests, by outcome.",
	}, []string{"outcome"})

	// DispatchLatency tracks SendTrade handling time.
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_latency_seconds",
		Help:      "Trade dispatch handling latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// HeartbeatTimestamp is the unix time of the last heartbeat.
	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix time of the last heartbeat.",
	})

	// UptimeSeconds is the process uptime.
	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Gateway uptime in seconds.",
	})

	// ErrorsTotal counts errors by type.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors, by type.",
	}, []string{"type"})

	// BuildInfo carries version labels with a constant value of 1.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version", "commit", "build_time"})
)

// SetBuildInfo publishes the build labels.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
