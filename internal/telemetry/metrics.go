// Package telemetry provides logging setup and Prometheus metrics for the
// balancer.
//
// All metrics register against the default Prometheus registry and are
// served from the side-channel HTTP listener started by main, not from the
// Gin router:
//
//	GET http://<host>:<telemetry.metrics.prometheus_port>/metrics
//
// HTTP metrics use c.FullPath() (the route template, e.g. /teams/:team/join)
// rather than the raw URL so user-supplied path segments cannot inflate
// label cardinality.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Join and lifecycle metrics.
//
// JoinsTotal counts join attempts by outcome: "created" (new instance),
// "joined" (correct passcode for an existing one), "rejected" (wrong or
// missing passcode), "capacity" (instance cap reached), "failed"
// (provisioning error).
//
// Example PromQL:
//   - Teams created per hour:  sum(rate(balancer_joins_total{outcome="created"}[1h])) * 3600
//   - Rejection ratio:         sum(rate(balancer_joins_total{outcome="rejected"}[5m])) / sum(rate(balancer_joins_total[5m]))
var (
	JoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_joins_total",
			Help: "Total number of join attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	InstancesProvisionedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "balancer_instances_provisioned_total",
			Help: "Total number of team environments provisioned.",
		},
	)

	InstancesReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "balancer_instances_reaped_total",
			Help: "Total number of idle team environments deleted by the reaper.",
		},
	)

	InstancesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "balancer_instances_active",
			Help: "Number of team instances currently in the cluster, refreshed on every reaper sweep.",
		},
	)

	ProvisioningDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "balancer_provisioning_duration_seconds",
			Help:    "Time to provision a complete team environment.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)

// Proxy metrics.
//
// ProxyRequestsTotal counts proxied player requests by outcome: "proxied",
// "unauthenticated" (no session), "missing" (no instance behind the
// session), "unready" (instance still starting), "error" (upstream failure).
var (
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_proxy_requests_total",
			Help: "Total number of requests hitting the instance proxy, by outcome.",
		},
		[]string{"outcome"},
	)

	ActivityUpdatesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "balancer_activity_updates_dropped_total",
			Help: "Activity timestamp updates dropped because the async queue was full.",
		},
	)
)
