// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics (client /ws server and admin surface: /healthz, /metrics,
// /debug/hubs).
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Hub hierarchy metrics.
var (
	ActiveUserHubs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_user_hubs",
		Help: "Number of currently live User Hubs.",
	})

	ActivePlugins = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_plugins",
		Help: "Number of plugin entries currently in the running state.",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_connections",
		Help: "Number of currently registered client connections.",
	})

	PluginRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_plugin_restarts_total",
		Help: "Total number of plugin restart attempts after a crash.",
	})

	PluginFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_plugin_failures_total",
		Help: "Total number of plugins that reached the failed state.",
	})

	UserHubEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_user_hub_evictions_total",
		Help: "Total number of User Hubs cancelled by inactivity GC.",
	})

	UserHubCrashesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_user_hub_crashes_total",
		Help: "Total number of User Hubs that terminated with an error.",
	})
)
