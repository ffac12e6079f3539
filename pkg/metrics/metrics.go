package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetmon/fleetd/pkg/types"
)

var (
	// HTTPRequestsTotal counts API requests by method, route pattern and
	// status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_http_requests_total",
			Help: "Total HTTP requests processed, by method, route and status code",
		},
		[]string{"method", "route", "code"},
	)

	// HTTPRequestDuration observes request latency by route pattern.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// ReportsTotal counts accepted agent telemetry reports.
	ReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_reports_total",
			Help: "Total agent telemetry reports ingested",
		},
	)

	// DecryptFailuresTotal counts agent envelopes that failed authentication.
	DecryptFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_decrypt_failures_total",
			Help: "Total encrypted payloads that failed decryption",
		},
	)

	// WidgetLogEntriesTotal counts display-widget log lines forwarded by agents.
	WidgetLogEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_widget_log_entries_total",
			Help: "Total widget log entries received",
		},
	)

	// CommandsTotal counts command lifecycle transitions by state.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_commands_total",
			Help: "Total command lifecycle transitions, by state",
		},
		[]string{"state"},
	)

	// RateLimitedTotal counts requests rejected by the per-IP limiter.
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_rate_limited_requests_total",
			Help: "Total requests rejected by rate limiting",
		},
	)

	// LoginsTotal counts login attempts by outcome.
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_logins_total",
			Help: "Total dashboard login attempts, by outcome",
		},
		[]string{"outcome"},
	)

	// MachinesByStatus gauges the current fleet composition.
	MachinesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_machines",
			Help: "Current machine count, by derived status",
		},
		[]string{"status"},
	)

	// ClusterNodes gauges coordination-backend membership by liveness.
	ClusterNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_cluster_nodes",
			Help: "Current cluster node count, by liveness",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ReportsTotal,
		DecryptFailuresTotal,
		WidgetLogEntriesTotal,
		CommandsTotal,
		RateLimitedTotal,
		LoginsTotal,
		MachinesByStatus,
		ClusterNodes,
	)
}

// SetSummary updates the machine gauges from a fleet summary.
func SetSummary(s types.Summary) {
	MachinesByStatus.WithLabelValues(string(types.MachineStatusOnline)).Set(float64(s.Online))
	MachinesByStatus.WithLabelValues(string(types.MachineStatusStale)).Set(float64(s.Stale))
	MachinesByStatus.WithLabelValues(string(types.MachineStatusOffline)).Set(float64(s.Offline))
}

// SetClusterNodes updates the node gauges from a verified peer list.
func SetClusterNodes(nodes []types.NodeSnapshot) {
	var active, inactive int
	for _, n := range nodes {
		if n.Status == types.NodeStatusActive {
			active++
		} else {
			inactive++
		}
	}
	ClusterNodes.WithLabelValues(string(types.NodeStatusActive)).Set(float64(active))
	ClusterNodes.WithLabelValues(string(types.NodeStatusInactive)).Set(float64(inactive))
}

// ObserveRequest records one completed HTTP request.
func ObserveRequest(method, route, code string, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
