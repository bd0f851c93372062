package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pureboot_nodes_total",
			Help: "Total number of nodes by lifecycle state",
		},
		[]string{"state"},
	)

	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pureboot_state_transitions_total",
			Help: "Total number of node state transitions by target state",
		},
		[]string{"to_state"},
	)

	// Boot metrics
	BootRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pureboot_boot_requests_total",
			Help: "Total number of boot-instruction requests by firmware class and action",
		},
		[]string{"firmware", "action"},
	)

	// Proxy-DHCP metrics
	DHCPPacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pureboot_dhcp_packets_total",
			Help: "Total number of Proxy-DHCP packets by disposition",
		},
		[]string{"disposition"},
	)

	// TFTP metrics
	TFTPTransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pureboot_tftp_transfers_total",
			Help: "Total number of TFTP transfers by result",
		},
		[]string{"result"},
	)

	// Clone metrics
	CloneSessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pureboot_clone_sessions_total",
			Help: "Clone sessions by status",
		},
		[]string{"status"},
	)

	CloneBytesTransferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pureboot_clone_bytes_transferred_total",
			Help: "Cumulative bytes reported transferred across clone sessions",
		},
	)

	// Health metrics
	ActiveAlertsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pureboot_active_alerts_total",
			Help: "Active health alerts by type",
		},
		[]string{"type"},
	)

	HealthEvalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pureboot_health_eval_duration_seconds",
			Help:    "Duration of one health evaluation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pureboot_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pureboot_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(StateTransitionsTotal)
	prometheus.MustRegister(BootRequestsTotal)
	prometheus.MustRegister(DHCPPacketsTotal)
	prometheus.MustRegister(TFTPTransfersTotal)
	prometheus.MustRegister(CloneSessionsTotal)
	prometheus.MustRegister(CloneBytesTransferred)
	prometheus.MustRegister(ActiveAlertsTotal)
	prometheus.MustRegister(HealthEvalDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures durations for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}
