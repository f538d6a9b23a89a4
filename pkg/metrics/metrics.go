package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Host inventory metrics (C5).
	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctlplane_hosts_total",
			Help: "Total number of hosts by lifecycle status",
		},
		[]string{"status"},
	)

	HostHealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctlplane_host_health_score",
			Help: "Most recent health score (0-100) of a host",
		},
		[]string{"host_id"},
	)

	HostCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctlplane_host_cpu_percent",
			Help: "Last observed CPU utilization percent for a host",
		},
		[]string{"host_id"},
	)

	HostMemoryPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctlplane_host_memory_percent",
			Help: "Last observed memory utilization percent for a host",
		},
		[]string{"host_id"},
	)

	HostDiskPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctlplane_host_disk_percent",
			Help: "Last observed disk utilization percent for a host",
		},
		[]string{"host_id"},
	)

	HostLoadAverage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctlplane_host_load_average",
			Help: "Last observed one-minute load average for a host",
		},
		[]string{"host_id"},
	)

	// Deployment Engine metrics (C4).
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctlplane_deployment_tasks_total",
			Help: "Current number of deployment tasks by kind and status",
		},
		[]string{"kind", "status"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctlplane_deployment_task_duration_seconds",
			Help:    "Deployment task duration in seconds by kind and terminal status",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind", "status"},
	)

	TaskDispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctlplane_task_dispatch_latency_seconds",
			Help:    "Time a task spent pending before a dispatcher slot picked it up",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker Placement & Registry metrics (C6).
	PlacementsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctlplane_placements_total",
			Help: "Current number of service placements by status",
		},
		[]string{"status"},
	)

	PlacementTenantUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctlplane_placement_tenant_utilization",
			Help: "Ratio of current to capacity tenants for a placement",
		},
		[]string{"placement"},
	)

	// Reverse-Proxy Config Manager metrics (C7).
	ProxyReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctlplane_proxy_reloads_total",
			Help: "Total number of reverse-proxy reconfiguration attempts by result",
		},
		[]string{"result"},
	)

	ProxyReloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctlplane_proxy_reload_duration_seconds",
			Help:    "Time taken to regenerate, upload, and verify a proxy reload",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Domain Mapping Engine metrics (C8).
	DomainMappingsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctlplane_domain_mappings_total",
			Help: "Current number of domain mappings by verification status",
		},
		[]string{"status"},
	)

	// Monitor & Alert Engine metrics (C9).
	AlertsActiveTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctlplane_alerts_active_total",
			Help: "Current number of active alerts by severity",
		},
		[]string{"severity"},
	)

	AlertEvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctlplane_alert_evaluation_duration_seconds",
			Help:    "Time taken for one alert-sweep tick across all active hosts",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Network Discovery Scanner metrics (C10).
	ScanHostsProbed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctlplane_scan_hosts_probed_total",
			Help: "Total number of hosts probed by network-scan tasks, by outcome",
		},
		[]string{"outcome"},
	)

	// Operator API metrics.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctlplane_api_requests_total",
			Help: "Total number of operator API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctlplane_api_request_duration_seconds",
			Help:    "Operator API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// SSH Session Layer metrics (C1).
	SSHConnectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctlplane_ssh_connect_duration_seconds",
			Help:    "Time taken to open an authenticated SSH session to a host",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	SSHCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctlplane_ssh_commands_total",
			Help: "Total number of SSH commands executed, by exit classification",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HostsTotal, HostHealthScore, HostCPUPercent, HostMemoryPercent,
		HostDiskPercent, HostLoadAverage,
		TasksTotal, TaskDuration, TaskDispatchLatency,
		PlacementsTotal, PlacementTenantUtilization,
		ProxyReloadsTotal, ProxyReloadDuration,
		DomainMappingsTotal,
		AlertsActiveTotal, AlertEvaluationDuration,
		ScanHostsProbed,
		APIRequestsTotal, APIRequestDuration,
		SSHConnectDuration, SSHCommandsTotal,
	)
}

// Handler returns the Prometheus HTTP handler: the "externalized time-series
// store" spec.md §4.9 places out of scope for the Monitor itself is
// satisfied by scraping these gauges, not by this process owning a TSDB.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
