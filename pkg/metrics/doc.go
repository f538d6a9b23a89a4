/*
Package metrics provides Prometheus metrics collection and exposition for
the infrastructure control plane.

The metrics package defines and registers gauges, counters and histograms
covering every component of spec.md §4: the host inventory, the deployment
engine, worker placements, the reverse-proxy config manager, domain
mappings, the monitor's alert evaluation, the network scanner, the
operator API and the SSH session layer. spec.md §4.9 describes an
"externalized time-series store" for metrics that is explicitly out of
scope for this repo; scraping these gauges with any Prometheus-compatible
collector is that externalization, not a TSDB owned by this process.

# Metric families

Host inventory (C5):

	ctlplane_hosts_total{status}
	ctlplane_host_health_score{host_id}
	ctlplane_host_cpu_percent{host_id}
	ctlplane_host_memory_percent{host_id}
	ctlplane_host_disk_percent{host_id}
	ctlplane_host_load_average{host_id}

Deployment engine (C4):

	ctlplane_deployment_tasks_total{kind, status}
	ctlplane_deployment_task_duration_seconds{kind, status}
	ctlplane_task_dispatch_latency_seconds

Worker placement & registry (C6):

	ctlplane_placements_total{status}
	ctlplane_placement_tenant_utilization{placement}

Reverse-proxy config manager (C7):

	ctlplane_proxy_reloads_total{result}
	ctlplane_proxy_reload_duration_seconds

Domain mapping engine (C8):

	ctlplane_domain_mappings_total{status}

Monitor & alert engine (C9):

	ctlplane_alerts_active_total{severity}
	ctlplane_alert_evaluation_duration_seconds

Network discovery scanner (C10):

	ctlplane_scan_hosts_probed_total{outcome}

Operator API and SSH session layer:

	ctlplane_api_requests_total{method, status}
	ctlplane_api_request_duration_seconds{method}
	ctlplane_ssh_connect_duration_seconds{result}
	ctlplane_ssh_commands_total{result}

# Usage

	http.Handle("/metrics", metrics.Handler())
	...
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProxyReloadDuration)

Gauges that describe current state rather than a rate (HostsTotal,
PlacementsTotal, AlertsActiveTotal, DomainMappingsTotal, TasksTotal) are set
by the owning component on every state transition, not incremented —
pkg/monitor resets and re-derives them from storage.Store on each metrics
tick so a crash-restart never leaves a stale count behind.
*/
package metrics
