/*
Package types defines the core data structures used throughout the
infrastructure control plane.

This package contains the domain model shared by every other package: hosts,
deployment tasks, service placements, domain mappings, alerts, audit entries
and the at-rest credential record. These types are used for storage,
the operator HTTP/JSON API, and orchestration logic alike.

# Core Types

Host Fleet:
  - Host: a managed remote machine, its declared/current service roles,
    facts gathered by the probe, and lifecycle status.
  - HostFacts: CPU/memory/disk/OS/kernel facts, with per-field Unknown
    tracking for facts that failed to parse.
  - EnvironmentKind: metal-or-vm, container-host-with-socket, or
    container-nested, driving installer strategy selection.

Deployment:
  - DeploymentTask: a durable, resumable workflow execution with phases,
    progress, log and terminal error.
  - TaskKind / TaskStatus: install, migrate, backup, network-scan,
    full-setup; pending/running/completed/failed/cancelled.

Placement:
  - ServicePlacement: an application worker instance bound to a host and
    port, with tenant capacity and current count.

Domains:
  - DomainMapping: external domain to internal target, TLS flag and
    verification state.

Alerting:
  - Alert: a deduplicated threshold breach or fault condition, keyed by
    (Kind, HostID, PlacementID, MetricName).

Audit:
  - AuditEntry: append-only record of an operator action.

Credentials:
  - Credential: the encrypted form of a Host's password or private key,
    versioned by which master key encrypted it.

# Design Patterns

Enumeration Pattern: every enum is a typed string constant, e.g.

	type HostStatus string
	const (
	    HostActive      HostStatus = "active"
	    HostMaintenance HostStatus = "maintenance"
	)

Optimistic concurrency: every mutable aggregate (Host, DeploymentTask,
ServicePlacement, DomainMapping, Alert) carries a Version field. Storage
compares the caller's expected version against the stored one and rejects
the write on mismatch rather than silently overwriting a concurrent change.

# Thread Safety

Types in this package carry no synchronization of their own. The storage
layer (pkg/storage) is the single point of synchronized mutation; callers
must not mutate a struct obtained from storage and expect that mutation to
be visible anywhere else without going back through storage.
*/
package types
