/*
Package storage provides BoltDB-backed state persistence for the control
plane's durable entities.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for control-plane state:
hosts, deployment tasks, service placements, domain mappings, alerts, audit
entries and credentials. All data is serialized as JSON and stored in
separate buckets, one per entity, for isolation and simple full-bucket
scans.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/controlplane.db          │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID, one writer at a time │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│        ┌────────────┼─────────────┬─────────────┐        │
	│        ▼            ▼             ▼             ▼        │
	│   hosts        tasks        placements      mappings     │
	│   alerts       audit        credentials                  │
	└────────────────────────────────────────────────────────────┘

# Single-writer aggregates

There is no cluster here — spec.md §5 describes one long-lived process, not
a quorum — so BoltStore does not need a Raft log to order concurrent writers.
Instead every versioned aggregate (Host, DeploymentTask, ServicePlacement,
DomainMapping, Alert) carries a Version field. An Update call must present
the version it last read; if storage's current version has moved, the call
fails with a ctlerr.VersionConflict instead of silently clobbering a
concurrent write. AuditEntry rows are append-only and keyed by a monotonic
bucket sequence rather than an id, so ListAuditEntries can return the most
recent entries without parsing timestamps.

# Usage

	store, err := storage.NewBoltStore(cfg.DataDir)
	...
	host := &types.Host{ID: uuid.NewString(), Name: "web-1", ...}
	err = store.CreateHost(host)
	...
	host.Status = types.HostMaintenance
	err = store.UpdateHost(host) // host.Version must match the stored row
*/
package storage
