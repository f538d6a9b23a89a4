/*
Package monitor implements the Monitor & Alert Engine (C9): three
independently-clocked tickers driving probe-lite health checks, resource
metrics collection, and threshold-breach alerting.

The three-loop shape is grounded on the teacher's
pkg/worker/health_monitor.go, whose monitorLoop/healthCheckLoop pair runs
one ticker that syncs a set of per-task loops, each on its own ticker;
here each of the three concerns (health, metrics, alert-sweep) gets its
own single ticker instead, since spec.md §4.9 names fixed, independent
cadences for all three rather than a per-task one. Every ticker is driven
through a github.com/jonboulle/clockwork.Clock so tests can advance a
FakeClock instead of waiting on real intervals, the same dependency
pkg/domain uses for its own recurring loop.

Probe-lite (the health tick) reuses C1's sshconn.Dialer to open one
session per active host and C3's installer.Registry to ask each declared
service's own Installer.Detect whether it is actually running, rather
than re-deriving service-liveness logic pkg/installer already owns.

The metrics tick runs a small fixed shell script (script.go), the same
single-round-trip style pkg/probe/script.go's fact-gathering script uses,
parsed with tidwall/gjson the same way pkg/probe parses its own facts
payload.

Alert upsert-by-tuple reuses the exact dedup shape
pkg/proxy.Manager.raiseRollbackAlert already established for its own
rollback alert: find an active alert by types.Alert.DedupKey(), bump
LastOccurrence/Value and raise severity to the max of old and new if
found, else create one and publish events.EventAlertRaised.
*/
package monitor
