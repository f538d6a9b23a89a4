/*
Package deploy implements the Deployment Engine (C4): a Dispatcher that
runs DeploymentTasks (install, migrate, backup, network-scan, full-setup)
against a bounded worker pool, the way the teacher's pkg/worker/worker.go
runs its heartbeatLoop/containerExecutorLoop goroutines off a ticker and a
stopCh rather than a full scheduler — here each task gets its own
goroutine gated by a semaphore channel instead of a ticker, since tasks
are one-shot work items rather than recurring syncs, but the
select{ case <-signal: ...; case <-stopCh: return } shape is the same.

Progress is recorded through a ProgressSink that flushes on every phase
boundary and on a throttled interval otherwise, keeping the task's
append-only Log bounded the same way the Host Probe bounds its
transcript. Per-host execution is serialized with a mutex keyed by host
id (sync.Map), and the migrate handler acquires both hosts' mutexes in
ascending id order to avoid the classic two-lock deadlock.
*/
package deploy
