/*
Package inventory implements the Host Inventory (C5): the authoritative
store of Host rows, sitting on top of pkg/storage's Host bucket the way
the teacher's pkg/storage/boltdb.go is itself sat on by nothing — Warren's
manager read and wrote Node rows directly from a dozen call sites guarded
only by Raft's single-writer log. Here every mutation to a Host's facts,
current-services or health bookkeeping goes through this package so the
three-consecutive-probe-failure-to-maintenance rule and the
current-services-subset-of-declared-roles invariant are enforced in one
place. The consecutive probe-failure count is a field persisted on
types.Host and maintained by RecordProbeOutcome, not a pkg/health type.
*/
package inventory
