// Package audit implements the Audit Log (C12): an append-only record of
// operator actions, written before the mutating state change it
// accompanies commits. Structurally adapted from pkg/events.Broker so a
// live tail of recent entries can be subscribed to alongside the durable
// log BoltStore keeps, grounded on
// original_source/saas_manager/infra_admin.py's log_admin_action call
// sites, which are invoked immediately before the mutation they record.
package audit
