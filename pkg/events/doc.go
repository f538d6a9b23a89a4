/*
Package events provides an in-memory event broker for the control plane's
pub/sub messaging between its own components.

The events package implements a lightweight, non-blocking event bus so the
Monitor & Alert Engine (C9), Deployment Engine (C4) and Worker Placement &
Registry (C6) can publish lifecycle transitions to any in-process
subscriber. No component in this tree subscribes outside tests: the
operator API's alert list reads storage.Store directly, and the Audit Log
(C12) keeps its own live tail in pkg/audit.

# Architecture

	┌──────────────────────── EVENT BROKER ─────────────────────┐
	│                                                            │
	│   Publishers                    Broker                     │
	│  ┌──────────┐      ┌──────────────────────────┐           │
	│  │ monitor  │─────▶│ eventCh (buffered, 100)   │           │
	│  │ deploy   │─────▶│   └─▶ broadcast()         │           │
	│  │ placement│─────▶│       └─▶ every Subscriber│           │
	│  └──────────┘      └──────────────────────────┘           │
	│                            │                                │
	│              ┌─────────────┼─────────────┐                 │
	│              ▼             ▼             ▼                 │
	│        Subscribe()     Subscribe()  Subscribe()     │
	└────────────────────────────────────────────────────────────┘

Event types (see EventType) cover host probes and maintenance transitions,
deployment task lifecycle, service placement lifecycle, alert lifecycle,
and the reverse-proxy/domain verification side effects those trigger.

Publish never blocks a slow subscriber: Subscribe returns a buffered
channel, and a full subscriber buffer silently drops the newest event for
that subscriber rather than backing up the broker for everyone else. This
broker is a convenience fan-out, not the durable record — the durable
record for tasks, alerts and placements is always storage.Store; a
subscriber that misses an event can still recover current state by reading
the store directly.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{Type: events.EventAlertRaised, Message: "high_cpu_usage on host-7"})
	ev := <-sub
*/
package events
