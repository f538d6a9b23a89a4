package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// Log is the Audit Log component (C12). Every mutating operator action
// calls Record before its own store write commits, so a crash mid-change
// leaves the audit entry in advance of reality rather than behind it.
type Log struct {
	store storage.Store
	tail  *tail
}

// New wires a Log to the durable store. tailSize bounds how many recent
// entries Subscribe replays to a new subscriber before switching to live
// delivery; 0 disables the replay buffer but still delivers new entries.
func New(store storage.Store, tailSize int) *Log {
	return &Log{store: store, tail: newTail(tailSize)}
}

// Record appends one AuditEntry. detail is marshaled to JSON; a nil
// detail is recorded as an empty object rather than omitted, so every
// entry's Detail field round-trips through json.Unmarshal uniformly.
func (l *Log) Record(actorID, action string, detail any, source string) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	if detail == nil {
		raw = json.RawMessage("{}")
	}
	e := &types.AuditEntry{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Action:    action,
		Detail:    raw,
		Source:    source,
		Timestamp: time.Now(),
	}
	if err := l.store.AppendAuditEntry(e); err != nil {
		return err
	}
	l.tail.publish(e)
	return nil
}

// List returns the most recent limit entries, newest first. A
// non-positive limit returns every entry.
func (l *Log) List(limit int) ([]*types.AuditEntry, error) {
	return l.store.ListAuditEntries(limit)
}

// Subscriber receives freshly recorded entries after it subscribes.
type Subscriber chan *types.AuditEntry

// Subscribe registers a live subscriber to every entry recorded from now
// on, the same broadcast shape pkg/events.Broker uses for task and alert
// transitions, kept separate here since an audit tail has its own
// backpressure policy (never drop a durable entry silently from the
// store, only from the live-tail convenience channel).
func (l *Log) Subscribe() Subscriber {
	return l.tail.subscribe()
}

// Unsubscribe removes sub from live delivery.
func (l *Log) Unsubscribe(sub Subscriber) {
	l.tail.unsubscribe(sub)
}
