package audit

import (
	"sync"

	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// tail fans out freshly recorded entries to live subscribers, buffering
// a bounded window for replay to subscribers that join after some
// entries have already been recorded.
type tail struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	buffer      []*types.AuditEntry
	bufferSize  int
}

func newTail(bufferSize int) *tail {
	return &tail{
		subscribers: make(map[Subscriber]bool),
		bufferSize:  bufferSize,
	}
}

func (t *tail) subscribe() Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := make(Subscriber, 50)
	t.subscribers[sub] = true
	for _, e := range t.buffer {
		select {
		case sub <- e:
		default:
		}
	}
	return sub
}

func (t *tail) unsubscribe(sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subscribers[sub]; ok {
		delete(t.subscribers, sub)
		close(sub)
	}
}

func (t *tail) publish(e *types.AuditEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bufferSize > 0 {
		t.buffer = append(t.buffer, e)
		if len(t.buffer) > t.bufferSize {
			t.buffer = t.buffer[len(t.buffer)-t.bufferSize:]
		}
	}
	for sub := range t.subscribers {
		select {
		case sub <- e:
		default:
		}
	}
}
