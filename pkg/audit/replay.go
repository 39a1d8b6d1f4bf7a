package audit

import (
	"sync"

	"github.com/polisai/polis-governance/pkg/domain"
)

// replayQueue is an unbounded FIFO between the persister and the replay workers.
// The persister must never block on replay: replayed rules emit audit events that
// may themselves wait for the persister.
type replayQueue struct {
	mu     sync.Mutex
	items  []domain.AuditEvent
	closed bool
	signal chan struct{}
}

func newReplayQueue() *replayQueue {
	return &replayQueue{signal: make(chan struct{}, 1)}
}

func (q *replayQueue) push(event domain.AuditEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, event)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}

// pop blocks until an event is available. It returns false once the queue is closed.
func (q *replayQueue) pop() (domain.AuditEvent, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return domain.AuditEvent{}, false
		}
		if len(q.items) > 0 {
			event := q.items[0]
			q.items[0] = domain.AuditEvent{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return event, true
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// close discards pending events and returns how many there were.
func (q *replayQueue) close() int {
	q.mu.Lock()
	dropped := len(q.items)
	q.items = nil
	q.closed = true
	close(q.signal)
	q.mu.Unlock()
	return dropped
}

func (q *replayQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
