package signal

import "sync"

// QueuedEvent is one addressed event held for an offline device.
type QueuedEvent struct {
	Event string
	Data  any
}

// PendingQueue buffers addressed events per device, in arrival order,
// until the device reconnects.
type PendingQueue struct {
	mu      sync.Mutex
	pending map[string][]QueuedEvent
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{pending: make(map[string][]QueuedEvent)}
}

func (q *PendingQueue) Enqueue(id, event string, data any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[id] = append(q.pending[id], QueuedEvent{Event: event, Data: data})
}

// Flush takes and clears everything queued for id in one step, so an
// enqueue racing the flush lands in a fresh queue instead of getting
// lost.
func (q *PendingQueue) Flush(id string) []QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := q.pending[id]
	delete(q.pending, id)
	return evs
}

// Requeue puts undelivered events back at the front, preserving order
// ahead of anything enqueued since the flush.
func (q *PendingQueue) Requeue(id string, evs []QueuedEvent) {
	if len(evs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[id] = append(append([]QueuedEvent{}, evs...), q.pending[id]...)
}

func (q *PendingQueue) Len(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[id])
}
