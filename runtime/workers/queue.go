package workers

import (
	"chat-relay/domain"
	"context"
	"sync"
)

// MessageQueue is an unbounded FIFO with a single consumer.
// Push never blocks so that producers holding the directory lock are never
// stalled by a slow dispatcher.
type MessageQueue struct {
	mu     sync.Mutex
	items  []domain.QueuedMessage
	head   int
	closed bool
	notify chan struct{}
}

func NewMessageQueue() *MessageQueue {
	return &MessageQueue{notify: make(chan struct{}, 1)}
}

// Push appends msg. It returns false once the queue is closed.
func (q *MessageQueue) Push(msg domain.QueuedMessage) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.wake()
	return true
}

// Pop blocks until a message is available, the queue is closed and drained,
// or ctx is done. The boolean is false in the last two cases.
func (q *MessageQueue) Pop(ctx context.Context) (domain.QueuedMessage, bool) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			msg := q.items[q.head]
			q.items[q.head] = domain.QueuedMessage{}
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			}
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return domain.QueuedMessage{}, false
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return domain.QueuedMessage{}, false
		}
	}
}

func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close rejects further pushes. Messages already queued are still popped.
func (q *MessageQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *MessageQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
