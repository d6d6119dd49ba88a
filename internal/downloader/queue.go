package downloader

import (
	"sync"
	"time"
)

// Queue is an unbounded FIFO handoff between submitters and workers.
// Push never blocks; Pop blocks up to a timeout so workers stay responsive
// to a stop signal. Safe for concurrent producers and consumers.
type Queue struct {
	mu     sync.Mutex
	items  []*Handle
	signal chan struct{}
}

// NewQueue creates an empty work queue.
func NewQueue() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
	}
}

// Push appends a handle to the back of the queue.
func (q *Queue) Push(h *Handle) {
	q.mu.Lock()
	q.items = append(q.items, h)
	q.mu.Unlock()
	q.notify()
}

// Pop removes the oldest handle, waiting up to timeout for one to arrive.
// Returns false if the timeout elapsed with the queue still empty.
func (q *Queue) Pop(timeout time.Duration) (*Handle, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			h := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				// Wake another waiter; pushes collapse into one signal.
				q.notify()
			}
			return h, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-timer.C:
			return nil, false
		}
	}
}

// Len returns the number of queued handles.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
