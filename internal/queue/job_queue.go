package queue

import (
	"sync"

	"github.com/notifyhub/realtime-gateway/internal/domain"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 10000

// JobQueue is a bounded FIFO of notification jobs backed by a buffered
// channel. Enqueue never blocks: a full queue fails fast with ErrQueueFull so
// the producer (usually an HTTP handler) is never held up by delivery.
//
// Close stops intake; jobs already buffered stay readable from Jobs() until
// drained, after which the channel reports closed.
type JobQueue struct {
	mu     sync.RWMutex
	closed bool
	jobs   chan domain.NotificationJob
}

func New(capacity int) *JobQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &JobQueue{jobs: make(chan domain.NotificationJob, capacity)}
}

// Enqueue appends job in FIFO order.
func (q *JobQueue) Enqueue(job domain.NotificationJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return domain.ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Jobs is the receive side consumed by the dispatch worker.
func (q *JobQueue) Jobs() <-chan domain.NotificationJob {
	return q.jobs
}

// Close rejects further Enqueue calls. It is idempotent.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}

// Closed reports whether Close has been called.
func (q *JobQueue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Depth returns the number of jobs waiting.
// Used by the metrics handler for the queue-depth snapshot.
func (q *JobQueue) Depth() int {
	return len(q.jobs)
}

// Capacity returns the buffer size.
func (q *JobQueue) Capacity() int {
	return cap(q.jobs)
}
