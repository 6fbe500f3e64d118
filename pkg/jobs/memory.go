package jobs

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("queue closed")

// MemQueue is the in-process fallback used when Kafka is not
// configured, and the queue of choice in tests.
//
// Close signals shutdown through a separate done channel; the job
// channel itself is never closed, so an Enqueue racing with Close
// cannot panic on a closed channel. Jobs buffered before Close are
// still delivered by Dequeue.
type MemQueue struct {
	ch     chan Job
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemQueue{ch: make(chan Job, capacity), done: make(chan struct{})}
}

func (q *MemQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- job:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) Dequeue(ctx context.Context) (Job, error) {
	// Drain buffered jobs before reporting closure.
	select {
	case job := <-q.ch:
		return job, nil
	default:
	}
	select {
	case job := <-q.ch:
		return job, nil
	case <-q.done:
		return Job{}, ErrQueueClosed
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
