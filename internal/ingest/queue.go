package ingest

import (
	"context"
	"sync"

	"github.com/mealtrust/mealtrust/internal/metrics"
)

// Queue is the bounded buffer between the listener and the reconciler.
// Enqueue blocks when the buffer is full, which backpressures the listener's
// poll loop instead of growing memory without bound.
type Queue struct {
	ch     chan Envelope
	closed bool
	// mu orders Enqueue against Close: producers hold the read side for the
	// duration of the send, so Close cannot close the channel under them.
	mu sync.RWMutex
}

// NewQueue creates a queue holding at most size envelopes.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{ch: make(chan Envelope, size)}
}

// Enqueue adds an envelope, blocking while the queue is full. It returns
// the context error if ctx ends first, or ErrQueueClosed after Close.
func (q *Queue) Enqueue(ctx context.Context, e Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- e:
		metrics.EventQueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue returns the channel consumers receive envelopes from. After Close,
// buffered envelopes remain readable until drained, then the channel ends.
func (q *Queue) Dequeue() <-chan Envelope {
	return q.ch
}

// Len returns the current backlog.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Observe refreshes the queue depth gauge. Consumers call it after a take.
func (q *Queue) Observe() {
	metrics.EventQueueDepth.Set(float64(len(q.ch)))
}

// Close stops accepting envelopes and closes the consumer channel.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
