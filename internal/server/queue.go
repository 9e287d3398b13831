package server

import (
	"context"
	"sync"

	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// Queue is an unbounded FIFO of triggers with a single consumer. Enqueue
// never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []queued
	notify chan struct{}
}

type queued struct {
	trigger  pipeline.TriggerRequest
	queuedAt int64
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue appends t.
func (q *Queue) Enqueue(t pipeline.TriggerRequest, queuedAt int64) {
	q.mu.Lock()
	q.items = append(q.items, queued{trigger: t, queuedAt: queuedAt})
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Has reports whether a trigger for jobID is waiting.
func (q *Queue) Has(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.trigger.JobID == jobID {
			return true
		}
	}
	return false
}

// Len returns the number of waiting triggers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// next blocks until a trigger is available or ctx is done.
func (q *Queue) next(ctx context.Context) (queued, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = queued{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return queued{}, false
		case <-q.notify:
		}
	}
}
