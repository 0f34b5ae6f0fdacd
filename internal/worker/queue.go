// Package worker provides the task queue, the per-project lock registry
// and the worker pool draining incoming measurement lines.
package worker

import (
	"context"
	"sync"

	"github.com/oscredits/credits-plane/pkg/metrics"
)

// Queue is an unbounded FIFO queue of raw line-protocol records with
// task accounting: every Put must eventually be balanced by a TaskDone
// from the consumer, and Join blocks until that balance is reached.
type Queue struct {
	mu         sync.Mutex
	notEmpty   *sync.Cond
	allDone    *sync.Cond
	items      []string
	unfinished int
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.notEmpty = sync.NewCond(&q.mu)
	q.allDone = sync.NewCond(&q.mu)
	return q
}

// Put appends a task to the tail of the queue. It never blocks.
func (q *Queue) Put(task string) {
	q.mu.Lock()
	q.items = append(q.items, task)
	q.unfinished++
	q.mu.Unlock()

	metrics.TasksQueued.Inc()
	q.notEmpty.Signal()
}

// Get removes and returns the task at the head of the queue, blocking
// until one is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.notEmpty.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		q.notEmpty.Wait()
	}

	task := q.items[0]
	q.items = q.items[1:]
	metrics.TasksQueued.Dec()
	return task, nil
}

// TaskDone marks one previously fetched task as finished. Calling it
// more often than Put panics, which would indicate a consumer bug.
func (q *Queue) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished == 0 {
		panic("worker: TaskDone called more often than Put")
	}
	q.unfinished--
	if q.unfinished == 0 {
		q.allDone.Broadcast()
	}
}

// Join blocks until every task put on the queue has been marked done,
// or until ctx expires. On expiry the queue is left untouched and the
// context error is returned.
func (q *Queue) Join(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.allDone.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.unfinished > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.allDone.Wait()
	}
	return nil
}

// Len returns the number of tasks currently waiting in the queue. Tasks
// handed to a worker but not yet done are not included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
