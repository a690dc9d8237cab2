package services

import (
	"context"
	"sync"
)

// jobQueue is an unbounded FIFO drained by a single session worker. Pushes
// never block, so sessions can post to each other without deadlock.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []func()
	closed bool
	notify chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{notify: make(chan struct{}, 1)}
}

func (q *jobQueue) push(job func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a job is available or ctx is done. Pending jobs are
// abandoned once ctx is done.
func (q *jobQueue) pop(ctx context.Context) (func(), bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}

		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs[0] = nil
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return job, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

// close rejects further pushes and returns the number of abandoned jobs.
func (q *jobQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	n := len(q.jobs)
	q.jobs = nil
	return n
}
