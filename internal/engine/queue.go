package engine

import (
	"context"
	"sync"
)

// Job is one unit of background work, typically a sync with one peer.
// Jobs with the same Key never run concurrently and are not queued twice.
type Job struct {
	Key string
	Run func(ctx context.Context) error
}

// jobQueue is a thread-safe FIFO queue of jobs.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in worker loops (prevents goroutine hangs on context cancellation).
type jobQueue struct {
	mu     sync.Mutex
	jobs   []Job
	keys   map[string]bool // queued or running
	closed bool
	signal chan struct{} // Signals job availability (buffered, size 1)
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:   make([]Job, 0, 16),
		keys:   make(map[string]bool),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the back of the queue.
// Returns false if the queue is closed or a job with the same key is
// queued or running.
func (q *jobQueue) Enqueue(j Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.keys[j.Key] {
		return false
	}
	q.keys[j.Key] = true
	q.jobs = append(q.jobs, j)
	q.notify()
	return true
}

// notify signals availability without blocking; the buffer of 1 coalesces
// signals. Callers hold mu.
func (q *jobQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryDequeue removes the front job without blocking. The job's key stays
// reserved until Done is called for it.
func (q *jobQueue) TryDequeue() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return Job{}, false
	}
	j := q.jobs[0]
	// Nil out the slot so the closure can be collected.
	q.jobs[0] = Job{}
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
		// Wake another worker for the rest.
		if !q.closed {
			q.notify()
		}
	}
	return j, true
}

// Done releases key so a job with it may be enqueued again.
func (q *jobQueue) Done(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.keys, key)
}

// Wait returns a channel that signals when jobs may be available. It is
// closed by Close.
func (q *jobQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued jobs.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting jobs and wakes every waiter.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

func (q *jobQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
