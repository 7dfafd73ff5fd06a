package migrate

import "sync"

// retryQueue is the FIFO of throttled tasks waiting to be re-admitted.
//
// Throttled tasks push themselves here instead of retrying in place, so
// repeated throttling never grows the stack and the admission loop stays the
// only place that hands out permits.
//
// The signal channel (buffered, size 1) lets the admission loop wait for work
// alongside ctx.Done(). Multiple enqueues coalesce into one wakeup; the loop
// drains with TryDequeue after each wake.
type retryQueue struct {
	mu     sync.Mutex
	tasks  []Task
	signal chan struct{}
}

func newRetryQueue() *retryQueue {
	return &retryQueue{
		tasks:  make([]Task, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the back of the queue. Safe from any goroutine.
func (q *retryQueue) Enqueue(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = append(q.tasks, t)

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryDequeue removes and returns the front task without blocking.
func (q *retryQueue) TryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return Task{}, false
	}

	t := q.tasks[0]
	q.tasks[0] = Task{} // release the record for GC
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// Wait returns a channel that signals when tasks may be available.
func (q *retryQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *retryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
