// Package queue provides the execution contexts used by the cache: serial
// queues that run work one unit at a time in submission order, and an
// immediate queue that runs work inline.
package queue

import "sync"

// Queue schedules units of work.
type Queue interface {
	// Async schedules fn and returns without waiting for it.
	Async(fn func())
	// Sync schedules fn and blocks until it has run.
	Sync(fn func())
}

// Serial runs submitted functions one at a time, in submission order.
//
// A Serial queue has no worker goroutine while idle; one is started when work
// arrives and exits when the backlog drains. The backlog is unbounded, so
// Async never blocks, including when called from a function already running
// on the queue. Calling Sync from inside the queue deadlocks.
type Serial struct {
	name string

	mu      sync.Mutex
	pending []func()
	running bool
}

// NewSerial creates an idle serial queue.
func NewSerial(name string) *Serial {
	return &Serial{name: name}
}

// Name returns the label the queue was created with.
func (q *Serial) Name() string {
	return q.name
}

// Async appends fn to the backlog.
func (q *Serial) Async(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if !q.running {
		q.running = true
		go q.drain()
	}
	q.mu.Unlock()
}

// Sync appends fn to the backlog and waits until it returns. Because work runs
// in order, Sync(func() {}) doubles as a barrier for everything queued before.
func (q *Serial) Sync(fn func()) {
	done := make(chan struct{})
	q.Async(func() {
		defer close(done)
		fn()
	})
	<-done
}

func (q *Serial) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}

// Immediate runs every function inline on the calling goroutine.
type Immediate struct{}

// Async runs fn before returning.
func (Immediate) Async(fn func()) { fn() }

// Sync runs fn before returning.
func (Immediate) Sync(fn func()) { fn() }

// Flush waits until all work submitted to q before the call has run.
func Flush(q Queue) {
	q.Sync(func() {})
}
