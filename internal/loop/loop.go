// Package loop provides the single cooperative execution context a client
// runs in. All per-peer state is mutated only from jobs executed by Run.
//
// Two queues feed the loop: control jobs (latency probes) and ordinary jobs
// (jam events, timers). Pending control jobs always run before the next
// ordinary job so a burst of jam traffic cannot delay a pong.
package loop

import (
	"context"
	"sync"
	"time"
)

const (
	controlQueueSize = 256
	jobQueueSize     = 4096
)

// Timer is a cancellable scheduled job.
type Timer interface {
	Stop() bool
}

// Scheduler is the subset of Loop components need to arm timers.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Loop is a two-priority job queue drained by one goroutine.
type Loop struct {
	control chan func()
	jobs    chan func()

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New creates a loop. Call Run to start executing jobs.
func New() *Loop {
	return &Loop{
		control: make(chan func(), controlQueueSize),
		jobs:    make(chan func(), jobQueueSize),
		done:    make(chan struct{}),
	}
}

// PostControl queues a job on the priority queue. It reports false if the
// loop has stopped.
func (l *Loop) PostControl(fn func()) bool {
	return l.post(l.control, fn)
}

// Post queues an ordinary job. It reports false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	return l.post(l.jobs, fn)
}

func (l *Loop) post(q chan func(), fn func()) bool {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return false
	}
	select {
	case q <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish. It is how code outside
// the loop reads loop-owned state.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(finished)
	}) {
		return context.Canceled
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loopTimer struct {
	t *time.Timer
}

func (lt loopTimer) Stop() bool { return lt.t.Stop() }

// AfterFunc schedules fn on the ordinary queue after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	return loopTimer{t: time.AfterFunc(d, func() { l.Post(fn) })}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run drains both queues until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		// Drain control first.
		select {
		case fn := <-l.control:
			fn()
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.control:
			fn()
		case fn := <-l.jobs:
			fn()
		}
	}
}
