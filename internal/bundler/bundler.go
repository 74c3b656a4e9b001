// Package bundler coalesces outgoing jam events so a fast passage becomes a
// few frames instead of a burst of tiny ones.
package bundler

import (
	"log/slog"
	"time"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/loop"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/wire"
)

// DefaultInterval is the flush cadence.
const DefaultInterval = 8 * time.Millisecond

// SendFunc transmits one batch. Encoding a single event bare and several as
// a bundle is the sender's concern (see wire.EncodeEvents).
type SendFunc func(events []wire.Event)

// Bundler queues events and flushes them on a fixed tick. It must be used
// from the goroutine that runs the timer callbacks (the session loop).
type Bundler struct {
	interval time.Duration
	timers   loop.Scheduler
	send     SendFunc
	log      *slog.Logger

	queue   []wire.Event
	timer   loop.Timer
	stopped bool
	flushes int
}

// New creates a bundler that arms its tick through timers.
func New(timers loop.Scheduler, send SendFunc, interval time.Duration, logger *slog.Logger) *Bundler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bundler{
		interval: interval,
		timers:   timers,
		send:     send,
		log:      logger,
	}
}

// Enqueue adds ev to the next batch. After Stop it is sent immediately.
func (b *Bundler) Enqueue(ev wire.Event) {
	if b.stopped {
		b.send([]wire.Event{ev})
		return
	}
	b.queue = append(b.queue, ev)
	if b.timer == nil {
		b.timer = b.timers.AfterFunc(b.interval, b.tick)
	}
}

func (b *Bundler) tick() {
	b.timer = nil
	if b.stopped {
		return
	}
	if !b.flush() {
		// Idle: stay disarmed until the next Enqueue.
		return
	}
	b.timer = b.timers.AfterFunc(b.interval, b.tick)
}

// flush swaps the queue out and sends it. It reports whether anything was
// sent.
func (b *Bundler) flush() bool {
	if len(b.queue) == 0 {
		return false
	}
	batch := b.queue
	b.queue = nil
	b.flushes++
	b.log.Debug("flushing bundle", "events", len(batch))
	b.send(batch)
	return true
}

// Stop cancels the tick and flushes whatever is pending.
func (b *Bundler) Stop() {
	if b.stopped {
		return
	}
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.flush()
}

// Pending returns the number of queued events.
func (b *Bundler) Pending() int {
	return len(b.queue)
}

// Flushes returns how many batches have been sent.
func (b *Bundler) Flushes() int {
	return b.flushes
}
