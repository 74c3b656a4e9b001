package bundler

import (
	"context"
	"testing"
	"time"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/loop"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/wire"
)

type manualTimer struct {
	fn      func()
	stopped bool
}

func (m *manualTimer) Stop() bool {
	was := !m.stopped
	m.stopped = true
	return was
}

type manualTimers struct {
	armed []*manualTimer
	last  time.Duration
}

func (m *manualTimers) AfterFunc(d time.Duration, fn func()) loop.Timer {
	t := &manualTimer{fn: fn}
	m.armed = append(m.armed, t)
	m.last = d
	return t
}

// fire runs every armed, unstopped timer once.
func (m *manualTimers) fire() {
	armed := m.armed
	m.armed = nil
	for _, t := range armed {
		if !t.stopped {
			t.stopped = true
			t.fn()
		}
	}
}

func (m *manualTimers) active() int {
	n := 0
	for _, t := range m.armed {
		if !t.stopped {
			n++
		}
	}
	return n
}

func ev(i int) wire.Event {
	n := wire.Pitched(uint8(60 + i))
	return wire.Event{Type: wire.KindNoteOn, Instrument: "EP", Note: &n, RoomTime: float64(i), SenderID: "me"}
}

func TestEventsInOneIntervalFlushTogetherInOrder(t *testing.T) {
	timers := &manualTimers{}
	var batches [][]wire.Event
	b := New(timers, func(e []wire.Event) { batches = append(batches, e) }, 0, nil)

	for i := range 5 {
		b.Enqueue(ev(i))
	}
	if timers.active() != 1 {
		t.Fatalf("expected one armed timer, got %d", timers.active())
	}
	if timers.last != DefaultInterval {
		t.Errorf("expected %v interval, got %v", DefaultInterval, timers.last)
	}

	timers.fire()
	if len(batches) != 1 || len(batches[0]) != 5 {
		t.Fatalf("expected one batch of 5, got %v", batches)
	}
	for i, e := range batches[0] {
		if e.RoomTime != float64(i) {
			t.Errorf("batch out of order at %d: %v", i, e.RoomTime)
		}
	}

	// The next tick finds nothing and leaves the timer disarmed.
	timers.fire()
	if len(batches) != 1 {
		t.Errorf("events flushed twice: %d batches", len(batches))
	}
	if timers.active() != 0 {
		t.Errorf("idle bundler should disarm its timer")
	}

	b.Enqueue(ev(9))
	if timers.active() != 1 {
		t.Error("enqueue after idle should re-arm the timer")
	}
}

func TestStopFlushesPendingOnce(t *testing.T) {
	timers := &manualTimers{}
	var batches [][]wire.Event
	b := New(timers, func(e []wire.Event) { batches = append(batches, e) }, 0, nil)

	b.Enqueue(ev(0))
	b.Enqueue(ev(1))
	b.Stop()
	b.Stop()
	timers.fire()

	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected a single final batch of 2, got %v", batches)
	}
	if b.Pending() != 0 {
		t.Errorf("queue should be empty after stop")
	}
}

func TestEnqueueAfterStopSendsImmediately(t *testing.T) {
	timers := &manualTimers{}
	var batches [][]wire.Event
	b := New(timers, func(e []wire.Event) { batches = append(batches, e) }, 0, nil)
	b.Stop()

	b.Enqueue(ev(3))
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected immediate single send, got %v", batches)
	}
	if timers.active() != 0 {
		t.Error("stopped bundler must not arm timers")
	}
}

func TestBundlerOnRealLoop(t *testing.T) {
	l := loop.New()
	done := make(chan []wire.Event, 1)
	b := New(l, func(e []wire.Event) { done <- e }, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	l.Post(func() {
		b.Enqueue(ev(0))
		b.Enqueue(ev(1))
	})

	select {
	case batch := <-done:
		if len(batch) != 2 {
			t.Errorf("expected 2 events, got %d", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("bundle never flushed")
	}
}
