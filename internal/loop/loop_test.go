package loop

import (
	"context"
	"testing"
	"time"
)

func TestControlRunsBeforeQueuedJobs(t *testing.T) {
	l := New()

	var order []string
	for range 5 {
		l.Post(func() { order = append(order, "jam") })
	}
	l.PostControl(func() { order = append(order, "ctrl") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	if err := l.Do(ctx, func() {}); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if len(order) != 6 {
		t.Fatalf("expected 6 jobs, got %d", len(order))
	}
	if order[0] != "ctrl" {
		t.Errorf("expected control job first, got %v", order)
	}
}

func TestAfterFuncRunsOnLoop(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer job never ran")
	}
}

func TestStoppedTimerDoesNotFire(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := make(chan struct{}, 1)
	tm := l.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	if !tm.Stop() {
		t.Fatal("expected Stop to cancel a pending timer")
	}

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestPostAfterRunReturns(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	cancel()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	if l.Post(func() {}) {
		t.Error("Post should fail on a stopped loop")
	}
	if err := l.Do(context.Background(), func() {}); err == nil {
		t.Error("Do should fail on a stopped loop")
	}
}
