package iax

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerRunDueOrder(t *testing.T) {
	clock := newFakeClock()
	s := newScheduler(clock)

	var fired []int
	s.after(30*time.Millisecond, func() { fired = append(fired, 3) })
	s.after(10*time.Millisecond, func() { fired = append(fired, 1) })
	s.after(10*time.Millisecond, func() { fired = append(fired, 2) })

	if n := s.runDue(); n != 0 {
		t.Fatalf("runDue before due = %d, want 0", n)
	}
	clock.Advance(10 * time.Millisecond)
	if n := s.runDue(); n != 2 {
		t.Fatalf("runDue = %d, want 2", n)
	}
	clock.Advance(20 * time.Millisecond)
	s.runDue()

	want := []int{1, 2, 3}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired = %v, want %v", fired, want)
		}
	}
}

func TestSchedulerCancel(t *testing.T) {
	clock := newFakeClock()
	s := newScheduler(clock)

	ran := false
	id := s.after(time.Second, func() { ran = true })
	if !s.pending(id) {
		t.Fatal("timer not pending")
	}
	if at, ok := s.when(id); !ok || !at.Equal(clock.Now().Add(time.Second)) {
		t.Errorf("when = %v, %v", at, ok)
	}
	if !s.cancel(id) {
		t.Fatal("cancel returned false for a pending timer")
	}
	if s.cancel(id) {
		t.Error("second cancel returned true")
	}
	if s.cancel(0) {
		t.Error("cancel(0) returned true")
	}
	clock.Advance(2 * time.Second)
	s.runDue()
	if ran {
		t.Error("cancelled timer fired")
	}
	if s.len() != 0 {
		t.Errorf("len = %d, want 0", s.len())
	}
}

func TestSchedulerCallbackReschedules(t *testing.T) {
	clock := newFakeClock()
	s := newScheduler(clock)

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			s.after(0, tick)
		}
	}
	s.after(0, tick)
	s.runDue()
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestSchedulerRun(t *testing.T) {
	s := newScheduler(systemClock{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()

	fired := make(chan struct{})
	s.after(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("run returned %v", err)
	}
}
