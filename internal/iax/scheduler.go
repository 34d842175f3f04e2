package iax

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Clock is the engine's source of time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type timerID uint64

type timerEntry struct {
	id    timerID
	at    time.Time
	fn    func()
	index int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// scheduler is a priority queue of callbacks keyed by fire time. Callbacks
// run on the goroutine that calls runDue, never under the scheduler lock.
type scheduler struct {
	clock Clock

	mu     sync.Mutex
	h      timerHeap
	byID   map[timerID]*timerEntry
	nextID timerID
	wake   chan struct{}
}

func newScheduler(clock Clock) *scheduler {
	return &scheduler{
		clock: clock,
		byID:  make(map[timerID]*timerEntry),
		wake:  make(chan struct{}, 1),
	}
}

// after schedules fn to run d from now.
func (s *scheduler) after(d time.Duration, fn func()) timerID {
	return s.at(s.clock.Now().Add(d), fn)
}

// at schedules fn to run at t.
func (s *scheduler) at(t time.Time, fn func()) timerID {
	s.mu.Lock()
	s.nextID++
	e := &timerEntry{id: s.nextID, at: t, fn: fn}
	heap.Push(&s.h, e)
	s.byID[e.id] = e
	first := s.h[0] == e
	s.mu.Unlock()

	if first {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return e.id
}

// cancel removes a pending timer. It reports false if the timer already
// fired or never existed.
func (s *scheduler) cancel(id timerID) bool {
	if id == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	heap.Remove(&s.h, e.index)
	return true
}

// pending reports whether id is still scheduled.
func (s *scheduler) pending(id timerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// when returns the fire time of a pending timer.
func (s *scheduler) when(id timerID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// next returns the earliest fire time.
func (s *scheduler) next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].at, true
}

// runDue fires every timer due at or before now and returns how many ran.
// Timers scheduled by callbacks for a time already due run in the same pass.
func (s *scheduler) runDue() int {
	n := 0
	for {
		now := s.clock.Now()
		s.mu.Lock()
		if len(s.h) == 0 || s.h[0].at.After(now) {
			s.mu.Unlock()
			return n
		}
		e := heap.Pop(&s.h).(*timerEntry)
		delete(s.byID, e.id)
		s.mu.Unlock()

		e.fn()
		n++
	}
}

// run fires timers in real time until ctx is done.
func (s *scheduler) run(ctx context.Context) error {
	t := time.NewTimer(time.Hour)
	defer t.Stop()
	for {
		s.runDue()
		wait := time.Hour
		if at, ok := s.next(); ok {
			wait = at.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		t.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
		}
	}
}

func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.h)
}
