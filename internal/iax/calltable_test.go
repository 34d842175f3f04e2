package iax

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func newTestTable(capacity int) (*callTable, *fakeClock) {
	clock := newFakeClock()
	return newCallTable(capacity, MinReuse, clock, testLogger()), clock
}

func mustCreate(t *testing.T, tbl *callTable, trunk bool) *call {
	t.Helper()
	c := &call{}
	if err := tbl.create(c, trunk); err != nil {
		t.Fatalf("create(trunk=%v): %v", trunk, err)
	}
	c.slot.mu.Unlock()
	return c
}

func TestCallTableAllocatesLowestFree(t *testing.T) {
	tbl, _ := newTestTable(16)

	a := mustCreate(t, tbl, false)
	b := mustCreate(t, tbl, false)
	if a.ref.Num != 1 || b.ref.Num != 2 {
		t.Fatalf("numbers = %d, %d, want 1, 2", a.ref.Num, b.ref.Num)
	}
	tr := mustCreate(t, tbl, true)
	if tr.ref.Num != 8 {
		t.Errorf("trunk number = %d, want 8", tr.ref.Num)
	}
	if !tbl.isTrunk(tr.ref.Num) || tbl.isTrunk(a.ref.Num) {
		t.Error("isTrunk does not match the allocation ranges")
	}
	if got := tbl.inUse(); got != 3 {
		t.Errorf("inUse = %d, want 3", got)
	}
}

func TestCallTableQuarantine(t *testing.T) {
	tbl, clock := newTestTable(16)

	a := mustCreate(t, tbl, false)
	c, err := tbl.lock(a.ref)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	tbl.free(c)
	c.slot.mu.Unlock()

	next := mustCreate(t, tbl, false)
	if next.ref.Num == 1 {
		t.Fatal("freed number reused inside the quarantine")
	}

	clock.Advance(MinReuse + time.Second)
	again := mustCreate(t, tbl, false)
	if again.ref.Num != 1 {
		t.Errorf("number after quarantine = %d, want 1", again.ref.Num)
	}
}

func TestCallTableStaleRef(t *testing.T) {
	tbl, clock := newTestTable(16)

	a := mustCreate(t, tbl, false)
	old := a.ref
	c, _ := tbl.lock(old)
	tbl.free(c)
	c.slot.mu.Unlock()

	if _, err := tbl.lock(old); !errors.Is(err, ErrStaleCall) {
		t.Fatalf("lock(freed) err = %v, want ErrStaleCall", err)
	}

	clock.Advance(MinReuse + time.Second)
	b := mustCreate(t, tbl, false)
	if b.ref.Num != old.Num {
		t.Fatalf("reused number = %d, want %d", b.ref.Num, old.Num)
	}
	if _, err := tbl.lock(old); !errors.Is(err, ErrStaleCall) {
		t.Errorf("old ref reached the new call: err = %v", err)
	}
	if got, err := tbl.lock(b.ref); err != nil || got != b {
		t.Errorf("lock(new ref) = %v, %v", got, err)
	} else {
		got.slot.mu.Unlock()
	}
}

func TestCallTableExhaustion(t *testing.T) {
	tbl, _ := newTestTable(8)
	for i := 0; i < 3; i++ {
		mustCreate(t, tbl, false)
	}
	if err := tbl.create(&call{}, false); !errors.Is(err, ErrNoFreeCallNumber) {
		t.Fatalf("create on a full range err = %v, want ErrNoFreeCallNumber", err)
	}
	// The trunk range is independent.
	mustCreate(t, tbl, true)
}

func TestCallTableFind(t *testing.T) {
	tbl, _ := newTestTable(16)
	addr := netip.MustParseAddrPort("192.0.2.1:4569")
	other := netip.MustParseAddrPort("192.0.2.2:4569")

	a := mustCreate(t, tbl, false)
	// Outbound call before the peer has answered.
	tbl.setPeer(a.ref.Num, addr, 0)
	if ref, ok := tbl.find(addr, 77, a.ref.Num); !ok || ref != a.ref {
		t.Fatalf("find first reply = %v, %v", ref, ok)
	}
	if _, ok := tbl.find(other, 77, a.ref.Num); ok {
		t.Fatal("first reply matched from the wrong address")
	}

	if err := tbl.setPeer(a.ref.Num, addr, 77); err != nil {
		t.Fatalf("setPeer: %v", err)
	}
	if ref, ok := tbl.find(addr, 77, 0); !ok || ref != a.ref {
		t.Errorf("find by peer = %v, %v", ref, ok)
	}
	if _, ok := tbl.find(addr, 77, 5); ok {
		t.Error("find matched with a wrong destination call number")
	}

	b := mustCreate(t, tbl, false)
	if err := tbl.setPeer(b.ref.Num, addr, 77); !errors.Is(err, ErrPeerClaimed) {
		t.Errorf("duplicate claim err = %v, want ErrPeerClaimed", err)
	}

	tbl.setTransfer(b.ref.Num, other, 12)
	if ref, ok := tbl.find(other, 12, 0); !ok || ref != b.ref {
		t.Errorf("find by transfer = %v, %v", ref, ok)
	}
	tbl.setTransfer(b.ref.Num, netip.AddrPort{}, 0)
	if _, ok := tbl.find(other, 12, 0); ok {
		t.Error("cleared transfer still indexed")
	}
}

func TestCallTablePromote(t *testing.T) {
	tbl, _ := newTestTable(16)
	addr := netip.MustParseAddrPort("192.0.2.1:4569")

	a := mustCreate(t, tbl, false)
	tbl.setPeer(a.ref.Num, addr, 9)

	c, _ := tbl.lock(a.ref)
	old, err := tbl.promote(c)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	c.slot.mu.Unlock()

	if old.Num != 1 || !tbl.isTrunk(c.ref.Num) {
		t.Fatalf("promote moved %d to %d", old.Num, c.ref.Num)
	}
	if ref, ok := tbl.find(addr, 9, 0); !ok || ref != c.ref {
		t.Errorf("peer index after promote = %v, %v, want %v", ref, ok, c.ref)
	}
	if _, err := tbl.lock(old); !errors.Is(err, ErrStaleCall) {
		t.Errorf("old number still live: %v", err)
	}
	if got := tbl.inUse(); got != 1 {
		t.Errorf("inUse = %d, want 1", got)
	}
}

func TestCallTableLockPair(t *testing.T) {
	tbl, _ := newTestTable(16)
	a := mustCreate(t, tbl, false)
	b := mustCreate(t, tbl, false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for {
				x, y, err := tbl.lockPair(a.ref, b.ref)
				if errors.Is(err, ErrLockBusy) {
					continue
				}
				if err != nil || x != a || y != b {
					t.Errorf("lockPair(a, b) = %p, %p, %v", x, y, err)
					return
				}
				y.slot.mu.Unlock()
				x.slot.mu.Unlock()
				return
			}
		}()
		go func() {
			defer wg.Done()
			for {
				x, y, err := tbl.lockPair(b.ref, a.ref)
				if errors.Is(err, ErrLockBusy) {
					continue
				}
				if err != nil || x != b || y != a {
					t.Errorf("lockPair(b, a) = %p, %p, %v", x, y, err)
					return
				}
				x.slot.mu.Unlock()
				y.slot.mu.Unlock()
				return
			}
		}()
	}
	wg.Wait()

	if _, _, err := tbl.lockPair(a.ref, a.ref); !errors.Is(err, ErrLockBusy) {
		t.Errorf("lockPair with itself err = %v, want ErrLockBusy", err)
	}
}

func TestCallTableNumbers(t *testing.T) {
	tbl, _ := newTestTable(16)
	a := mustCreate(t, tbl, false)
	mustCreate(t, tbl, false)
	tr := mustCreate(t, tbl, true)

	c, _ := tbl.lock(a.ref)
	tbl.free(c)
	c.slot.mu.Unlock()

	got := tbl.numbers()
	if len(got) != 2 || got[0] != 2 || got[1] != tr.ref.Num {
		t.Errorf("numbers = %v, want [2 %d]", got, tr.ref.Num)
	}
}
