package iax

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testConfig shortens retransmission so lost or refused frames settle
// quickly.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinRetry = 20 * time.Millisecond
	cfg.MaxRetry = 200 * time.Millisecond
	cfg.AuthRejectDelay = 0
	return cfg
}

const waitTimeout = 3 * time.Second

type recordedEvent struct {
	ref CallRef
	ev  Event
}

// recorder is a Handler that queues everything it is given.
type recorder struct {
	channels chan CallInfo
	events   chan recordedEvent
}

func newRecorder() *recorder {
	return &recorder{
		channels: make(chan CallInfo, 16),
		events:   make(chan recordedEvent, 1024),
	}
}

func (r *recorder) NewChannel(info CallInfo) {
	r.channels <- info
}

func (r *recorder) Event(ref CallRef, ev Event) {
	select {
	case r.events <- recordedEvent{ref, ev}:
	default:
	}
}

func (r *recorder) waitChannel(t *testing.T) CallInfo {
	t.Helper()
	select {
	case info := <-r.channels:
		return info
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a new channel")
		return CallInfo{}
	}
}

// waitEvent returns the next event of kind, discarding others.
func (r *recorder) waitEvent(t *testing.T, kind EventKind) recordedEvent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case got := <-r.events:
			if got.ev.Kind == kind {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return recordedEvent{}
		}
	}
}

// testNode is an engine running on a loopback socket.
type testNode struct {
	*Engine
	rec  *recorder
	reg  *Registry
	addr netip.AddrPort
}

func startNode(t *testing.T, cfg Config, setup func(*Registry, *Options)) *testNode {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	reg := NewRegistry(nil, nil, testLogger())
	rec := newRecorder()
	opts := Options{Handler: rec, Registry: reg, Logger: testLogger()}
	if setup != nil {
		setup(reg, &opts)
	}
	e, err := New(conn, cfg, opts)
	if err != nil {
		conn.Close()
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		e.Close()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return &testNode{
		Engine: e,
		rec:    rec,
		reg:    reg,
		addr:   netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
