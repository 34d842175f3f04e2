package iax

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/flowpbx/flowiax/internal/codec"
	"github.com/flowpbx/flowiax/internal/wire"
)

func guestUser(r *Registry, _ *Options) {
	r.SetUsers([]*User{{Name: "guest"}})
}

func ulawFrame() []byte {
	return make([]byte, 160)
}

func TestNewRequiresRegistry(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	if _, err := New(conn, Config{}, Options{}); err == nil {
		t.Fatal("New without a registry succeeded")
	}

	cfg := DefaultConfig()
	cfg.MinRetry = time.Minute
	cfg.MaxRetry = time.Second
	if _, err := New(conn, cfg, Options{Registry: NewRegistry(nil, nil, testLogger())}); err == nil {
		t.Fatal("New with min retry above max retry succeeded")
	}
}

func TestCallAnswerMediaHangup(t *testing.T) {
	b := startNode(t, testConfig(), guestUser)
	a := startNode(t, testConfig(), nil)

	ref, err := a.Dial(context.Background(), DialOptions{
		Addr:       b.addr,
		Called:     "100",
		CallerNum:  "200",
		CallerName: "Alice",
		Capability: codec.ULAW,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	info := b.rec.waitChannel(t)
	if info.Called != "100" || info.Context != "default" || info.CallerNum != "200" || info.CallerName != "Alice" {
		t.Errorf("inbound channel = %+v", info)
	}
	if info.Peer != "guest" || info.Outbound || info.Encrypted {
		t.Errorf("inbound channel peer/flags = %+v", info)
	}
	if info.Format != codec.ULAW {
		t.Errorf("inbound format = %s, want ulaw", info.Format)
	}

	got := a.rec.waitEvent(t, EventFormat)
	if got.ref != ref || got.ev.Format != codec.ULAW {
		t.Fatalf("format event = %+v on %s, want ulaw on %s", got.ev, got.ref, ref)
	}

	if err := b.Ring(info.Ref); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	a.rec.waitEvent(t, EventRinging)
	if err := b.Answer(info.Ref); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	a.rec.waitEvent(t, EventAnswer)

	// The first frame goes out full, the rest as mini frames.
	for i := 0; i < 3; i++ {
		if err := b.WriteVoice(info.Ref, codec.ULAW, ulawFrame()); err != nil {
			t.Fatalf("WriteVoice: %v", err)
		}
	}
	var last uint32
	for i := 0; i < 3; i++ {
		v := a.rec.waitEvent(t, EventVoice)
		if v.ev.Format != codec.ULAW || len(v.ev.Payload) != 160 {
			t.Fatalf("voice event %d = format %s, %d bytes", i, v.ev.Format, len(v.ev.Payload))
		}
		if i > 0 && v.ev.Timestamp <= last {
			t.Errorf("voice timestamp %d after %d", v.ev.Timestamp, last)
		}
		last = v.ev.Timestamp
	}

	if err := a.SendDTMF(ref, '5', false); err != nil {
		t.Fatalf("SendDTMF: %v", err)
	}
	if d := b.rec.waitEvent(t, EventDTMFEnd); d.ev.Subclass != '5' {
		t.Errorf("dtmf digit = %q, want '5'", rune(d.ev.Subclass))
	}
	if err := a.SendText(ref, "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if txt := b.rec.waitEvent(t, EventText); txt.ev.Text != "hello" {
		t.Errorf("text = %q, want hello", txt.ev.Text)
	}

	if calls := a.Calls(); len(calls) != 1 {
		t.Errorf("caller has %d calls, want 1", len(calls))
	}

	if err := a.Hangup(ref, 0); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	h := b.rec.waitEvent(t, EventHangup)
	if h.ref != info.Ref || h.ev.Cause != CauseNormalClearing {
		t.Errorf("hangup = %+v on %s", h.ev, h.ref)
	}
	eventually(t, "both call tables to drain", func() bool {
		return a.Stats().ActiveCalls == 0 && b.Stats().ActiveCalls == 0
	})

	if err := a.Hangup(ref, 0); !errors.Is(err, ErrStaleCall) {
		t.Errorf("second Hangup err = %v, want ErrStaleCall", err)
	}
}

func TestInboundRejections(t *testing.T) {
	b := startNode(t, testConfig(), func(r *Registry, o *Options) {
		r.SetUsers([]*User{
			{Name: "alice", Secret: "s3cret"},
			{Name: "strict", Secret: "x", Encryption: wire.EncryptAESCBC, ForceEncryption: true},
		})
		o.Dialplan = mapDialplan{"100": DialplanStatus(wire.DPStatusExists)}
	})
	a := startNode(t, testConfig(), nil)

	tests := []struct {
		name      string
		opts      DialOptions
		wantCause int
	}{
		{"wrong secret", DialOptions{Username: "alice", Secret: "nope", Called: "100"}, CauseFacilityNotSubscribed},
		{"unknown user", DialOptions{Username: "mallory", Called: "100"}, CauseFacilityNotSubscribed},
		{"encryption required", DialOptions{Username: "strict", Secret: "x", Called: "100"}, CauseFacilityNotSubscribed},
		{"unknown extension", DialOptions{Username: "alice", Secret: "s3cret", Called: "999"}, CauseNoRouteDestination},
		{"no common codec", DialOptions{Username: "alice", Secret: "s3cret", Called: "100", Capability: codec.G729A}, CauseBearerNotAvailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Addr = b.addr
			ref, err := a.Dial(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			h := a.rec.waitEvent(t, EventHangup)
			if h.ref != ref || h.ev.Cause != tt.wantCause {
				t.Errorf("hangup = cause %d on %s, want cause %d on %s", h.ev.Cause, h.ref, tt.wantCause, ref)
			}
		})
	}

	select {
	case info := <-b.rec.channels:
		t.Errorf("rejected call reached the upper layer: %+v", info)
	default:
	}
}

func TestAuthenticatedCall(t *testing.T) {
	b := startNode(t, testConfig(), func(r *Registry, _ *Options) {
		r.SetUsers([]*User{{Name: "alice", Secret: "old;s3cret", Contexts: []string{"internal"}}})
	})
	a := startNode(t, testConfig(), nil)

	_, err := a.Dial(context.Background(), DialOptions{Addr: b.addr, Username: "alice", Secret: "s3cret", Called: "100"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	info := b.rec.waitChannel(t)
	if info.Peer != "alice" || info.Context != "internal" {
		t.Errorf("channel = %+v, want user alice in context internal", info)
	}
	a.rec.waitEvent(t, EventFormat)
}

func TestEncryptedCall(t *testing.T) {
	b := startNode(t, testConfig(), func(r *Registry, _ *Options) {
		r.SetUsers([]*User{{Name: "sec", Secret: "k3y", Encryption: wire.EncryptAESCBC}})
	})
	a := startNode(t, testConfig(), nil)

	ref, err := a.Dial(context.Background(), DialOptions{
		Addr:       b.addr,
		Username:   "sec",
		Secret:     "k3y",
		Called:     "100",
		Capability: codec.ULAW,
		Encrypt:    true,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	info := b.rec.waitChannel(t)
	if !info.Encrypted {
		t.Fatal("inbound channel is not encrypted")
	}
	a.rec.waitEvent(t, EventFormat)

	for i := 0; i < 2; i++ {
		if err := a.WriteVoice(ref, codec.ULAW, ulawFrame()); err != nil {
			t.Fatalf("WriteVoice: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		b.rec.waitEvent(t, EventVoice)
	}
	if err := b.SendText(info.Ref, "secret"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if txt := a.rec.waitEvent(t, EventText); txt.ev.Text != "secret" {
		t.Errorf("text = %q", txt.ev.Text)
	}

	if err := a.Bridge(ref, ref); err == nil {
		t.Error("Bridge of a call with itself succeeded")
	}

	if err := b.Hangup(info.Ref, CauseUserBusy); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if h := a.rec.waitEvent(t, EventHangup); h.ev.Cause != CauseUserBusy {
		t.Errorf("hangup cause = %d, want %d", h.ev.Cause, CauseUserBusy)
	}
}

func TestBlockedSourceIsIgnored(t *testing.T) {
	guard := NewFloodGuard(systemClock{}, 0, 0, testLogger())
	b := startNode(t, testConfig(), func(r *Registry, o *Options) {
		guestUser(r, o)
		o.Guard = guard
	})
	a := startNode(t, testConfig(), nil)

	for i := 0; i < maxFailedAttempts; i++ {
		guard.Failure(a.addr.Addr())
	}
	ref, err := a.Dial(context.Background(), DialOptions{Addr: b.addr, Called: "100"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	got := a.rec.waitEvent(t, EventCongestion)
	if got.ref != ref || got.ev.Cause != CauseDestinationOutOfOrder {
		t.Errorf("congestion = %+v on %s", got.ev, got.ref)
	}
	a.rec.waitEvent(t, EventHangup)

	if !guard.Unblock(a.addr.Addr()) {
		t.Fatal("Unblock returned false")
	}
	if _, err := a.Dial(context.Background(), DialOptions{Addr: b.addr, Called: "100"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	b.rec.waitChannel(t)
}

func TestDialErrors(t *testing.T) {
	a := startNode(t, testConfig(), func(r *Registry, _ *Options) {
		r.SetPeers([]*Peer{{Name: "roamer", Dynamic: true}})
	})

	if _, err := a.Dial(context.Background(), DialOptions{Peer: "nobody"}); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("dial unknown peer err = %v, want ErrUnknownPeer", err)
	}
	if _, err := a.Dial(context.Background(), DialOptions{Peer: "roamer"}); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("dial unregistered peer err = %v, want ErrPeerUnreachable", err)
	}
	if _, err := a.Dial(context.Background(), DialOptions{Peer: "roamer", WaitRegistered: 20 * time.Millisecond}); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("dial with wait err = %v, want ErrPeerUnreachable", err)
	}
	if _, err := a.Dial(context.Background(), DialOptions{}); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("dial without address err = %v, want ErrPeerUnreachable", err)
	}
	if err := a.Answer(CallRef{Num: 3, Gen: 1}); !errors.Is(err, ErrStaleCall) {
		t.Errorf("Answer of unknown call err = %v, want ErrStaleCall", err)
	}
	if err := a.WriteVoice(CallRef{Num: 3}, codec.ULAW|codec.GSM, nil); err == nil {
		t.Error("WriteVoice with a format set succeeded")
	}
}

func TestTrunkedVoice(t *testing.T) {
	b := startNode(t, testConfig(), guestUser)
	a := startNode(t, testConfig(), func(r *Registry, _ *Options) {
		r.SetPeers([]*Peer{{Name: "b", Host: b.addr, Trunk: true, Capability: codec.ULAW}})
	})

	ref, err := a.Dial(context.Background(), DialOptions{Peer: "b", Called: "100"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if !a.table.isTrunk(ref.Num) {
		t.Errorf("trunk call got ordinary number %d", ref.Num)
	}
	b.rec.waitChannel(t)
	a.rec.waitEvent(t, EventFormat)

	for i := 0; i < 4; i++ {
		if err := a.WriteVoice(ref, codec.ULAW, ulawFrame()); err != nil {
			t.Fatalf("WriteVoice: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		b.rec.waitEvent(t, EventVoice)
	}
	eventually(t, "trunk statistics", func() bool {
		for _, ts := range a.Trunks() {
			if ts.Addr == b.addr && ts.Sent > 0 {
				return true
			}
		}
		return false
	})
}

func TestNativeTransfer(t *testing.T) {
	c := startNode(t, testConfig(), guestUser)
	b := startNode(t, testConfig(), guestUser)
	a := startNode(t, testConfig(), nil)

	aRef, err := a.Dial(context.Background(), DialOptions{Addr: b.addr, Called: "100", Capability: codec.ULAW})
	if err != nil {
		t.Fatalf("Dial b: %v", err)
	}
	inbound := b.rec.waitChannel(t)
	a.rec.waitEvent(t, EventFormat)

	outbound, err := b.Dial(context.Background(), DialOptions{Addr: c.addr, Called: "200", Capability: codec.ULAW})
	if err != nil {
		t.Fatalf("Dial c: %v", err)
	}
	cInfo := c.rec.waitChannel(t)
	b.rec.waitEvent(t, EventFormat)

	if err := b.Bridge(inbound.Ref, outbound); err != nil {
		t.Fatalf("Bridge: %v", err)
	}
	if err := b.Bridge(inbound.Ref, outbound); !errors.Is(err, ErrTransferRefused) {
		t.Errorf("second Bridge err = %v, want ErrTransferRefused", err)
	}
	seen := map[CallRef]bool{}
	for len(seen) < 2 {
		got := b.rec.waitEvent(t, EventTransferred)
		seen[got.ref] = true
	}
	if !seen[inbound.Ref] || !seen[outbound] {
		t.Fatalf("transferred events on %v", seen)
	}

	// Media now flows between a and c directly; keep talking until the
	// release reaches a.
	deadline := time.Now().Add(waitTimeout)
	for reached := false; !reached; {
		if time.Now().After(deadline) {
			t.Fatal("no voice reached c over the direct path")
		}
		if err := a.WriteVoice(aRef, codec.ULAW, ulawFrame()); err != nil {
			t.Fatalf("WriteVoice: %v", err)
		}
		select {
		case got := <-c.rec.events:
			reached = got.ev.Kind == EventVoice && got.ref == cInfo.Ref
		case <-time.After(20 * time.Millisecond):
		}
	}
	eventually(t, "coordinator to release both legs", func() bool {
		return b.Stats().ActiveCalls == 0
	})

	if err := a.Hangup(aRef, 0); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if h := c.rec.waitEvent(t, EventHangup); h.ref != cInfo.Ref {
		t.Errorf("hangup on %s, want %s", h.ref, cInfo.Ref)
	}
}

func TestBridgeNeedsLiveCalls(t *testing.T) {
	a := startNode(t, testConfig(), nil)
	if err := a.Bridge(CallRef{Num: 1, Gen: 1}, CallRef{Num: 2, Gen: 1}); err == nil {
		t.Error("Bridge of unknown calls succeeded")
	}
	if err := a.CancelTransfer(CallRef{Num: 1, Gen: 1}); err == nil {
		t.Error("CancelTransfer of unknown call succeeded")
	}
}

func TestBlindTransferRequest(t *testing.T) {
	b := startNode(t, testConfig(), guestUser)
	a := startNode(t, testConfig(), nil)

	ref, err := a.Dial(context.Background(), DialOptions{Addr: b.addr, Called: "100"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	info := b.rec.waitChannel(t)
	a.rec.waitEvent(t, EventFormat)

	if err := b.Transfer(info.Ref, "300", "sales"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	got := a.rec.waitEvent(t, EventTransfer)
	if got.ref != ref || got.ev.Called != "300" || got.ev.Context != "sales" {
		t.Errorf("transfer event = %+v", got.ev)
	}
}

func TestCloseHangsUpCalls(t *testing.T) {
	b := startNode(t, testConfig(), guestUser)
	a := startNode(t, testConfig(), nil)

	if _, err := a.Dial(context.Background(), DialOptions{Addr: b.addr, Called: "100"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	info := b.rec.waitChannel(t)
	a.rec.waitEvent(t, EventFormat)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h := b.rec.waitEvent(t, EventHangup); h.ref != info.Ref {
		t.Errorf("hangup on %s, want %s", h.ref, info.Ref)
	}
	if _, err := a.Dial(context.Background(), DialOptions{Addr: b.addr}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Dial after Close err = %v, want ErrEngineClosed", err)
	}
}

type mapDialplan map[string]DialplanStatus

func (m mapDialplan) Query(_, exten, _ string) DialplanStatus {
	return m[exten]
}
