package iax

import (
	"bytes"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/flowiax/internal/wire"
)

func TestNetStatsReceived(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var s netStats

	// Four frames 20ms apart, the third arriving 10ms late, then one
	// out of order.
	s.received(0, start)
	s.received(20, start.Add(20*time.Millisecond))
	s.received(40, start.Add(50*time.Millisecond))
	s.received(60, start.Add(60*time.Millisecond))
	s.received(30, start.Add(70*time.Millisecond))
	s.dropped = 1

	l := s.local()
	if l.Packets != 5 || l.OutOfOrder != 1 || l.Dropped != 1 {
		t.Errorf("local = %+v", l)
	}
	if l.JitterMS == 0 {
		t.Error("late frame did not raise jitter")
	}
	if l.LossPercent != 16 {
		t.Errorf("loss = %d%%, want 16", l.LossPercent)
	}
}

func TestNetStatsReportRoundTrip(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var sender netStats
	sender.received(0, start)
	sender.received(20, start.Add(35*time.Millisecond))
	sender.dropped = 3

	var b wire.IEBuilder
	sender.appendRR(&b)
	ies, err := wire.ParseIEs(b.Bytes())
	if err != nil {
		t.Fatalf("ParseIEs: %v", err)
	}

	var receiver netStats
	receiver.saveRR(ies)
	if receiver.remote != sender.local() {
		t.Errorf("remote = %+v, want %+v", receiver.remote, sender.local())
	}
}

func TestParseTraceVerbosity(t *testing.T) {
	tests := []struct {
		in   string
		want TraceVerbosity
	}{
		{"", TraceOff},
		{"off", TraceOff},
		{"on", TraceHeaders},
		{" Headers ", TraceHeaders},
		{"FULL", TraceFull},
		{"loud", TraceOff},
	}
	for _, tt := range tests {
		if got := ParseTraceVerbosity(tt.in); got != tt.want {
			t.Errorf("ParseTraceVerbosity(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFrameTracerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tr := NewFrameTracer(logger)

	var ies wire.IEBuilder
	ies.AddString(wire.IEUsername, "alice")
	ies.AddString(wire.IEPassword, "hunter2")
	f := &wire.FullFrame{SrcCall: 1, Type: wire.TypeIAX, Subclass: wire.CmdAuthRep, Payload: ies.Bytes()}
	addr := netip.MustParseAddrPort("192.0.2.1:4569")

	tr.traceFull(true, addr, f)
	if strings.Contains(buf.String(), "iax send") {
		t.Fatal("traced while off")
	}

	tr.SetVerbosity(TraceHeaders)
	buf.Reset()
	tr.traceFull(true, addr, f)
	if out := buf.String(); !strings.Contains(out, "AUTHREP") || strings.Contains(out, "alice") {
		t.Errorf("header trace = %q", out)
	}

	tr.SetVerbosity(TraceFull)
	buf.Reset()
	tr.traceFull(false, addr, f)
	out := buf.String()
	if !strings.Contains(out, "alice") || strings.Contains(out, "hunter2") || !strings.Contains(out, "<redacted>") {
		t.Errorf("full trace = %q", out)
	}
}
