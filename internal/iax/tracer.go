package iax

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/flowpbx/flowiax/internal/wire"
)

// TraceVerbosity controls how much of each full frame is logged.
type TraceVerbosity int32

const (
	// TraceOff disables frame tracing.
	TraceOff TraceVerbosity = iota
	// TraceHeaders logs the frame header only.
	TraceHeaders
	// TraceFull also logs information elements or the payload.
	TraceFull
)

// ParseTraceVerbosity converts a string setting to a TraceVerbosity value.
func ParseTraceVerbosity(s string) TraceVerbosity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers", "on":
		return TraceHeaders
	case "full":
		return TraceFull
	default:
		return TraceOff
	}
}

func (v TraceVerbosity) String() string {
	switch v {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// FrameTracer logs full frames as they cross the socket. The verbosity can
// be changed at runtime.
type FrameTracer struct {
	logger    *slog.Logger
	verbosity atomic.Int32
}

func NewFrameTracer(logger *slog.Logger) *FrameTracer {
	return &FrameTracer{logger: logger.With("subsystem", "tracer")}
}

// SetVerbosity updates the tracing verbosity level at runtime.
func (t *FrameTracer) SetVerbosity(v TraceVerbosity) {
	t.verbosity.Store(int32(v))
	t.logger.Info("iax frame tracing verbosity changed", "verbosity", v.String())
}

func (t *FrameTracer) Verbosity() TraceVerbosity {
	return TraceVerbosity(t.verbosity.Load())
}

func (t *FrameTracer) traceFull(out bool, addr netip.AddrPort, f *wire.FullFrame) {
	v := t.Verbosity()
	if v == TraceOff {
		return
	}
	dir := "recv"
	if out {
		dir = "send"
	}
	attrs := []any{
		"direction", dir,
		"remote_addr", addr.String(),
		"type", f.Type.String(),
		"subclass", subclassName(f),
		"retransmit", f.Retransmit,
		"oseqno", f.OSeqNo,
		"iseqno", f.ISeqNo,
		"timestamp", f.Timestamp,
		"scall", f.SrcCall,
		"dcall", f.DstCall,
	}
	if v == TraceFull && len(f.Payload) > 0 {
		attrs = append(attrs, "payload", formatPayload(f))
	}
	t.logger.Debug("iax "+dir, attrs...)
}

func subclassName(f *wire.FullFrame) string {
	if f.Type == wire.TypeIAX {
		return wire.CommandName(f.Subclass)
	}
	return fmt.Sprint(f.Subclass)
}

// formatPayload renders IAX information elements one per line, and other
// payloads as hex.
func formatPayload(f *wire.FullFrame) string {
	if f.Type != wire.TypeIAX {
		return hex.EncodeToString(f.Payload)
	}
	ies, err := wire.ParseIEs(f.Payload)
	if err != nil {
		return "undecodable: " + hex.EncodeToString(f.Payload)
	}
	var b strings.Builder
	for i, ie := range ies {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%#02x=%s", uint8(ie.Type), formatIE(ie))
	}
	return b.String()
}

func formatIE(ie wire.IE) string {
	switch ie.Type {
	case wire.IEPassword, wire.IEMD5Result, wire.IERSAResult:
		return "<redacted>"
	}
	for _, c := range ie.Data {
		if c < 0x20 || c > 0x7e {
			return hex.EncodeToString(ie.Data)
		}
	}
	return string(ie.Data)
}
