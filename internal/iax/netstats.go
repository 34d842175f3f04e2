package iax

import (
	"time"

	"github.com/flowpbx/flowiax/internal/wire"
)

// ReceiverStats is one direction's receive quality, in the shape carried by
// the RR information elements.
type ReceiverStats struct {
	JitterMS    uint32 `json:"jitter_ms"`
	LossPercent uint8  `json:"loss_percent"`
	LossCount   uint32 `json:"loss_count"`
	Packets     uint32 `json:"packets"`
	DelayMS     uint16 `json:"delay_ms"`
	Dropped     uint32 `json:"dropped"`
	OutOfOrder  uint32 `json:"out_of_order"`
}

// NetStats reports both ends of a call: what we measured locally and what
// the peer last told us in a PONG.
type NetStats struct {
	CallNo uint16        `json:"callno"`
	PingMS int           `json:"ping_ms"`
	LagMS  int           `json:"lag_ms"`
	Local  ReceiverStats `json:"local"`
	Remote ReceiverStats `json:"remote"`
}

// netStats accumulates receive statistics for voice frames. Jitter follows
// the RFC 3550 estimator in milliseconds.
type netStats struct {
	base        time.Time
	packets     uint32
	lastTs      uint32
	prevTransit int64
	minTransit  int64
	curTransit  int64
	jitter      float64
	outOfOrder  uint32
	dropped     uint32
	remote      ReceiverStats
}

func (s *netStats) received(ts uint32, now time.Time) {
	if s.packets == 0 {
		s.base = now
	}
	transit := int64(now.Sub(s.base)/time.Millisecond) - int64(ts)
	s.packets++
	if s.packets > 1 {
		if ts < s.lastTs {
			s.outOfOrder++
			return
		}
		d := float64(abs(transit - s.prevTransit))
		s.jitter += (d - s.jitter) / 16
	}
	if s.packets == 1 || transit < s.minTransit {
		s.minTransit = transit
	}
	s.prevTransit = transit
	s.curTransit = transit
	s.lastTs = ts
}

func (s *netStats) local() ReceiverStats {
	var pct uint8
	if total := s.packets + s.dropped; total > 0 {
		pct = uint8(uint64(s.dropped) * 100 / uint64(total))
	}
	return ReceiverStats{
		JitterMS:    uint32(s.jitter),
		LossPercent: pct,
		LossCount:   s.dropped & 0xffffff,
		Packets:     s.packets,
		DelayMS:     uint16(min(s.curTransit-s.minTransit, 0xffff)),
		Dropped:     s.dropped,
		OutOfOrder:  s.outOfOrder,
	}
}

// appendRR adds our receive report to b.
func (s *netStats) appendRR(b *wire.IEBuilder) {
	l := s.local()
	b.AddUint32(wire.IERRJitter, l.JitterMS)
	b.AddUint32(wire.IERRLoss, uint32(l.LossPercent)<<24|l.LossCount)
	b.AddUint32(wire.IERRPkts, l.Packets)
	b.AddUint16(wire.IERRDelay, l.DelayMS)
	b.AddUint32(wire.IERRDropped, l.Dropped)
	b.AddUint32(wire.IERRORecv, l.OutOfOrder)
}

// saveRR records the peer's receive report.
func (s *netStats) saveRR(ies wire.IEs) {
	if v, ok := ies.Uint32(wire.IERRJitter); ok {
		s.remote.JitterMS = v
	}
	if v, ok := ies.Uint32(wire.IERRLoss); ok {
		s.remote.LossPercent = uint8(v >> 24)
		s.remote.LossCount = v & 0xffffff
	}
	if v, ok := ies.Uint32(wire.IERRPkts); ok {
		s.remote.Packets = v
	}
	if v, ok := ies.Uint16(wire.IERRDelay); ok {
		s.remote.DelayMS = v
	}
	if v, ok := ies.Uint32(wire.IERRDropped); ok {
		s.remote.Dropped = v
	}
	if v, ok := ies.Uint32(wire.IERRORecv); ok {
		s.remote.OutOfOrder = v
	}
}

func (s *netStats) snapshot(c *call) NetStats {
	return NetStats{
		CallNo: c.ref.Num,
		PingMS: c.pingtime,
		LagMS:  c.lag,
		Local:  s.local(),
		Remote: s.remote,
	}
}
