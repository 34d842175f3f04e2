package iax

import "time"

const (
	// maxTimestampSkew bounds how far a wall-clock stamp may wander from
	// the predicted voice stamp before the predictor is re-seeded.
	maxTimestampSkew = 160

	// stampRound keeps epochs on a 20ms grid.
	stampRound = 20 * time.Millisecond

	trunkIdleReset = 5 * time.Second
)

// stampKind selects the rule used to stamp an outbound frame.
type stampKind int

const (
	// stampVoice frames use the predictive voice clock.
	stampVoice stampKind = iota
	// stampVideo frames never go backwards.
	stampVideo
	// stampGenuine protocol frames (ping, lag, ack) keep clock-based stamps.
	stampGenuine
	// stampOther frames (dtmf, control, text) are pulled into the voice
	// stream when close to it.
	stampOther
	// stampSilence marks comfort noise: it ends the current talk spurt.
	stampSilence
)

// txClock produces outbound timestamps for one call.
type txClock struct {
	offset    time.Time
	lastSent  uint32
	nextPred  uint32
	notSilent bool
}

func roundEpoch(t time.Time) time.Time {
	return t.Add(-time.Duration(t.UnixNano() % int64(stampRound)))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// reset forgets the epoch, as done when a transfer completes.
func (c *txClock) reset() { *c = txClock{} }

// stamp returns the timestamp for a frame sent at now. samplesMs is the
// duration of a voice frame in milliseconds.
func (c *txClock) stamp(kind stampKind, samplesMs int, now time.Time) uint32 {
	if kind == stampSilence {
		c.notSilent = false
	}
	if c.offset.IsZero() {
		c.offset = roundEpoch(now)
	}
	ms := int64(now.Sub(c.offset) / time.Millisecond)
	if ms < 0 {
		ms = 0
	}

	switch kind {
	case stampVoice:
		adjust := ms - int64(c.nextPred)
		if c.notSilent && abs(adjust) <= maxTimestampSkew {
			// Nudge the epoch by a tenth of the error so voice and
			// non-voice stamps stay consistent.
			c.offset = c.offset.Add(time.Duration(adjust) * 100 * time.Microsecond)
			if c.nextPred == 0 {
				c.nextPred = uint32(ms)
				if c.nextPred <= c.lastSent {
					c.nextPred = c.lastSent + 3
				}
			}
			ms = int64(c.nextPred)
		} else {
			if samplesMs > 0 {
				if diff := ms % int64(samplesMs); diff != 0 {
					ms += int64(samplesMs) - diff
				}
			}
			c.nextPred = uint32(ms)
			c.notSilent = true
		}
	case stampVideo:
		if uint32(ms) < c.lastSent {
			ms = int64(c.lastSent)
		}
	case stampGenuine:
		if uint32(ms) <= c.lastSent {
			ms = int64(c.lastSent) + 3
		}
	default:
		if abs(ms-int64(c.lastSent)) <= maxTimestampSkew {
			ms = int64(c.lastSent) + 3
		}
	}

	c.lastSent = uint32(ms)
	if kind == stampVoice {
		c.nextPred += uint32(samplesMs)
	}
	return uint32(ms)
}

// rxClock reconstructs full 32-bit stamps from truncated mini and video
// frame stamps.
type rxClock struct {
	core time.Time
	last uint32
}

func (c *rxClock) reset() { *c = rxClock{} }

// observe records a full stamp seen on the wire.
func (c *rxClock) observe(ts uint32) {
	if ts > c.last {
		c.last = ts
	}
}

// unwrap16 extends a mini frame stamp received at now.
func (c *rxClock) unwrap16(lo uint16, now time.Time) uint32 {
	return c.unwrap(uint32(lo), 16, 50000, now)
}

// unwrap15 extends a video mini frame stamp received at now.
func (c *rxClock) unwrap15(lo uint16, now time.Time) uint32 {
	return c.unwrap(uint32(lo)&0x7fff, 15, 25000, now)
}

// unwrap extends lo against the last full stamp. The first unwrapped stamp
// anchors the receive epoch that trunk stamps are later mapped onto.
func (c *rxClock) unwrap(lo uint32, shift uint, threshold int64, now time.Time) uint32 {
	lowerMask := uint32(1)<<shift - 1
	upper := c.last &^ lowerMask
	ts := upper | lo
	x := int64(ts) - int64(c.last)
	switch {
	case x < -threshold:
		// The low bits wrapped before a full frame told us so.
		ts = (upper + 1<<shift) | lo
	case x > threshold && upper >= 1<<shift:
		// A straggler from before the last wrap.
		ts = (upper - 1<<shift) | lo
	}
	if c.core.IsZero() {
		c.core = roundEpoch(now.Add(-time.Duration(ts) * time.Millisecond))
	}
	c.observe(ts)
	return ts
}

// fixTrunk maps a stamp relative to a trunk's receive epoch onto this
// call's receive epoch.
func (c *rxClock) fixTrunk(trunkEpoch time.Time, ts uint32, now time.Time) uint32 {
	if c.core.IsZero() {
		c.core = roundEpoch(now)
	}
	ms := int64(trunkEpoch.Sub(c.core)/time.Millisecond) + int64(ts)
	if ms < 0 {
		ms = 0
	}
	out := uint32(ms)
	c.observe(out)
	return out
}

// trunkClock stamps aggregated trunk datagrams for one peer.
type trunkClock struct {
	epoch    time.Time
	lastTx   time.Time
	lastSent uint32
	primed   bool
}

// stamp returns the reference stamp for a trunk datagram sent at now.
// sampleMs is the trunking interval.
func (c *trunkClock) stamp(sampleMs int, now time.Time) uint32 {
	if !c.primed || now.Sub(c.lastTx) > trunkIdleReset {
		c.epoch = now
		c.lastSent = 999999
		c.primed = true
	}
	c.lastTx = now
	ms := int64(now.Sub(c.epoch) / time.Millisecond)
	pred := int64(c.lastSent) + int64(sampleMs)
	if abs(ms-pred) < maxTimestampSkew {
		ms = pred
	}
	if uint32(ms) == c.lastSent {
		ms = int64(c.lastSent) + 1
	}
	c.lastSent = uint32(ms)
	return uint32(ms)
}
