package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	metaTrunk = 1

	// trunk cmddata bit: entries carry their own 16-bit timestamps.
	trunkTimestamps = 1

	trunkEntryLen   = 6
	trunkSuperLen   = 4
	maxTrunkEntries = 1024
)

// TrunkEntry is one call's payload multiplexed inside a trunk frame.
// Timestamp is only meaningful when the frame carries timestamps.
type TrunkEntry struct {
	Call      uint16
	Timestamp uint16
	Data      []byte
}

// TrunkFrame aggregates mini frames from several calls bound for the same
// peer. Timestamp is the trunk's own reference stamp.
type TrunkFrame struct {
	Timestamp      uint32
	WithTimestamps bool
	Entries        []TrunkEntry
}

// StartTrunk writes the 8-byte meta trunk header into a fresh buffer.
func StartTrunk(ts uint32, withTimestamps bool) []byte {
	buf := make([]byte, TrunkHeaderLen, 512)
	buf[2] = metaTrunk
	if withTimestamps {
		buf[3] = trunkTimestamps
	}
	binary.BigEndian.PutUint32(buf[4:8], ts)
	return buf
}

// TrunkEntrySize is the encoded size of an entry with n data bytes.
func TrunkEntrySize(withTimestamps bool, n int) int {
	if withTimestamps {
		return trunkEntryLen + n
	}
	return trunkSuperLen + n
}

// AppendTrunkEntry appends one entry to a buffer started with StartTrunk.
func AppendTrunkEntry(buf []byte, withTimestamps bool, e TrunkEntry) []byte {
	if withTimestamps {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Data)))
		buf = binary.BigEndian.AppendUint16(buf, e.Call&MaxCallNumber)
		buf = binary.BigEndian.AppendUint16(buf, e.Timestamp)
	} else {
		buf = binary.BigEndian.AppendUint16(buf, e.Call&MaxCallNumber)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Data)))
	}
	return append(buf, e.Data...)
}

func (t *TrunkFrame) Marshal() []byte {
	buf := StartTrunk(t.Timestamp, t.WithTimestamps)
	for _, e := range t.Entries {
		buf = AppendTrunkEntry(buf, t.WithTimestamps, e)
	}
	return buf
}

// DecodeTrunk parses a meta trunk frame. Entry Data aliases buf. Decoding
// stops at the first entry whose declared length runs past the datagram;
// the entries before it are returned together with ErrShortFrame.
func DecodeTrunk(buf []byte) (*TrunkFrame, error) {
	if len(buf) < TrunkHeaderLen {
		return nil, ErrShortFrame
	}
	if binary.BigEndian.Uint16(buf[0:2]) != 0 || buf[2]&0x80 != 0 {
		return nil, ErrWrongKind
	}
	if buf[2] != metaTrunk {
		return nil, fmt.Errorf("meta command %d: %w", buf[2], ErrUnknownMeta)
	}
	t := &TrunkFrame{
		Timestamp:      binary.BigEndian.Uint32(buf[4:8]),
		WithTimestamps: buf[3]&trunkTimestamps != 0,
	}
	rest := buf[TrunkHeaderLen:]
	for len(rest) > 0 {
		if len(t.Entries) >= maxTrunkEntries {
			return t, fmt.Errorf("more than %d trunk entries", maxTrunkEntries)
		}
		var e TrunkEntry
		var n, hdr int
		if t.WithTimestamps {
			if len(rest) < trunkEntryLen {
				return t, ErrShortFrame
			}
			n = int(binary.BigEndian.Uint16(rest[0:2]))
			e.Call = binary.BigEndian.Uint16(rest[2:4]) & MaxCallNumber
			e.Timestamp = binary.BigEndian.Uint16(rest[4:6])
			hdr = trunkEntryLen
		} else {
			if len(rest) < trunkSuperLen {
				return t, ErrShortFrame
			}
			e.Call = binary.BigEndian.Uint16(rest[0:2]) & MaxCallNumber
			n = int(binary.BigEndian.Uint16(rest[2:4]))
			hdr = trunkSuperLen
		}
		if n > len(rest)-hdr {
			return t, ErrShortFrame
		}
		e.Data = rest[hdr : hdr+n]
		t.Entries = append(t.Entries, e)
		rest = rest[hdr+n:]
	}
	return t, nil
}
