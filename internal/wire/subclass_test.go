package wire

import (
	"errors"
	"testing"
)

func TestCompressSubclass_SingleBitRoundTrip(t *testing.T) {
	for bit := 0; bit < 63; bit++ {
		v := 1 << bit
		c, err := CompressSubclass(v)
		if err != nil {
			t.Fatalf("bit %d: %v", bit, err)
		}
		if got := DecompressSubclass(c); got != v {
			t.Errorf("bit %d: round trip = %#x, want %#x", bit, got, v)
		}
	}
}

func TestCompressSubclass_SmallValuesPassThrough(t *testing.T) {
	for v := 0; v < 0x80; v++ {
		c, err := CompressSubclass(v)
		if err != nil {
			t.Fatal(err)
		}
		if int(c) != v {
			t.Errorf("%d compressed to %#x", v, c)
		}
		if DecompressSubclass(c) != v {
			t.Errorf("%d did not round trip", v)
		}
	}
}

func TestCompressSubclass_MultiBit(t *testing.T) {
	c, err := CompressSubclass(0x180)
	if !errors.Is(err, ErrMultiBitSubclass) {
		t.Fatalf("err = %v, want ErrMultiBitSubclass", err)
	}
	if c != 0 {
		t.Errorf("compressed = %#x, want 0", c)
	}
}

func TestDecompressSubclass_Sentinel(t *testing.T) {
	if got := DecompressSubclass(0xff); got != SubclassNone {
		t.Errorf("0xff = %d, want -1", got)
	}
	c, err := CompressSubclass(SubclassNone)
	if err != nil || c != 0xff {
		t.Errorf("CompressSubclass(-1) = %#x, %v", c, err)
	}
	// 0xbe carries the marker bit but is an ordinary exponent.
	if got := DecompressSubclass(0xbe); got != 1<<62 {
		t.Errorf("0xbe = %#x", got)
	}
}
