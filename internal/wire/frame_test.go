package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		want    Kind
		wantErr error
	}{
		{"full", (&FullFrame{SrcCall: 1, Type: TypeIAX, Subclass: CmdPing}).Marshal(), KindFull, nil},
		{"mini", (&MiniFrame{Call: 5, Timestamp: 100, Payload: []byte{1, 2}}).Marshal(), KindMini, nil},
		{"video", (&VideoFrame{Call: 5, Timestamp: 100}).Marshal(), KindVideo, nil},
		{"meta", StartTrunk(1000, true), KindMeta, nil},
		{"too short", []byte{0x80, 0x01}, 0, ErrShortFrame},
		{"truncated full header", []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x00}, KindFull, ErrShortFrame},
		{"truncated video header", []byte{0x00, 0x00, 0x80, 0x01}, KindVideo, ErrShortFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.buf)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got != tt.want {
				t.Errorf("kind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFullFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		subclass int
		wire     byte
	}{
		{"small subclass passes through", 4, 0x04},
		{"largest plain subclass", 0x7f, 0x7f},
		{"power of two is compressed", 1 << 10, 0x8a},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &FullFrame{
				SrcCall:    0x1234,
				DstCall:    0x0456,
				Retransmit: true,
				Timestamp:  0xdeadbeef,
				OSeqNo:     7,
				ISeqNo:     9,
				Type:       TypeControl,
				Subclass:   tt.subclass,
				Payload:    []byte("payload"),
			}
			buf := f.Marshal()
			if len(buf) != FullHeaderLen+7 {
				t.Fatalf("len = %d", len(buf))
			}
			if buf[0]&0x80 == 0 {
				t.Error("full flag not set")
			}
			if buf[2]&0x80 == 0 {
				t.Error("retransmit flag not set")
			}
			if buf[11] != tt.wire {
				t.Errorf("compressed subclass = %#x, want %#x", buf[11], tt.wire)
			}

			got, err := DecodeFull(buf)
			if err != nil {
				t.Fatalf("DecodeFull: %v", err)
			}
			if got.SrcCall != f.SrcCall || got.DstCall != f.DstCall || !got.Retransmit ||
				got.Timestamp != f.Timestamp || got.OSeqNo != 7 || got.ISeqNo != 9 ||
				got.Type != TypeControl || got.Subclass != tt.subclass || !bytes.Equal(got.Payload, f.Payload) {
				t.Errorf("decoded %+v, want %+v", got, f)
			}
		})
	}
}

func TestFullFrame_VideoKeyBit(t *testing.T) {
	f := &FullFrame{SrcCall: 2, Type: TypeVideo, Subclass: 1<<19 | 1}
	got, err := DecodeFull(f.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.Subclass != 1<<19|1 {
		t.Errorf("subclass = %#x, want %#x", got.Subclass, 1<<19|1)
	}
}

func TestDecodeFull_DeclaredLongerThanReceived(t *testing.T) {
	// A 64-byte frame of which only 40 bytes arrived decodes exactly the
	// bytes that exist.
	f := &FullFrame{SrcCall: 3, Type: TypeIAX, Subclass: CmdNew, Payload: make([]byte, 52)}
	buf := f.Marshal()[:40]
	got, err := DecodeFull(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Payload) != 28 {
		t.Errorf("payload len = %d, want 28", len(got.Payload))
	}

	if _, err := DecodeFull(buf[:11]); !errors.Is(err, ErrShortFrame) {
		t.Errorf("11-byte frame: err = %v, want ErrShortFrame", err)
	}
}

func TestMiniFrame_RoundTrip(t *testing.T) {
	m := &MiniFrame{Call: 0x7fff, Timestamp: 0xffff, Payload: []byte{9, 8, 7}}
	got, err := DecodeMini(m.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.Call != m.Call || got.Timestamp != m.Timestamp || !bytes.Equal(got.Payload, m.Payload) {
		t.Errorf("got %+v, want %+v", got, m)
	}
	if _, err := DecodeMini([]byte{0, 1, 0}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("err = %v, want ErrShortFrame", err)
	}
}

func TestVideoFrame_RoundTrip(t *testing.T) {
	v := &VideoFrame{Call: 42, Timestamp: 0x7abc, Key: true, Payload: []byte{1}}
	buf := v.Marshal()
	kind, err := Classify(buf)
	if err != nil || kind != KindVideo {
		t.Fatalf("Classify = %v, %v", kind, err)
	}
	got, err := DecodeVideo(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Call != 42 || got.Timestamp != 0x7abc || !got.Key {
		t.Errorf("got %+v", got)
	}
}

func TestPeekCalls(t *testing.T) {
	buf := (&FullFrame{SrcCall: 100, DstCall: 200, Retransmit: true}).Marshal()
	src, dst, err := PeekCalls(buf)
	if err != nil {
		t.Fatal(err)
	}
	if src != 100 || dst != 200 {
		t.Errorf("src=%d dst=%d", src, dst)
	}
}
