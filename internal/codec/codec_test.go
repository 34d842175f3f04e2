package codec

import (
	"errors"
	"testing"
)

func TestPrefs_EncodeDecode(t *testing.T) {
	p := Prefs{ULAW, GSM, G722}
	s := p.Encode()
	if s != "DCN" {
		t.Errorf("encoded = %q, want %q", s, "DCN")
	}
	got := DecodePrefs(s + "@") // '@' is below the valid range
	if len(got) != 3 || got[0] != ULAW || got[1] != GSM || got[2] != G722 {
		t.Errorf("decoded = %v", got)
	}
}

func TestPrefs_AppendSkipsDuplicates(t *testing.T) {
	p := ParsePrefs("ulaw, alaw, ulaw, bogus")
	if len(p) != 2 {
		t.Errorf("prefs = %v", p)
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		offer   Offer
		want    Format
		wantErr bool
	}{
		{
			name:   "host order picks shared format",
			policy: PolicyHost,
			offer: Offer{
				Local:     G723 | GSM,
				Peer:      GSM | ULAW,
				Requested: ULAW,
				HostPrefs: Prefs{ULAW, GSM, G723},
			},
			want: GSM,
		},
		{
			name:   "caller prefs first",
			policy: PolicyCaller,
			offer: Offer{
				Local:       ULAW | ALAW | GSM,
				Peer:        ULAW | ALAW | GSM,
				HostPrefs:   Prefs{ULAW, ALAW},
				CallerPrefs: Prefs{GSM, ULAW},
			},
			want: GSM,
		},
		{
			name:   "caller without list uses host list",
			policy: PolicyCaller,
			offer: Offer{
				Local:     ULAW | ALAW,
				Peer:      ULAW | ALAW,
				HostPrefs: Prefs{ALAW},
			},
			want: ALAW,
		},
		{
			name:   "host list misses, best common wins",
			policy: PolicyHost,
			offer: Offer{
				Local:     ULAW | GSM,
				Peer:      ULAW | GSM,
				HostPrefs: Prefs{G729A},
			},
			want: ULAW,
		},
		{
			name:   "disabled takes requested",
			policy: PolicyDisabled,
			offer:  Offer{Local: ULAW | GSM, Peer: ULAW | GSM, Requested: GSM},
			want:   GSM,
		},
		{
			name:   "disabled falls back to best",
			policy: PolicyDisabled,
			offer:  Offer{Local: ULAW | GSM, Peer: ULAW | GSM | G729A, Requested: G729A},
			want:   ULAW,
		},
		{
			name:   "request only accepts requested",
			policy: PolicyRequestOnly,
			offer:  Offer{Local: ULAW | GSM, Peer: GSM, Requested: GSM},
			want:   GSM,
		},
		{
			name:    "request only refuses substitution",
			policy:  PolicyRequestOnly,
			offer:   Offer{Local: ULAW | GSM, Peer: ULAW | G729A, Requested: G729A},
			wantErr: true,
		},
		{
			name:    "nothing in common",
			policy:  PolicyHost,
			offer:   Offer{Local: ULAW, Peer: GSM, Requested: GSM, HostPrefs: Prefs{ULAW}},
			wantErr: true,
		},
		{
			name:   "peer capability missing uses requested",
			policy: PolicyHost,
			offer:  Offer{Local: ULAW | GSM, Requested: GSM, HostPrefs: Prefs{ULAW}},
			want:   GSM,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Negotiate(tt.policy, tt.offer)
			if tt.wantErr {
				if !errors.Is(err, ErrNoCommonFormat) {
					t.Fatalf("err = %v, want ErrNoCommonFormat", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("format = %s, want %s", got, tt.want)
			}
		})
	}
}

// Two calls with capabilities {A,B} and {B,C} and host order [C,B,A]
// settle on B.
func TestNegotiate_SharedMiddleFormat(t *testing.T) {
	a, b, c := ULAW, ALAW, GSM
	got, err := Negotiate(PolicyHost, Offer{
		Local:     a | b,
		Peer:      b | c,
		Requested: c,
		HostPrefs: Prefs{c, b, a},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != b {
		t.Errorf("format = %s, want %s", got, b)
	}
}

func TestAccepted(t *testing.T) {
	if err := Accepted(ULAW, ULAW|GSM); err != nil {
		t.Error(err)
	}
	if err := Accepted(G729A, ULAW|GSM); !errors.Is(err, ErrNoCommonFormat) {
		t.Errorf("err = %v", err)
	}
}

func TestFormat_Durations(t *testing.T) {
	if d := ULAW.DurationMs(160); d != 20 {
		t.Errorf("ulaw 160 bytes = %dms", d)
	}
	if s := ULAW.Samples(160); s != 160 {
		t.Errorf("ulaw 160 bytes = %d samples", s)
	}
	if d := GSM.DurationMs(33); d != 20 {
		t.Errorf("gsm frame = %dms", d)
	}
	if G722.SampleRate() != 16000 {
		t.Error("g722 rate")
	}
}

func TestParseCapability(t *testing.T) {
	c := ParseCapability("ulaw, gsm, nope")
	if c != ULAW|GSM {
		t.Errorf("cap = %s", c.Names())
	}
	if all := ParseCapability("all"); all&VideoMask != 0 || all&ULAW == 0 {
		t.Errorf("all = %s", all.Names())
	}
}
