package resolve

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startServer runs a DNS server on loopback answering from zone.
func startServer(t *testing.T, zone map[string][]dns.RR) (string, string) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			for _, rr := range zone[q.Name] {
				if rr.Header().Rrtype == q.Qtype {
					m.Answer = append(m.Answer, rr)
				}
			}
			w.WriteMsg(m)
		}),
	}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	host, port, _ := net.SplitHostPort(pc.LocalAddr().String())
	return host, port
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return rr
}

func TestResolveLiterals(t *testing.T) {
	r := NewWithServers(nil, "", true, testLogger())
	tests := []struct {
		host string
		want string
	}{
		{"192.0.2.1", "192.0.2.1:4569"},
		{"192.0.2.1:4570", "192.0.2.1:4570"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.host)
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("Resolve() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolveSRV(t *testing.T) {
	host, port := startServer(t, map[string][]dns.RR{
		"_iax._udp.pbx.example.": {
			mustRR(t, "_iax._udp.pbx.example. 60 IN SRV 20 10 4600 backup.pbx.example."),
			mustRR(t, "_iax._udp.pbx.example. 60 IN SRV 10 5 4570 low.pbx.example."),
			mustRR(t, "_iax._udp.pbx.example. 60 IN SRV 10 50 4580 main.pbx.example."),
		},
		"main.pbx.example.":   {mustRR(t, "main.pbx.example. 60 IN A 192.0.2.20")},
		"low.pbx.example.":    {mustRR(t, "low.pbx.example. 60 IN A 192.0.2.21")},
		"backup.pbx.example.": {mustRR(t, "backup.pbx.example. 60 IN A 192.0.2.22")},
		"plain.example.":      {mustRR(t, "plain.example. 60 IN A 192.0.2.30")},
	})

	r := NewWithServers([]string{host}, port, true, testLogger())
	ctx := context.Background()

	got, err := r.Resolve(ctx, "pbx.example")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if want := netip.MustParseAddrPort("192.0.2.20:4580"); got != want {
		t.Errorf("Resolve(pbx.example) = %s, want %s", got, want)
	}

	// No SRV records: fall back to the A record on the default port.
	got, err = r.Resolve(ctx, "plain.example")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if want := netip.MustParseAddrPort("192.0.2.30:4569"); got != want {
		t.Errorf("Resolve(plain.example) = %s, want %s", got, want)
	}

	// An explicit port skips SRV.
	got, err = r.Resolve(ctx, "plain.example:4575")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if want := netip.MustParseAddrPort("192.0.2.30:4575"); got != want {
		t.Errorf("Resolve(plain.example:4575) = %s, want %s", got, want)
	}

	if _, err := r.Resolve(ctx, "missing.example"); err == nil {
		t.Error("Resolve(missing.example) should fail")
	}
}

func TestResolveSRVDisabled(t *testing.T) {
	host, port := startServer(t, map[string][]dns.RR{
		"_iax._udp.pbx.example.": {mustRR(t, "_iax._udp.pbx.example. 60 IN SRV 10 5 4570 other.example.")},
		"pbx.example.":           {mustRR(t, "pbx.example. 60 IN A 192.0.2.40")},
	})
	r := NewWithServers([]string{host}, port, false, testLogger())
	got, err := r.Resolve(context.Background(), "pbx.example")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if want := netip.MustParseAddrPort("192.0.2.40:4569"); got != want {
		t.Errorf("Resolve() = %s, want %s", got, want)
	}
}

func TestSortSRV(t *testing.T) {
	srvs := []*dns.SRV{
		{Priority: 20, Weight: 100, Target: "c."},
		{Priority: 10, Weight: 1, Target: "b."},
		{Priority: 10, Weight: 9, Target: "a."},
	}
	sortSRV(srvs)
	for i, want := range []string{"a.", "b.", "c."} {
		if srvs[i].Target != want {
			t.Errorf("srvs[%d] = %s, want %s", i, srvs[i].Target, want)
		}
	}
}
