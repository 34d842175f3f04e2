package metrics

import (
	"net/netip"
	"testing"
	"time"

	"github.com/flowpbx/flowiax/internal/iax"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeEngine struct{}

func (fakeEngine) Stats() iax.Stats {
	return iax.Stats{ActiveCalls: 3, QueuedFrames: 2, Retransmits: 7, Uptime: 90 * time.Second}
}

func (fakeEngine) Registrations() []iax.Registration {
	return []iax.Registration{{Peer: "phone", Addr: netip.MustParseAddrPort("192.0.2.1:4569")}}
}

func (fakeEngine) RegistrationClients() []iax.RegClientStatus {
	return []iax.RegClientStatus{
		{Name: "up", State: iax.RegRegistered},
		{Name: "down", State: iax.RegTimeout},
	}
}

func (fakeEngine) Trunks() []iax.TrunkStatus {
	return []iax.TrunkStatus{{Addr: netip.MustParseAddrPort("192.0.2.2:4569"), Sent: 10, Received: 4}}
}

type fakePeers []*iax.Peer

func (f fakePeers) Peers() []*iax.Peer { return f }

func gather(t *testing.T, c *Collector) map[string][]*dto.Metric {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	out := make(map[string][]*dto.Metric)
	for _, f := range families {
		out[f.GetName()] = f.GetMetric()
	}
	return out
}

func value(m *dto.Metric) float64 {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue()
	}
	return m.GetCounter().GetValue()
}

func label(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestCollector(t *testing.T) {
	eng := fakeEngine{}
	c := NewCollector(Providers{
		Engine:        eng,
		Peers:         fakePeers{{Name: "a"}, {Name: "b"}},
		Registrations: eng,
		RegClients:    eng,
		Trunks:        eng,
	})
	got := gather(t, c)

	scalars := map[string]float64{
		"flowiax_active_calls":      3,
		"flowiax_queued_frames":     2,
		"flowiax_retransmits_total": 7,
		"flowiax_uptime_seconds":    90,
		"flowiax_registered_peers":  1,
	}
	for name, want := range scalars {
		ms := got[name]
		if len(ms) != 1 {
			t.Errorf("%s: %d series, want 1", name, len(ms))
			continue
		}
		if v := value(ms[0]); v != want {
			t.Errorf("%s = %v, want %v", name, v, want)
		}
	}

	peers := got["flowiax_peers"]
	if len(peers) != len(peerStates) {
		t.Fatalf("flowiax_peers: %d series, want %d", len(peers), len(peerStates))
	}
	for _, m := range peers {
		want := 0.0
		if label(m, "state") == "unmonitored" {
			want = 2
		}
		if v := value(m); v != want {
			t.Errorf("flowiax_peers{state=%q} = %v, want %v", label(m, "state"), v, want)
		}
	}

	for _, m := range got["flowiax_registration_client_registered"] {
		want := 0.0
		if label(m, "name") == "up" {
			want = 1
		}
		if v := value(m); v != want {
			t.Errorf("registration %s = %v, want %v", label(m, "name"), v, want)
		}
	}

	sent := got["flowiax_trunk_datagrams_sent_total"]
	if len(sent) != 1 || value(sent[0]) != 10 || label(sent[0], "addr") != "192.0.2.2:4569" {
		t.Errorf("trunk sent = %v", sent)
	}
	if _, ok := got["flowiax_blocked_sources"]; ok {
		t.Error("blocked sources reported without a guard")
	}
}

func TestCollectorNilProviders(t *testing.T) {
	got := gather(t, NewCollector(Providers{}))
	if len(got) != 0 {
		t.Errorf("collector with no providers produced %d families", len(got))
	}
}

func TestUptime(t *testing.T) {
	if got := Uptime(90*time.Second + 400*time.Millisecond); got != "1m30s" {
		t.Errorf("Uptime() = %q, want 1m30s", got)
	}
}
