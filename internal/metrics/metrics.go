package metrics

import (
	"time"

	"github.com/flowpbx/flowiax/internal/iax"
	"github.com/prometheus/client_golang/prometheus"
)

// EngineStats exposes the engine counters.
type EngineStats interface {
	Stats() iax.Stats
}

// PeerLister exposes the configured and cached peers.
type PeerLister interface {
	Peers() []*iax.Peer
}

// RegistrationLister exposes the dynamic peers currently registered.
type RegistrationLister interface {
	Registrations() []iax.Registration
}

// RegClientLister exposes the outbound registrations.
type RegClientLister interface {
	RegistrationClients() []iax.RegClientStatus
}

// TrunkLister exposes the trunk peers.
type TrunkLister interface {
	Trunks() []iax.TrunkStatus
}

// BlockedSourceLister exposes the sources the flood guard is blocking.
type BlockedSourceLister interface {
	BlockedSources() []iax.BlockedSource
}

// Providers bundles the data sources of the collector. Any field may be nil.
type Providers struct {
	Engine        EngineStats
	Peers         PeerLister
	Registrations RegistrationLister
	RegClients    RegClientLister
	Trunks        TrunkLister
	Guard         BlockedSourceLister
}

// Collector is a prometheus.Collector that gathers engine metrics at scrape
// time.
type Collector struct {
	p Providers

	activeCallsDesc   *prometheus.Desc
	queuedFramesDesc  *prometheus.Desc
	retransmitsDesc   *prometheus.Desc
	timersDesc        *prometheus.Desc
	peersDesc         *prometheus.Desc
	peerLatencyDesc   *prometheus.Desc
	registeredDesc    *prometheus.Desc
	regClientDesc     *prometheus.Desc
	trunkSentDesc     *prometheus.Desc
	trunkReceivedDesc *prometheus.Desc
	blockedDesc       *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

var peerStates = []string{"unmonitored", "unknown", "reachable", "lagged", "unreachable"}

// NewCollector creates a new metrics collector.
func NewCollector(p Providers) *Collector {
	return &Collector{
		p: p,

		activeCallsDesc: prometheus.NewDesc(
			"flowiax_active_calls",
			"Number of call slots in use (calls, registrations, pokes and dialplan sessions)",
			nil, nil,
		),
		queuedFramesDesc: prometheus.NewDesc(
			"flowiax_queued_frames",
			"Reliable frames awaiting acknowledgement",
			nil, nil,
		),
		retransmitsDesc: prometheus.NewDesc(
			"flowiax_retransmits_total",
			"Full frames retransmitted",
			nil, nil,
		),
		timersDesc: prometheus.NewDesc(
			"flowiax_pending_timers",
			"Timers scheduled on the engine",
			nil, nil,
		),
		peersDesc: prometheus.NewDesc(
			"flowiax_peers",
			"Peers by reachability state",
			[]string{"state"}, nil,
		),
		peerLatencyDesc: prometheus.NewDesc(
			"flowiax_peer_latency_milliseconds",
			"Last qualify round trip of monitored peers",
			[]string{"peer"}, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"flowiax_registered_peers",
			"Dynamic peers currently registered",
			nil, nil,
		),
		regClientDesc: prometheus.NewDesc(
			"flowiax_registration_client_registered",
			"Outbound registration status (1=registered, 0=other)",
			[]string{"name", "state"}, nil,
		),
		trunkSentDesc: prometheus.NewDesc(
			"flowiax_trunk_datagrams_sent_total",
			"Trunk datagrams sent per trunk peer",
			[]string{"addr"}, nil,
		),
		trunkReceivedDesc: prometheus.NewDesc(
			"flowiax_trunk_datagrams_received_total",
			"Trunk datagrams received per trunk peer",
			[]string{"addr"}, nil,
		),
		blockedDesc: prometheus.NewDesc(
			"flowiax_blocked_sources",
			"Source addresses currently blocked by the flood guard",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"flowiax_uptime_seconds",
			"Seconds since the engine started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.queuedFramesDesc
	ch <- c.retransmitsDesc
	ch <- c.timersDesc
	ch <- c.peersDesc
	ch <- c.peerLatencyDesc
	ch <- c.registeredDesc
	ch <- c.regClientDesc
	ch <- c.trunkSentDesc
	ch <- c.trunkReceivedDesc
	ch <- c.blockedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.p.Engine != nil {
		st := c.p.Engine.Stats()
		ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(st.ActiveCalls))
		ch <- prometheus.MustNewConstMetric(c.queuedFramesDesc, prometheus.GaugeValue, float64(st.QueuedFrames))
		ch <- prometheus.MustNewConstMetric(c.retransmitsDesc, prometheus.CounterValue, float64(st.Retransmits))
		ch <- prometheus.MustNewConstMetric(c.timersDesc, prometheus.GaugeValue, float64(st.PendingTimers))
		ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, st.Uptime.Seconds())
	}

	// Peer states, one series per state so absent states read as zero.
	if c.p.Peers != nil {
		counts := make(map[string]int, len(peerStates))
		for _, p := range c.p.Peers.Peers() {
			st := p.Status()
			counts[st.State]++
			if st.MaxMS > 0 && st.LastMS > 0 {
				ch <- prometheus.MustNewConstMetric(c.peerLatencyDesc, prometheus.GaugeValue, float64(st.LastMS), st.Name)
			}
		}
		for _, s := range peerStates {
			ch <- prometheus.MustNewConstMetric(c.peersDesc, prometheus.GaugeValue, float64(counts[s]), s)
		}
	}

	if c.p.Registrations != nil {
		ch <- prometheus.MustNewConstMetric(c.registeredDesc, prometheus.GaugeValue,
			float64(len(c.p.Registrations.Registrations())))
	}

	if c.p.RegClients != nil {
		for _, r := range c.p.RegClients.RegistrationClients() {
			val := 0.0
			if r.State == iax.RegRegistered {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.regClientDesc, prometheus.GaugeValue, val, r.Name, string(r.State))
		}
	}

	if c.p.Trunks != nil {
		for _, t := range c.p.Trunks.Trunks() {
			addr := t.Addr.String()
			ch <- prometheus.MustNewConstMetric(c.trunkSentDesc, prometheus.CounterValue, float64(t.Sent), addr)
			ch <- prometheus.MustNewConstMetric(c.trunkReceivedDesc, prometheus.CounterValue, float64(t.Received), addr)
		}
	}

	if c.p.Guard != nil {
		ch <- prometheus.MustNewConstMetric(c.blockedDesc, prometheus.GaugeValue,
			float64(len(c.p.Guard.BlockedSources())))
	}
}

// Uptime formats d the way the health endpoint reports it.
func Uptime(d time.Duration) string {
	return d.Truncate(time.Second).String()
}
