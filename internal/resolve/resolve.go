// Package resolve turns configured peer and registrar hosts into UDP
// addresses, optionally through _iax._udp SRV records.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strconv"

	"github.com/miekg/dns"
)

// DefaultPort is the IAX2 UDP port.
const DefaultPort = 4569

// ErrNoAddress is returned when a host has no IPv4 address.
var ErrNoAddress = errors.New("no ipv4 address")

// Resolver resolves hosts against the servers listed in resolv.conf. With
// SRV lookups enabled, a host without an explicit port is first looked up
// as _iax._udp.<host>.
type Resolver struct {
	srv     bool
	client  *dns.Client
	servers []string
	logger  *slog.Logger
}

// New creates a Resolver from the system resolver configuration at
// confPath (normally /etc/resolv.conf).
func New(confPath string, srv bool, logger *slog.Logger) (*Resolver, error) {
	conf, err := dns.ClientConfigFromFile(confPath)
	if err != nil {
		return nil, fmt.Errorf("reading resolver config: %w", err)
	}
	return NewWithServers(conf.Servers, conf.Port, srv, logger), nil
}

// NewWithServers creates a Resolver that queries the given servers.
func NewWithServers(servers []string, port string, srv bool, logger *slog.Logger) *Resolver {
	if port == "" {
		port = "53"
	}
	r := &Resolver{
		srv:    srv,
		client: &dns.Client{Net: "udp"},
		logger: logger.With("subsystem", "resolve"),
	}
	for _, s := range servers {
		r.servers = append(r.servers, net.JoinHostPort(s, port))
	}
	return r
}

// Resolve returns the address for host, which may be an IPv4 literal, a
// name, or either with a :port suffix.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(host); err == nil {
		return ap, nil
	}
	if a, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(a, DefaultPort), nil
	}

	name, port := host, uint16(0)
	if h, p, err := net.SplitHostPort(host); err == nil {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("parsing port of %q: %w", host, err)
		}
		name, port = h, uint16(n)
	}

	if port == 0 && r.srv {
		ap, err := r.lookupSRV(ctx, name)
		if err == nil {
			return ap, nil
		}
		r.logger.Debug("srv lookup failed, falling back to address lookup", "host", name, "error", err)
	}
	if port == 0 {
		port = DefaultPort
	}
	a, err := r.lookupA(ctx, name)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(a, port), nil
}

// lookupSRV resolves _iax._udp.<name> and returns the address of the best
// target: lowest priority, then highest weight.
func (r *Resolver) lookupSRV(ctx context.Context, name string) (netip.AddrPort, error) {
	in, err := r.exchange(ctx, "_iax._udp."+name, dns.TypeSRV)
	if err != nil {
		return netip.AddrPort{}, err
	}
	var srvs []*dns.SRV
	for _, rr := range in.Answer {
		if s, ok := rr.(*dns.SRV); ok {
			srvs = append(srvs, s)
		}
	}
	if len(srvs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no srv records for %s", name)
	}
	sortSRV(srvs)

	var lastErr error
	for _, s := range srvs {
		if a, ok := glueA(in, s.Target); ok {
			return netip.AddrPortFrom(a, s.Port), nil
		}
		a, err := r.lookupA(ctx, s.Target)
		if err != nil {
			lastErr = err
			continue
		}
		return netip.AddrPortFrom(a, s.Port), nil
	}
	return netip.AddrPort{}, lastErr
}

func sortSRV(srvs []*dns.SRV) {
	sort.SliceStable(srvs, func(i, j int) bool {
		if srvs[i].Priority != srvs[j].Priority {
			return srvs[i].Priority < srvs[j].Priority
		}
		return srvs[i].Weight > srvs[j].Weight
	})
}

// glueA finds an A record for target in the additional section.
func glueA(in *dns.Msg, target string) (netip.Addr, bool) {
	for _, rr := range in.Extra {
		if a, ok := rr.(*dns.A); ok && dns.CanonicalName(a.Hdr.Name) == dns.CanonicalName(target) {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				return addr, true
			}
		}
	}
	return netip.Addr{}, false
}

func (r *Resolver) lookupA(ctx context.Context, name string) (netip.Addr, error) {
	in, err := r.exchange(ctx, name, dns.TypeA)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("%s: %w", name, ErrNoAddress)
}

// exchange sends one query to each server in turn until one answers.
func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	if len(r.servers) == 0 {
		return nil, errors.New("no dns servers configured")
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, srv := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, m, srv)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("querying %s: %s", name, dns.RcodeToString[in.Rcode])
		}
		return in, nil
	}
	return nil, fmt.Errorf("querying %s: %w", name, lastErr)
}
