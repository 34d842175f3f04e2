package database

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/flowpbx/flowiax/internal/codec"
	"github.com/flowpbx/flowiax/internal/database/models"
	"github.com/flowpbx/flowiax/internal/iax"
)

// HostResolver turns a configured host into a UDP address.
type HostResolver interface {
	Resolve(ctx context.Context, host string) (netip.AddrPort, error)
}

// ToUser converts a stored user into the engine's form.
func ToUser(m *models.User) (*iax.User, error) {
	acl, err := iax.ParseACL(m.ACL)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", m.Name, err)
	}
	methods, err := iax.ParseAuthMethods(m.AuthMethods)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", m.Name, err)
	}
	enc, err := iax.ParseEncryption(m.Encryption)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", m.Name, err)
	}
	return &iax.User{
		Name:            m.Name,
		Secret:          m.Secret,
		InKeys:          m.InKeys,
		AuthMethods:     methods,
		ACL:             acl,
		Contexts:        splitList(m.Contexts),
		Capability:      codec.ParseCapability(m.Codecs),
		Prefs:           codec.ParsePrefs(m.CodecPrefs),
		Policy:          codec.ParsePolicy(m.CodecPolicy),
		Encryption:      enc,
		ForceEncryption: m.ForceEncryption,
		Trunk:           m.Trunk,
		MaxAuthReq:      m.MaxAuthReq,
		CallerNum:       m.CallerNum,
		CallerName:      m.CallerName,
		Language:        m.Language,
	}, nil
}

// ToPeer converts a stored peer into the engine's form. A host of
// "dynamic" or empty makes the peer dynamic; other hosts go through res,
// which may be nil when only literal addresses are configured.
func ToPeer(ctx context.Context, m *models.Peer, res HostResolver) (*iax.Peer, error) {
	acl, err := iax.ParseACL(m.ACL)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", m.Name, err)
	}
	methods, err := iax.ParseAuthMethods(m.AuthMethods)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", m.Name, err)
	}
	enc, err := iax.ParseEncryption(m.Encryption)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", m.Name, err)
	}
	p := &iax.Peer{
		Name:        m.Name,
		Username:    m.Username,
		Secret:      m.Secret,
		OutKey:      m.OutKey,
		InKeys:      m.InKeys,
		AuthMethods: methods,
		ACL:         acl,
		Context:     m.Context,
		Capability:  codec.ParseCapability(m.Codecs),
		Prefs:       codec.ParsePrefs(m.CodecPrefs),
		Policy:      codec.ParsePolicy(m.CodecPolicy),
		Encryption:  enc,
		Trunk:       m.Trunk,
		MaxMS:       m.QualifyMS,
		Smoothing:   m.Smoothing,
		FreqOK:      time.Duration(m.FreqOKMS) * time.Millisecond,
		FreqNotOK:   time.Duration(m.FreqNotOKMS) * time.Millisecond,
		MinExpire:   m.MinExpire,
		MaxExpire:   m.MaxExpire,
		MailboxMsgs: m.MailboxMsgs,
	}
	host := strings.TrimSpace(m.Host)
	if host == "" || strings.EqualFold(host, "dynamic") {
		p.Dynamic = true
		return p, nil
	}
	p.Host, err = resolveHost(ctx, host, res)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", m.Name, err)
	}
	return p, nil
}

// ToRegistration converts a stored registration. Rows with an unparsable
// address come back with an invalid Addr, which restore discards.
func ToRegistration(m *models.Registration) iax.Registration {
	addr, _ := netip.ParseAddrPort(m.Addr)
	return iax.Registration{Peer: m.Peer, Addr: addr, ExpiresAt: m.ExpiresAt}
}

// ToRegisterOptions converts a stored outbound registration.
func ToRegisterOptions(ctx context.Context, m *models.RegisterClient, res HostResolver) (iax.RegisterOptions, error) {
	addr, err := resolveHost(ctx, m.Host, res)
	if err != nil {
		return iax.RegisterOptions{}, fmt.Errorf("registration %s: %w", m.Name, err)
	}
	return iax.RegisterOptions{
		Name:     m.Name,
		Addr:     addr,
		Username: m.Username,
		Secret:   m.Secret,
		OutKey:   m.OutKey,
		Refresh:  m.Refresh,
	}, nil
}

func resolveHost(ctx context.Context, host string, res HostResolver) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(host); err == nil {
		return ap, nil
	}
	if a, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(a, 4569), nil
	}
	if res == nil {
		return netip.AddrPort{}, fmt.Errorf("host %q is not an address", host)
	}
	return res.Resolve(ctx, host)
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// LoadRegistry reads every user and peer into reg. Entries that fail to
// convert are skipped and reported to the caller through skipped.
func LoadRegistry(ctx context.Context, users UserRepository, peers PeerRepository, res HostResolver, reg *iax.Registry) (skipped []error, err error) {
	urows, err := users.List(ctx)
	if err != nil {
		return nil, err
	}
	var us []*iax.User
	for i := range urows {
		u, err := ToUser(&urows[i])
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		us = append(us, u)
	}

	prows, err := peers.List(ctx)
	if err != nil {
		return nil, err
	}
	var ps []*iax.Peer
	for i := range prows {
		p, err := ToPeer(ctx, &prows[i], res)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		ps = append(ps, p)
	}

	reg.SetUsers(us)
	reg.SetPeers(ps)
	return skipped, nil
}
