package sip

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// PeerACL decides which source addresses may start calls. An empty ACL
// allows every source.
type PeerACL struct {
	prefixes []netip.Prefix
}

// NewPeerACL parses IP addresses and CIDR ranges, e.g.
// ["203.0.113.10", "198.51.100.0/24"]. Blank entries are skipped.
func NewPeerACL(entries []string) (*PeerACL, error) {
	acl := &PeerACL{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		prefix, err := parseCIDROrIP(e)
		if err != nil {
			return nil, fmt.Errorf("invalid peer %q: %w", e, err)
		}
		acl.prefixes = append(acl.prefixes, prefix)
	}
	return acl, nil
}

// Allowed reports whether source, an address with or without a port, is
// permitted. Unparseable sources are refused when the ACL is non-empty.
func (a *PeerACL) Allowed(source string) bool {
	if len(a.prefixes) == 0 {
		return true
	}
	addr, err := parseAddr(source)
	if err != nil {
		return false
	}
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of configured ranges.
func (a *PeerACL) Len() int {
	return len(a.prefixes)
}

// parseCIDROrIP parses a CIDR prefix or a single address, which becomes a
// /32 or /128.
func parseCIDROrIP(s string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a valid ip or cidr: %s", s)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseAddr parses "192.168.1.1:5060" or a bare address. IPv4-mapped IPv6
// addresses are unmapped so they match IPv4 ranges.
func parseAddr(s string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}
