package safefetch

import (
	"net"
	"net/netip"
)

var (
	// Ranges reachable only with AllowPrivate + AcknowledgeRisk.
	privateRanges = mustPrefixes(
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"fc00::/7",
		"::1/128",
	)
	// Ranges that are never fetched. Link-local covers cloud metadata endpoints.
	forbiddenRanges = mustPrefixes(
		"0.0.0.0/8",
		"169.254.0.0/16",
		"192.0.0.0/24",
		"192.0.2.0/24",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"224.0.0.0/4",
		"240.0.0.0/4",
		"::/128",
		"fe80::/10",
		"ff00::/8",
		"64:ff9b::/96",
		"2001:db8::/32",
	)
)

func mustPrefixes(raw ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(raw))
	for _, r := range raw {
		out = append(out, netip.MustParsePrefix(r))
	}
	return out
}

type addrClass int

const (
	addrPublic addrClass = iota
	addrPrivate
	addrForbidden
)

func classify(ip net.IP) addrClass {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return addrForbidden
	}
	addr = addr.Unmap()
	for _, p := range forbiddenRanges {
		if p.Contains(addr) {
			return addrForbidden
		}
	}
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return addrPrivate
		}
	}
	return addrPublic
}

// allowed reports whether ip may be dialed under the given escape hatch.
func allowed(ip net.IP, allowPrivate bool) bool {
	switch classify(ip) {
	case addrPublic:
		return true
	case addrPrivate:
		return allowPrivate
	default:
		return false
	}
}
