package admission

import (
	"net"
	"net/netip"
	"strings"
)

// SourceAllowed reports whether a caller matches the allow-list. Entries are
// source ids, IP addresses or CIDR ranges; an empty list admits everyone.
func SourceAllowed(allowed []string, sourceID, address string) bool {
	if len(allowed) == 0 {
		return true
	}

	addr, hasAddr := parseAddress(address)

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)

		if sourceID != "" && entry == sourceID {
			return true
		}

		if !hasAddr {
			continue
		}

		if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
			return true
		}

		if ip, err := netip.ParseAddr(entry); err == nil && ip.Unmap() == addr {
			return true
		}
	}

	return false
}

// parseAddress accepts "host", "host:port" and "[v6]:port".
func parseAddress(address string) (netip.Addr, bool) {
	address = strings.TrimSpace(address)
	if address == "" {
		return netip.Addr{}, false
	}

	if host, _, err := net.SplitHostPort(address); err == nil {
		address = host
	}

	addr, err := netip.ParseAddr(strings.Trim(address, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}

	return addr.Unmap(), true
}
