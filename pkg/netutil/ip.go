// Package netutil provides network utility functions.
package netutil

import (
	"net"
	"net/netip"
	"sort"
	"strings"
)

// ParseAddr parses an interface address which may carry a prefix length
// ("192.168.1.5/24") or a zone ("fe80::1%eth0").
func ParseAddr(s string) (netip.Addr, bool) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone(""), true
}

// IsRoutableAddr reports whether an interface address identifies the host
// on the network: not loopback, not link-local, not unspecified.
func IsRoutableAddr(s string) bool {
	addr, ok := ParseAddr(s)
	if !ok {
		return false
	}
	return !addr.IsLoopback() && !addr.IsLinkLocalUnicast() && !addr.IsUnspecified()
}

// AddressFingerprint returns a stable string describing the routable
// addresses of a set of interfaces keyed by name. Two fingerprints differ
// exactly when an address was added, removed or moved between interfaces.
func AddressFingerprint(ifaces map[string][]string) string {
	var entries []string
	for name, addrs := range ifaces {
		for _, a := range addrs {
			if !IsRoutableAddr(a) {
				continue
			}
			addr, _ := ParseAddr(a)
			entries = append(entries, name+"="+addr.String())
		}
	}
	sort.Strings(entries)
	return strings.Join(entries, ",")
}



// ParseHost extracts the host from a host:port string.
func ParseHost(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		// Might not have a port
		return hostport
	}
	return host
}

// NormalizeHost strips the port and lowercases the host.
func NormalizeHost(host string) string {
	return strings.ToLower(ParseHost(host))
}
