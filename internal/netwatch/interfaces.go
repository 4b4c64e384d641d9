// Package netwatch watches the host network: it notifies observers when
// interface addresses change, derives the connection type and detects
// VPN interfaces.
package netwatch

import (
	"context"
	"fmt"
	"slices"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/cr0hn/drpd/pkg/netutil"
)

// Interface is a network interface with its addresses.
type Interface struct {
	Name  string
	Up    bool
	Addrs []string
}

// HasRoutableAddr reports whether any address is routable.
func (i Interface) HasRoutableAddr() bool {
	for _, a := range i.Addrs {
		if netutil.IsRoutableAddr(a) {
			return true
		}
	}
	return false
}

// Lister enumerates network interfaces.
type Lister interface {
	Interfaces(ctx context.Context) ([]Interface, error)
}

// SystemLister lists the host interfaces through gopsutil.
type SystemLister struct{}

// Interfaces implements Lister.
func (SystemLister) Interfaces(ctx context.Context) ([]Interface, error) {
	stats, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	out := make([]Interface, 0, len(stats))
	for _, s := range stats {
		iface := Interface{
			Name: s.Name,
			Up:   slices.Contains(s.Flags, "up"),
		}
		for _, a := range s.Addrs {
			iface.Addrs = append(iface.Addrs, a.Addr)
		}
		out = append(out, iface)
	}
	return out, nil
}

// fingerprint summarises the routable addresses of the up interfaces.
func fingerprint(ifaces []Interface) string {
	m := make(map[string][]string, len(ifaces))
	for _, iface := range ifaces {
		if iface.Up {
			m[iface.Name] = iface.Addrs
		}
	}
	return netutil.AddressFingerprint(m)
}
