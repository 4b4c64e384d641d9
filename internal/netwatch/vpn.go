package netwatch

import (
	"context"
	"strings"
	"time"

	"github.com/cr0hn/drpd/internal/logger"
)

const vpnPrefix = "tun"

// TunDetector reports a VPN when any interface name starts with "tun".
type TunDetector struct {
	Lister  Lister
	Timeout time.Duration
}

// IsVPNActive lists the interfaces and looks for a tunnel. Listing errors
// are treated as no VPN.
func (d *TunDetector) IsVPNActive() bool {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ifaces, err := d.Lister.Interfaces(ctx)
	if err != nil {
		logger.Debug("vpn_check_failed", "error", err.Error())
		return false
	}
	return HasVPNInterface(ifaces)
}

// HasVPNInterface reports whether any interface is a tunnel.
func HasVPNInterface(ifaces []Interface) bool {
	for _, iface := range ifaces {
		if strings.HasPrefix(strings.ToLower(iface.Name), vpnPrefix) {
			return true
		}
	}
	return false
}
