package netwatch

import (
	"fmt"
	"strings"
)

// ConnectionType is the kind of network the host is attached to.
type ConnectionType int

const (
	ConnectionUnknown ConnectionType = iota
	ConnectionEthernet
	ConnectionWiFi
	Connection2G
	Connection3G
	Connection4G
	ConnectionNone
	ConnectionBluetooth
)

// String returns the string representation of the connection type.
func (c ConnectionType) String() string {
	switch c {
	case ConnectionEthernet:
		return "ethernet"
	case ConnectionWiFi:
		return "wifi"
	case Connection2G:
		return "2g"
	case Connection3G:
		return "3g"
	case Connection4G:
		return "4g"
	case ConnectionNone:
		return "none"
	case ConnectionBluetooth:
		return "bluetooth"
	default:
		return "unknown"
	}
}

// IsCellular reports whether the connection is a mobile network.
func (c ConnectionType) IsCellular() bool {
	return c == Connection2G || c == Connection3G || c == Connection4G
}

// ParseConnectionType parses the String form. An empty string is unknown.
func ParseConnectionType(s string) (ConnectionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return ConnectionUnknown, nil
	case "ethernet":
		return ConnectionEthernet, nil
	case "wifi":
		return ConnectionWiFi, nil
	case "2g":
		return Connection2G, nil
	case "3g":
		return Connection3G, nil
	case "4g":
		return Connection4G, nil
	case "none":
		return ConnectionNone, nil
	case "bluetooth":
		return ConnectionBluetooth, nil
	}
	return ConnectionUnknown, fmt.Errorf("unknown connection type %q", s)
}

// classify maps an interface name to a connection type.
func classify(name string) ConnectionType {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"):
		return ConnectionWiFi
	case strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "ccmni"), strings.HasPrefix(n, "pdp"):
		return Connection4G
	case strings.HasPrefix(n, "bnep"):
		return ConnectionBluetooth
	case strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "en"):
		return ConnectionEthernet
	default:
		return ConnectionUnknown
	}
}

// connectionPriority orders types when several interfaces are up; the
// first match wins.
var connectionPriority = []ConnectionType{
	ConnectionEthernet,
	ConnectionWiFi,
	Connection4G,
	Connection3G,
	Connection2G,
	ConnectionBluetooth,
}

// ConnectionTypeOf derives the connection type from the interfaces that
// carry a routable address. No such interface means ConnectionNone.
func ConnectionTypeOf(ifaces []Interface) ConnectionType {
	seen := make(map[ConnectionType]bool)
	routable := false
	for _, iface := range ifaces {
		if !iface.Up || !iface.HasRoutableAddr() {
			continue
		}
		routable = true
		seen[classify(iface.Name)] = true
	}
	if !routable {
		return ConnectionNone
	}
	for _, c := range connectionPriority {
		if seen[c] {
			return c
		}
	}
	return ConnectionUnknown
}
