package params

import (
	"slices"
	"sync"
)

// ConfigValues exposes the proxy lists and flags the config reads.
type ConfigValues interface {
	// ProxiesForHTTP returns the ordered proxies used for http:// URLs.
	ProxiesForHTTP() []ProxyServer
	// ProxiesForHTTPS returns the ordered proxies used for https:// URLs.
	ProxiesForHTTPS() []ProxyServer
	// SecureProxyCheckURL is the probe URL for the secure tier.
	SecureProxyCheckURL() string
	// Allowed reports whether the data reduction proxy may be used at all.
	Allowed() bool
	// PromoAllowed reports whether the promo may be shown.
	PromoAllowed() bool
	// Holdback reports whether the proxy is held back from use.
	Holdback() bool
	// UsingHTTPTunnel reports whether the proxy is reached through a CONNECT tunnel.
	UsingHTTPTunnel(proxy HostPortPair) bool
}

// StaticValues are values fixed at startup.
type StaticValues struct {
	HTTPProxies  []ProxyServer
	HTTPSProxies []ProxyServer
	CheckURL     string
	IsAllowed    bool
	IsPromo      bool
	IsHoldback   bool
	// TunnelProxies lists endpoints that are reached through CONNECT.
	TunnelProxies []HostPortPair
}

// ProxiesForHTTP implements ConfigValues.
func (v *StaticValues) ProxiesForHTTP() []ProxyServer { return slices.Clone(v.HTTPProxies) }

// ProxiesForHTTPS implements ConfigValues.
func (v *StaticValues) ProxiesForHTTPS() []ProxyServer { return slices.Clone(v.HTTPSProxies) }

// SecureProxyCheckURL implements ConfigValues.
func (v *StaticValues) SecureProxyCheckURL() string { return v.CheckURL }

// Allowed implements ConfigValues.
func (v *StaticValues) Allowed() bool { return v.IsAllowed }

// PromoAllowed implements ConfigValues.
func (v *StaticValues) PromoAllowed() bool { return v.IsPromo }

// Holdback implements ConfigValues.
func (v *StaticValues) Holdback() bool { return v.IsHoldback }

// UsingHTTPTunnel implements ConfigValues.
func (v *StaticValues) UsingHTTPTunnel(proxy HostPortPair) bool {
	for _, p := range v.TunnelProxies {
		if p.Equals(proxy) {
			return true
		}
	}
	return false
}

// MutableValues are ConfigValues whose proxy lists are replaced by the
// config service. Everything else comes from the wrapped static values.
type MutableValues struct {
	base *StaticValues

	mu           sync.RWMutex
	httpProxies  []ProxyServer
	httpsProxies []ProxyServer
}

// NewMutableValues starts from the lists in base.
func NewMutableValues(base *StaticValues) *MutableValues {
	return &MutableValues{
		base:         base,
		httpProxies:  base.ProxiesForHTTP(),
		httpsProxies: base.ProxiesForHTTPS(),
	}
}

// UpdateValues installs a new HTTP proxy list. Remote configs only carry
// HTTP proxies, so the HTTPS list is cleared.
func (v *MutableValues) UpdateValues(httpProxies []ProxyServer) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.httpProxies = slices.Clone(httpProxies)
	v.httpsProxies = nil
}

// Invalidate clears both lists until the next UpdateValues.
func (v *MutableValues) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.httpProxies = nil
	v.httpsProxies = nil
}

// ProxiesForHTTP implements ConfigValues.
func (v *MutableValues) ProxiesForHTTP() []ProxyServer {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.httpProxies)
}

// ProxiesForHTTPS implements ConfigValues.
func (v *MutableValues) ProxiesForHTTPS() []ProxyServer {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.httpsProxies)
}

// SecureProxyCheckURL implements ConfigValues.
func (v *MutableValues) SecureProxyCheckURL() string { return v.base.SecureProxyCheckURL() }

// Allowed implements ConfigValues.
func (v *MutableValues) Allowed() bool { return v.base.Allowed() }

// PromoAllowed implements ConfigValues.
func (v *MutableValues) PromoAllowed() bool { return v.base.PromoAllowed() }

// Holdback implements ConfigValues.
func (v *MutableValues) Holdback() bool { return v.base.Holdback() }

// UsingHTTPTunnel implements ConfigValues.
func (v *MutableValues) UsingHTTPTunnel(proxy HostPortPair) bool {
	return v.base.UsingHTTPTunnel(proxy)
}
