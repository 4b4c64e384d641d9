// Package drpconfig holds the data reduction proxy state: whether the user
// enabled it, whether the network allows the secure tier, which proxy lists
// are programmed into the configurator, and the Lo-Fi status.
package drpconfig

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/cr0hn/drpd/internal/configurator"
	"github.com/cr0hn/drpd/internal/logger"
	"github.com/cr0hn/drpd/internal/metrics"
	"github.com/cr0hn/drpd/internal/netwatch"
	"github.com/cr0hn/drpd/internal/params"
	"github.com/cr0hn/drpd/internal/probe"
	"github.com/cr0hn/drpd/internal/retry"
)

// DefaultBypassRules are always bypassed when the proxy is allowed.
var DefaultBypassRules = []string{
	"<local>",
	"127.0.0.0/8",
	"0.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::/128",
	"fc00::/7",
	"*-ds.metric.gstatic.com",
	"*-v4.metric.gstatic.com",
}

// Configurator receives the proxy lists to use.
type Configurator interface {
	Enable(restricted bool, httpProxies, httpsProxies []params.ProxyServer)
	Disable()
	AddHostPatternToBypass(pattern string)
}

// SecureProxyChecker probes whether the secure proxy tier is reachable.
type SecureProxyChecker interface {
	CheckIfSecureProxyIsAllowed(ctx context.Context, url string, cb probe.Callback)
}

// VPNDetector reports whether a VPN is active.
type VPNDetector interface {
	IsVPNActive() bool
}

// ConnectionTypeSource reports the current connection type.
type ConnectionTypeSource interface {
	ConnectionType() netwatch.ConnectionType
}

// TypeInfo describes a matched data reduction proxy.
type TypeInfo struct {
	// ProxyServers is the matched proxy followed by the rest of its list.
	ProxyServers []params.ProxyServer
	IsFallback   bool
	IsSSL        bool
}

// Options holds the collaborators of a Config.
type Options struct {
	Values       params.ConfigValues
	Params       params.Provider
	Configurator Configurator
	Checker      SecureProxyChecker
	VPN          VPNDetector
	Network      ConnectionTypeSource
	Clock        clock.PassiveClock
}

// Config is the data reduction proxy state.
type Config struct {
	values       params.ConfigValues
	params       params.Provider
	configurator Configurator
	checker      SecureProxyChecker
	vpn          VPNDetector
	network      ConnectionTypeSource
	clock        clock.PassiveClock

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	enabledByUser      bool
	secureProxyAllowed bool
	disabledOnVPN      bool
	initialized        bool

	autoLoFi           autoLoFiParams
	lofiStatus         LoFiStatus
	lastConnectionType netwatch.ConnectionType
	qualityLastUpdated time.Time
	prohibitivelySlow  bool
}

// New creates a Config. Values, Params and Configurator are required.
func New(opts Options) *Config {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Config{
		values:             opts.Values,
		params:             opts.Params,
		configurator:       opts.Configurator,
		checker:            opts.Checker,
		vpn:                opts.VPN,
		network:            opts.Network,
		clock:              opts.Clock,
		ctx:                ctx,
		cancel:             cancel,
		secureProxyAllowed: opts.Params.ShouldUseSecureProxyByDefault(),
		autoLoFi:           defaultAutoLoFiParams(),
		lofiStatus:         LoFiTemporarilyOff,
	}
	c.lastConnectionType = c.connectionType()
	if opts.Params.LoFiDisabledViaFlags() {
		c.lofiStatus = LoFiOff
	}
	metrics.LoFiStatus.Set(float64(c.lofiStatus))
	metrics.SecureProxyAllowed.Set(boolGauge(c.secureProxyAllowed))
	return c
}

// Initialize reads the Auto Lo-Fi params and installs the default bypass
// rules. It does nothing when the proxy is not allowed.
func (c *Config) Initialize() {
	if !c.values.Allowed() {
		logger.Info("data_reduction_proxy_not_allowed")
		return
	}

	c.mu.Lock()
	c.autoLoFi = autoLoFiParamsFrom(c.params)
	c.initialized = true
	c.mu.Unlock()

	for _, pattern := range DefaultBypassRules {
		c.configurator.AddHostPatternToBypass(pattern)
	}
}

// ReloadParams re-reads the Auto Lo-Fi params and the Lo-Fi disable flag
// after the provider changed.
func (c *Config) ReloadParams() {
	c.mu.Lock()
	if c.initialized {
		c.autoLoFi = autoLoFiParamsFrom(c.params)
		c.qualityLastUpdated = time.Time{}
	}
	c.mu.Unlock()

	if c.params.LoFiDisabledViaFlags() {
		c.SetLoFiModeOff()
	}
}

// Stop cancels the probe in flight, if any.
func (c *Config) Stop() {
	c.cancel()
}

// SetProxyConfig records whether the user enabled the proxy and reprograms
// the configurator. Enabling also starts a secure proxy check.
func (c *Config) SetProxyConfig(enabled, atStartup bool) {
	c.mu.Lock()
	c.enabledByUser = enabled
	c.updateConfiguratorLocked(atStartup)
	checkURL := c.values.SecureProxyCheckURL()
	c.mu.Unlock()

	if enabled {
		c.secureProxyCheck(checkURL)
	}
}

// ReloadConfig reprograms the configurator with the current state.
func (c *Config) ReloadConfig() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateConfiguratorLocked(false)
}

func (c *Config) updateConfiguratorLocked(atStartup bool) {
	logger.LogProxyState(proxyState(c.enabledByUser, c.secureProxyAllowed), atStartup)

	httpProxies := c.values.ProxiesForHTTP()
	httpsProxies := c.values.ProxiesForHTTPS()
	if c.enabledByUser && !c.disabledOnVPN && !c.values.Holdback() &&
		(len(httpProxies) > 0 || len(httpsProxies) > 0) {
		c.configurator.Enable(!c.secureProxyAllowed, httpProxies, httpsProxies)
		metrics.ProxyEnabled.Set(1)
		return
	}
	c.configurator.Disable()
	metrics.ProxyEnabled.Set(0)
}

func proxyState(enabled, secureAllowed bool) string {
	if !enabled {
		return "OFF"
	}
	if secureAllowed {
		return "ON (Unrestricted)"
	}
	return "ON (Restricted)"
}

func (c *Config) secureProxyCheck(checkURL string) {
	if c.checker == nil || checkURL == "" {
		return
	}
	c.checker.CheckIfSecureProxyIsAllowed(c.ctx, checkURL, c.HandleSecureProxyCheckResponse)
}

// SecureProxyCheckSucceeded reports whether resp allows the secure tier: a
// 2xx response whose body starts with "OK".
func SecureProxyCheckSucceeded(resp probe.Response) bool {
	return resp.Status == probe.StatusSuccess &&
		resp.HTTPCode >= http.StatusOK && resp.HTTPCode < http.StatusMultipleChoices &&
		strings.HasPrefix(resp.Body, "OK")
}

// HandleSecureProxyCheckResponse applies a secure proxy check result.
// Anything but a successful check restricts the proxy to the fallback
// tier. An unreachable network changes nothing.
func (c *Config) HandleSecureProxyCheckResponse(resp probe.Response) {
	success := SecureProxyCheckSucceeded(resp)

	if resp.Status == probe.StatusFailed && isInternetDisconnected(resp.Err) {
		recordCheckResult("internet_disconnected")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		logger.Debug("secure_proxy_unrestricted")
		if c.enabledByUser {
			if !c.secureProxyAllowed {
				c.setSecureProxyAllowedLocked(true)
				c.updateConfiguratorLocked(false)
				recordCheckResult("succeeded_proxy_enabled")
			} else {
				recordCheckResult("succeeded_proxy_already_enabled")
			}
		}
		c.setSecureProxyAllowedLocked(true)
		return
	}

	logger.Debug("secure_proxy_restricted", "http_code", resp.HTTPCode)
	if c.enabledByUser {
		if c.secureProxyAllowed {
			c.setSecureProxyAllowedLocked(false)
			c.updateConfiguratorLocked(false)
			recordCheckResult("failed_proxy_disabled")
		} else {
			recordCheckResult("failed_proxy_already_disabled")
		}
	}
	c.setSecureProxyAllowedLocked(false)
}

func (c *Config) setSecureProxyAllowedLocked(allowed bool) {
	c.secureProxyAllowed = allowed
	metrics.SecureProxyAllowed.Set(boolGauge(allowed))
}

// OnIPAddressChanged re-evaluates the VPN state and re-checks the secure
// proxy after the host addresses changed.
func (c *Config) OnIPAddressChanged() {
	c.mu.Lock()
	if !c.enabledByUser {
		c.mu.Unlock()
		return
	}
	metrics.NetworkChangeEvents.WithLabelValues("ip_changed").Inc()

	if c.maybeDisableIfVPNLocked() {
		c.mu.Unlock()
		return
	}

	if !c.params.ShouldUseSecureProxyByDefault() && c.secureProxyAllowed {
		c.setSecureProxyAllowedLocked(false)
		recordCheckResult("proxy_disabled_before_check")
		c.updateConfiguratorLocked(false)
	}
	checkURL := c.values.SecureProxyCheckURL()
	c.mu.Unlock()

	c.secureProxyCheck(checkURL)
}

// maybeDisableIfVPNLocked disables the proxy while a VPN is active and
// re-enables it once the VPN is gone. It reports whether the proxy is
// disabled because of a VPN.
func (c *Config) maybeDisableIfVPNLocked() bool {
	if c.params.UseDataSaverOnVPN() || c.vpn == nil {
		return false
	}
	if c.vpn.IsVPNActive() {
		c.disabledOnVPN = true
		c.updateConfiguratorLocked(false)
		metrics.NetworkChangeEvents.WithLabelValues("disabled_on_vpn").Inc()
		logger.Info("data_reduction_proxy_disabled_on_vpn")
		return true
	}
	if c.disabledOnVPN {
		c.disabledOnVPN = false
		c.updateConfiguratorLocked(false)
		logger.Info("data_reduction_proxy_vpn_gone")
	}
	return false
}

// IsDataReductionProxy reports whether hostPort is one of the configured
// proxies. The HTTP list is searched before the HTTPS list.
func (c *Config) IsDataReductionProxy(hostPort params.HostPortPair) (TypeInfo, bool) {
	httpProxies := c.values.ProxiesForHTTP()
	if i := findProxy(httpProxies, hostPort); i >= 0 {
		return TypeInfo{ProxyServers: httpProxies[i:], IsFallback: i != 0}, true
	}
	httpsProxies := c.values.ProxiesForHTTPS()
	if i := findProxy(httpsProxies, hostPort); i >= 0 {
		return TypeInfo{ProxyServers: httpsProxies[i:], IsFallback: i != 0, IsSSL: true}, true
	}
	return TypeInfo{}, false
}

func findProxy(list []params.ProxyServer, hostPort params.HostPortPair) int {
	for i, p := range list {
		if p.IsValid() && p.HostPortPair().Equals(hostPort) {
			return i
		}
	}
	return -1
}

func (c *Config) isDataReductionProxy(hostPort params.HostPortPair) bool {
	_, ok := c.IsDataReductionProxy(hostPort)
	return ok
}

// IsBypassedByLocalRules reports whether the rules send a URL with the
// given scheme and host anywhere but a data reduction proxy.
func (c *Config) IsBypassedByLocalRules(rules configurator.ProxyRules, scheme, host string) bool {
	if rules.Bypass != nil && rules.Bypass.Matches(host) {
		return true
	}
	list := rules.MapURLSchemeToProxyList(scheme)
	if len(list) == 0 {
		return true
	}
	first := list[0]
	if !first.IsValid() || first.IsDirect() {
		return true
	}
	return !c.isDataReductionProxy(first.HostPortPair())
}

// AreProxiesBypassed reports whether every data reduction proxy in the list
// for the scheme is marked bad in the retry map, and the smallest retry
// delay among them.
func (c *Config) AreProxiesBypassed(retryMap retry.Map, rules configurator.ProxyRules, isHTTPS bool) (time.Duration, bool) {
	if rules.Type != configurator.RulesPerScheme {
		return 0, false
	}
	scheme := "http"
	if isHTTPS {
		scheme = "https"
	}
	proxies := rules.MapURLSchemeToProxyList(scheme)
	if len(proxies) == 0 {
		return 0, false
	}

	var minDelay time.Duration
	bypassed := false
	for _, p := range proxies {
		if !p.IsValid() || p.IsDirect() {
			continue
		}
		if !c.isDataReductionProxy(p.HostPortPair()) {
			continue
		}
		delay, ok := c.IsProxyBypassed(retryMap, p)
		if !ok {
			return 0, false
		}
		if !bypassed || delay < minDelay {
			minDelay = delay
		}
		bypassed = true
	}
	return minDelay, bypassed
}

// IsProxyBypassed reports whether the proxy is marked bad in the retry map,
// and the delay it was marked bad with.
func (c *Config) IsProxyBypassed(retryMap retry.Map, proxy params.ProxyServer) (time.Duration, bool) {
	info, ok := retryMap[proxy.URI()]
	if !ok || info.BadUntil.Before(c.clock.Now()) {
		return 0, false
	}
	return info.CurrentDelay, true
}

// ContainsDataReductionProxy reports whether the rules route through a
// data reduction proxy. Only the first proxy of each list is checked.
func (c *Config) ContainsDataReductionProxy(rules configurator.ProxyRules) bool {
	if rules.Type != configurator.RulesPerScheme {
		return false
	}
	for _, scheme := range []string{"https", "http"} {
		list := rules.MapURLSchemeToProxyList(scheme)
		if len(list) > 0 && c.isDataReductionProxy(list[0].HostPortPair()) {
			return true
		}
	}
	return false
}

// UsingHTTPTunnel reports whether the proxy is reached through an HTTP
// CONNECT tunnel.
func (c *Config) UsingHTTPTunnel(proxy params.HostPortPair) bool {
	return c.values.UsingHTTPTunnel(proxy)
}

// Allowed reports whether the proxy may be used at all.
func (c *Config) Allowed() bool {
	return c.values.Allowed()
}

// PromoAllowed reports whether the proxy may be promoted to the user.
func (c *Config) PromoAllowed() bool {
	return c.values.PromoAllowed()
}

// EnabledByUser reports whether the user enabled the proxy.
func (c *Config) EnabledByUser() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabledByUser
}

// SecureProxyAllowed reports whether the secure tier is allowed.
func (c *Config) SecureProxyAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secureProxyAllowed
}

// Snapshot is a point-in-time view of the state.
type Snapshot struct {
	Allowed            bool     `json:"allowed"`
	EnabledByUser      bool     `json:"enabled_by_user"`
	SecureProxyAllowed bool     `json:"secure_proxy_allowed"`
	DisabledOnVPN      bool     `json:"disabled_on_vpn"`
	Holdback           bool     `json:"holdback"`
	LoFiStatus         string   `json:"lofi_status"`
	ConnectionType     string   `json:"connection_type"`
	ProxiesForHTTP     []string `json:"proxies_for_http"`
	ProxiesForHTTPS    []string `json:"proxies_for_https"`
}

// Snapshot returns the current state.
func (c *Config) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		EnabledByUser:      c.enabledByUser,
		SecureProxyAllowed: c.secureProxyAllowed,
		DisabledOnVPN:      c.disabledOnVPN,
		LoFiStatus:         c.lofiStatus.String(),
	}
	c.mu.Unlock()

	s.Allowed = c.values.Allowed()
	s.Holdback = c.values.Holdback()
	s.ConnectionType = c.connectionType().String()
	s.ProxiesForHTTP = uris(c.values.ProxiesForHTTP())
	s.ProxiesForHTTPS = uris(c.values.ProxiesForHTTPS())
	return s
}

func uris(list []params.ProxyServer) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.URI())
	}
	return out
}

func (c *Config) connectionType() netwatch.ConnectionType {
	if c.network == nil {
		return netwatch.ConnectionUnknown
	}
	return c.network.ConnectionType()
}

func isInternetDisconnected(err error) bool {
	return errors.Is(err, probe.ErrInternetDisconnected)
}

func recordCheckResult(result string) {
	metrics.SecureProxyCheckResults.WithLabelValues(result).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
