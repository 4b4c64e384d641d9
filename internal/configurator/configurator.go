// Package configurator turns the data reduction proxy state into proxy
// rules and answers which upstream proxies a URL should use.
package configurator

import (
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/cr0hn/drpd/internal/logger"
	"github.com/cr0hn/drpd/internal/params"
)

// RulesType describes how ProxyRules map URLs to proxies.
type RulesType int

const (
	// RulesNone means every request goes direct.
	RulesNone RulesType = iota
	// RulesSingle uses one list for every scheme.
	RulesSingle
	// RulesPerScheme uses a list per URL scheme.
	RulesPerScheme
)

// String returns the string representation of the rules type.
func (t RulesType) String() string {
	switch t {
	case RulesNone:
		return "none"
	case RulesSingle:
		return "single"
	case RulesPerScheme:
		return "per-scheme"
	default:
		return "unknown"
	}
}

// ProxyRules are the effective proxy rules.
type ProxyRules struct {
	Type            RulesType
	SingleProxies   []params.ProxyServer
	ProxiesForHTTP  []params.ProxyServer
	ProxiesForHTTPS []params.ProxyServer
	Bypass          *BypassRules
}

// MapURLSchemeToProxyList returns the proxy list for a URL scheme, or nil
// when the rules have none.
func (r ProxyRules) MapURLSchemeToProxyList(scheme string) []params.ProxyServer {
	switch r.Type {
	case RulesSingle:
		return r.SingleProxies
	case RulesPerScheme:
		switch strings.ToLower(scheme) {
		case "http", "ws":
			return r.ProxiesForHTTP
		case "https", "wss":
			return r.ProxiesForHTTPS
		}
	}
	return nil
}

// Configurator holds the proxy rules programmed by the config.
type Configurator struct {
	mu      sync.RWMutex
	rules   ProxyRules
	bypass  *BypassRules
	enabled bool
}

// New creates a configurator with proxying disabled.
func New() *Configurator {
	return &Configurator{bypass: &BypassRules{}}
}

// Enable installs per-scheme rules. When restricted, secure (HTTPS)
// proxies are removed from the HTTP list. Non-empty lists end with direct.
func (c *Configurator) Enable(restricted bool, httpProxies, httpsProxies []params.ProxyServer) {
	var forHTTP []params.ProxyServer
	for _, p := range httpProxies {
		if restricted && p.IsHTTPS() {
			continue
		}
		forHTTP = append(forHTTP, p)
	}
	if len(forHTTP) > 0 {
		forHTTP = append(forHTTP, params.Direct())
	}

	forHTTPS := slices.Clone(httpsProxies)
	if len(forHTTPS) > 0 {
		forHTTPS = append(forHTTPS, params.Direct())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
	c.rules = ProxyRules{
		Type:            RulesPerScheme,
		ProxiesForHTTP:  forHTTP,
		ProxiesForHTTPS: forHTTPS,
		Bypass:          c.bypass,
	}

	logger.Debug("proxy_rules_enabled",
		"restricted", restricted,
		"http", formatList(forHTTP),
		"https", formatList(forHTTPS),
	)
}

// Disable makes every request go direct.
func (c *Configurator) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	c.rules = ProxyRules{Type: RulesNone, Bypass: c.bypass}
	logger.Debug("proxy_rules_disabled")
}

// AddHostPatternToBypass adds a bypass pattern. Invalid patterns are logged
// and ignored.
func (c *Configurator) AddHostPatternToBypass(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.bypass.Clone()
	if err := next.AddRuleFromString(pattern); err != nil {
		logger.Warn("bypass_pattern_ignored", "pattern", pattern, "error", err)
		return
	}
	c.bypass = next
	c.rules.Bypass = next
}

// Enabled reports whether proxy rules are active.
func (c *Configurator) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// Rules returns the current rules.
func (c *Configurator) Rules() ProxyRules {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.rules
	r.SingleProxies = slices.Clone(r.SingleProxies)
	r.ProxiesForHTTP = slices.Clone(r.ProxiesForHTTP)
	r.ProxiesForHTTPS = slices.Clone(r.ProxiesForHTTPS)
	return r
}

// ProxiesFor returns the ordered upstream list for u. Bypassed hosts and
// URLs without a matching list go direct.
func (c *Configurator) ProxiesFor(u *url.URL) []params.ProxyServer {
	direct := []params.ProxyServer{params.Direct()}
	if u == nil {
		return direct
	}

	r := c.Rules()
	if r.Type == RulesNone {
		return direct
	}
	if r.Bypass.Matches(u.Hostname()) {
		return direct
	}
	list := r.MapURLSchemeToProxyList(u.Scheme)
	if len(list) == 0 {
		return direct
	}
	return list
}

func formatList(list []params.ProxyServer) string {
	uris := make([]string, len(list))
	for i, p := range list {
		uris[i] = p.URI()
	}
	return strings.Join(uris, ";")
}
