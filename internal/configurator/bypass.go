package configurator

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cr0hn/drpd/pkg/netutil"
)

// LocalPattern matches hostnames without a dot and loopback addresses.
const LocalPattern = "<local>"

type ruleKind int

const (
	ruleLocal ruleKind = iota
	ruleCIDR
	ruleGlob
)

type bypassRule struct {
	raw    string
	kind   ruleKind
	prefix netip.Prefix
	glob   string
}

// BypassRules is an ordered list of host patterns that skip the proxy.
type BypassRules struct {
	rules []bypassRule
}

// Clone returns an independent copy.
func (b *BypassRules) Clone() *BypassRules {
	if b == nil {
		return &BypassRules{}
	}
	return &BypassRules{rules: append([]bypassRule(nil), b.rules...)}
}

// AddRuleFromString parses and appends a pattern. Accepted forms are
// "<local>", CIDR ranges ("10.0.0.0/8", "fc00::/7"), ".suffix.com" and
// host globs ("*-ds.metric.gstatic.com").
func (b *BypassRules) AddRuleFromString(pattern string) error {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return fmt.Errorf("empty bypass pattern")
	}

	if pattern == LocalPattern {
		b.rules = append(b.rules, bypassRule{raw: pattern, kind: ruleLocal})
		return nil
	}

	if strings.Contains(pattern, "/") {
		prefix, err := netip.ParsePrefix(pattern)
		if err != nil {
			return fmt.Errorf("invalid CIDR bypass pattern %q: %w", pattern, err)
		}
		b.rules = append(b.rules, bypassRule{raw: pattern, kind: ruleCIDR, prefix: prefix.Masked()})
		return nil
	}

	glob := pattern
	if strings.HasPrefix(glob, ".") {
		glob = "*" + glob
	}
	if !doublestar.ValidatePattern(glob) {
		return fmt.Errorf("invalid bypass pattern %q", pattern)
	}
	b.rules = append(b.rules, bypassRule{raw: pattern, kind: ruleGlob, glob: glob})
	return nil
}

// Matches reports whether host should bypass the proxy. A port and IPv6
// brackets are ignored.
func (b *BypassRules) Matches(host string) bool {
	if b == nil {
		return false
	}
	host = strings.Trim(netutil.NormalizeHost(host), "[]")
	addr, addrErr := netip.ParseAddr(host)
	isIP := addrErr == nil

	for _, r := range b.rules {
		switch r.kind {
		case ruleLocal:
			if isIP {
				if addr.IsLoopback() {
					return true
				}
				continue
			}
			if host == "localhost" || strings.HasSuffix(host, ".localhost") || !strings.Contains(host, ".") {
				return true
			}
		case ruleCIDR:
			if isIP && r.prefix.Contains(addr.Unmap()) {
				return true
			}
		case ruleGlob:
			if ok, _ := doublestar.Match(r.glob, host); ok {
				return true
			}
		}
	}
	return false
}

// Patterns returns the patterns in insertion order.
func (b *BypassRules) Patterns() []string {
	if b == nil {
		return nil
	}
	out := make([]string, len(b.rules))
	for i, r := range b.rules {
		out[i] = r.raw
	}
	return out
}

// Len returns the number of rules.
func (b *BypassRules) Len() int {
	if b == nil {
		return 0
	}
	return len(b.rules)
}
