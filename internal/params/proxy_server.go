// Package params holds the data reduction proxy server lists and the
// parameters that control how they are used.
package params

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Scheme is the transport used to reach a proxy server.
type Scheme int

const (
	// SchemeInvalid marks an unparsable or empty proxy server.
	SchemeInvalid Scheme = iota
	// SchemeDirect means no proxy.
	SchemeDirect
	// SchemeHTTP is a plain HTTP proxy (fallback tier).
	SchemeHTTP
	// SchemeHTTPS is a TLS proxy (secure tier).
	SchemeHTTPS
	// SchemeQUIC is a QUIC proxy.
	SchemeQUIC
)

// String returns the URI scheme name.
func (s Scheme) String() string {
	switch s {
	case SchemeDirect:
		return "direct"
	case SchemeHTTP:
		return "http"
	case SchemeHTTPS:
		return "https"
	case SchemeQUIC:
		return "quic"
	default:
		return "invalid"
	}
}

// DefaultPort returns the port implied by the scheme.
func (s Scheme) DefaultPort() int {
	switch s {
	case SchemeHTTP:
		return 80
	case SchemeHTTPS, SchemeQUIC:
		return 443
	default:
		return 0
	}
}

func parseScheme(s string) Scheme {
	switch strings.ToLower(s) {
	case "direct":
		return SchemeDirect
	case "http":
		return SchemeHTTP
	case "https":
		return SchemeHTTPS
	case "quic":
		return SchemeQUIC
	default:
		return SchemeInvalid
	}
}

// HostPortPair identifies a proxy endpoint.
type HostPortPair struct {
	Host string
	Port int
}

// ParseHostPortPair parses "host:port". IPv6 hosts must be bracketed.
func ParseHostPortPair(s string) (HostPortPair, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return HostPortPair{}, fmt.Errorf("parsing host:port %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return HostPortPair{}, fmt.Errorf("invalid port in %q", s)
	}
	return HostPortPair{Host: host, Port: port}, nil
}

// Equals compares two pairs; host comparison is case-insensitive.
func (p HostPortPair) Equals(other HostPortPair) bool {
	return p.Port == other.Port && strings.EqualFold(p.Host, other.Host)
}

// String returns "host:port".
func (p HostPortPair) String() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ProxyServer is a single entry of a proxy list.
type ProxyServer struct {
	Scheme Scheme
	Host   string
	Port   int
}

// Direct returns the "direct://" pseudo proxy.
func Direct() ProxyServer {
	return ProxyServer{Scheme: SchemeDirect}
}

// ParseProxyServer parses a proxy URI. Accepted forms are
// "scheme://host[:port]", "host:port" (HTTP) and "direct://".
func ParseProxyServer(uri string) (ProxyServer, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return ProxyServer{}, fmt.Errorf("empty proxy server")
	}

	scheme := SchemeHTTP
	rest := uri
	if i := strings.Index(uri, "://"); i >= 0 {
		scheme = parseScheme(uri[:i])
		rest = uri[i+3:]
	}
	if scheme == SchemeInvalid {
		return ProxyServer{}, fmt.Errorf("unsupported proxy scheme in %q", uri)
	}
	if scheme == SchemeDirect {
		if rest != "" {
			return ProxyServer{}, fmt.Errorf("direct proxy must not have a host: %q", uri)
		}
		return Direct(), nil
	}

	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		return ProxyServer{}, fmt.Errorf("missing host in %q", uri)
	}

	host, port := rest, scheme.DefaultPort()
	if h, p, err := net.SplitHostPort(rest); err == nil {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n <= 0 || n > 65535 {
			return ProxyServer{}, fmt.Errorf("invalid port in %q", uri)
		}
		host, port = h, n
	} else if strings.Count(rest, ":") > 1 {
		// Bare IPv6 literal without a port.
		host = strings.Trim(rest, "[]")
	}
	if host == "" {
		return ProxyServer{}, fmt.Errorf("missing host in %q", uri)
	}

	return ProxyServer{Scheme: scheme, Host: strings.ToLower(host), Port: port}, nil
}

// ParseProxyList parses every entry, failing on the first invalid one.
func ParseProxyList(uris []string) ([]ProxyServer, error) {
	out := make([]ProxyServer, 0, len(uris))
	for _, u := range uris {
		p, err := ParseProxyServer(u)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// IsValid reports whether the server was parsed successfully.
func (p ProxyServer) IsValid() bool {
	return p.Scheme != SchemeInvalid
}

// IsDirect reports whether the entry is the direct pseudo proxy.
func (p ProxyServer) IsDirect() bool {
	return p.Scheme == SchemeDirect
}

// IsHTTPS reports whether the proxy belongs to the secure tier.
func (p ProxyServer) IsHTTPS() bool {
	return p.Scheme == SchemeHTTPS
}

// HostPortPair returns the endpoint of the proxy.
func (p ProxyServer) HostPortPair() HostPortPair {
	return HostPortPair{Host: p.Host, Port: p.Port}
}

// URI returns the canonical "scheme://host:port" form.
func (p ProxyServer) URI() string {
	switch p.Scheme {
	case SchemeDirect:
		return "direct://"
	case SchemeInvalid:
		return ""
	}
	return p.Scheme.String() + "://" + p.HostPortPair().String()
}

// String implements fmt.Stringer.
func (p ProxyServer) String() string {
	return p.URI()
}
