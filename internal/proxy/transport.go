package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cr0hn/drpd/internal/config"
	"github.com/cr0hn/drpd/internal/params"
)

// ErrUnsupportedUpstream is returned for upstreams the proxy cannot speak to.
var ErrUnsupportedUpstream = errors.New("unsupported upstream scheme")

// TransportConfig holds the dial and transport tuning.
type TransportConfig struct {
	Timeout               time.Duration
	TCPKeepAlive          time.Duration
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	// TLSConfig is used for connections to secure proxies. Nil uses the
	// system roots.
	TLSConfig *tls.Config
}

// TransportConfigFrom extracts the transport tuning from cfg.
func TransportConfigFrom(cfg *config.Config) TransportConfig {
	tc := TransportConfig{
		Timeout:               cfg.Timeout,
		TCPKeepAlive:          cfg.TCPKeepAlive,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
	}
	if tc.TCPKeepAlive <= 0 {
		tc.TCPKeepAlive = DefaultTCPKeepAlive
	}
	if tc.IdleConnTimeout <= 0 {
		tc.IdleConnTimeout = DefaultIdleConnTimeout
	}
	if tc.TLSHandshakeTimeout <= 0 {
		tc.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	}
	if tc.ExpectContinueTimeout <= 0 {
		tc.ExpectContinueTimeout = DefaultExpectContinueTimeout
	}
	return tc
}

func (c TransportConfig) dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   c.Timeout,
		KeepAlive: c.TCPKeepAlive,
	}
}

func (c TransportConfig) tlsConfig(serverName string) *tls.Config {
	var tc *tls.Config
	if c.TLSConfig != nil {
		tc = c.TLSConfig.Clone()
	} else {
		tc = &tls.Config{}
	}
	if tc.ServerName == "" {
		tc.ServerName = serverName
	}
	return tc
}

// proxyURL returns the URL net/http uses to reach upstream, or nil for direct.
func proxyURL(upstream params.ProxyServer) (*url.URL, error) {
	switch upstream.Scheme {
	case params.SchemeDirect:
		return nil, nil
	case params.SchemeHTTP, params.SchemeHTTPS:
		return &url.URL{Scheme: upstream.Scheme.String(), Host: upstream.HostPortPair().String()}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedUpstream, upstream.Scheme)
}

// TransportPool manages http.Transport instances per upstream proxy.
type TransportPool struct {
	transports map[string]*http.Transport
	config     TransportConfig
	mu         sync.RWMutex
}

// NewTransportPool creates a new transport pool.
func NewTransportPool(cfg TransportConfig) *TransportPool {
	return &TransportPool{
		transports: make(map[string]*http.Transport),
		config:     cfg,
	}
}

// Get returns the transport that sends requests through upstream.
func (tp *TransportPool) Get(upstream params.ProxyServer) (*http.Transport, error) {
	key := upstream.URI()

	tp.mu.RLock()
	t, exists := tp.transports[key]
	tp.mu.RUnlock()
	if exists {
		return t, nil
	}

	u, err := proxyURL(upstream)
	if err != nil {
		return nil, err
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if t, exists := tp.transports[key]; exists {
		return t, nil
	}
	t = tp.createTransport(u)
	tp.transports[key] = t
	return t, nil
}

// createTransport creates a transport for the upstream at u. A nil u goes
// direct.
func (tp *TransportPool) createTransport(u *url.URL) *http.Transport {
	t := &http.Transport{
		DialContext:           tp.config.dialer().DialContext,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       tp.config.IdleConnTimeout,
		TLSHandshakeTimeout:   tp.config.TLSHandshakeTimeout,
		ExpectContinueTimeout: tp.config.ExpectContinueTimeout,
		ForceAttemptHTTP2:     u == nil,
	}
	if tp.config.TLSConfig != nil {
		t.TLSClientConfig = tp.config.TLSConfig.Clone()
	}
	if u != nil {
		t.Proxy = http.ProxyURL(u)
	}
	return t
}

// Close closes all transports.
func (tp *TransportPool) Close() {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}

// ConnectError is returned when an upstream proxy refuses a CONNECT. The
// response body is already closed.
type ConnectError struct {
	Upstream params.ProxyServer
	Response *http.Response
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("upstream %s refused CONNECT: %s", e.Upstream, e.Response.Status)
}

// Dialer opens tunnel connections, optionally through an upstream proxy.
type Dialer struct {
	config TransportConfig
}

// NewDialer creates a new Dialer.
func NewDialer(cfg TransportConfig) *Dialer {
	return &Dialer{config: cfg}
}

// DialThrough connects to target ("host:port") through upstream. For proxy
// upstreams a CONNECT carrying header is issued first.
func (d *Dialer) DialThrough(ctx context.Context, upstream params.ProxyServer, target string, header http.Header) (net.Conn, error) {
	nd := d.config.dialer()
	if upstream.IsDirect() {
		return nd.DialContext(ctx, "tcp", target)
	}
	if _, err := proxyURL(upstream); err != nil {
		return nil, err
	}

	conn, err := nd.DialContext(ctx, "tcp", upstream.HostPortPair().String())
	if err != nil {
		return nil, err
	}
	if upstream.IsHTTPS() {
		tc := tls.Client(conn, d.config.tlsConfig(upstream.Host))
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", upstream, err)
		}
		conn = tc
	}

	if d.config.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(d.config.Timeout))
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing CONNECT to %s: %w", upstream, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading CONNECT response from %s: %w", upstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		conn.Close()
		return nil, &ConnectError{Upstream: upstream, Response: resp}
	}

	conn.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn drains bytes read past the CONNECT response before reading
// from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// closeWriter is implemented by *net.TCPConn and *tls.Conn.
type closeWriter interface {
	CloseWrite() error
}
