// Package proxy provides the local forwarding proxy that sends traffic
// through the data reduction proxies.
package proxy

import "time"

// Default timeouts and intervals.
const (
	// DefaultShutdownTimeout is the timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultTCPKeepAlive is the TCP keep-alive interval for connections.
	DefaultTCPKeepAlive = 30 * time.Second

	// DefaultIdleConnTimeout is the timeout for idle HTTP connections.
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultTLSHandshakeTimeout is the timeout for TLS handshakes.
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultExpectContinueTimeout is the timeout for 100-continue responses.
	DefaultExpectContinueTimeout = 1 * time.Second
)

// Buffer sizes and limits.
const (
	// DefaultTunnelBufferSize is the buffer size for tunnel copy operations.
	DefaultTunnelBufferSize = 32 * 1024 // 32KB

	// MaxReplayableBodySize is the largest request body kept in memory so
	// the request can be retried on the next upstream.
	MaxReplayableBodySize = 1 << 20

	// DefaultMaxIdleConns is the maximum number of idle connections across all hosts.
	DefaultMaxIdleConns = 100

	// DefaultMaxIdleConnsPerHost is the maximum number of idle connections per host.
	DefaultMaxIdleConnsPerHost = 10
)

// Headers.
const (
	// LoFiOffHeader set to "1" asks for Lo-Fi to be skipped on this page load.
	LoFiOffHeader = "X-Data-Saver-Lofi-Off"

	// RequestIDHeader carries the request ID back to the client.
	RequestIDHeader = "X-Request-Id"
)
