package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cr0hn/drpd/internal/limiter"
	"github.com/cr0hn/drpd/internal/logger"
	"github.com/cr0hn/drpd/internal/metrics"
	"github.com/cr0hn/drpd/internal/params"
)

// ConnectHandler handles CONNECT tunnel requests.
type ConnectHandler struct {
	server *Server
}

// NewConnectHandler creates a new ConnectHandler.
func NewConnectHandler(server *Server) *ConnectHandler {
	return &ConnectHandler{server: server}
}

// ServeHTTP handles a CONNECT request.
func (h *ConnectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := RequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = GenerateRequestID()
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		http.Error(w, "CONNECT target must be host:port", http.StatusBadRequest)
		return
	}

	logger.Trace("connect_request_received", "request_id", requestID, "host", host, "remote", r.RemoteAddr)

	conn, targetConn, err := h.dial(r, host, requestID)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, limiter.ErrTotalLimitReached) || errors.Is(err, limiter.ErrUpstreamLimitReached) {
			status = http.StatusServiceUnavailable
		}
		logger.LogError("connect_dial", err, "host", host)
		http.Error(w, "Failed to connect to target", status)
		metrics.RequestsTotal.WithLabelValues(http.MethodConnect, "none", fmt.Sprintf("%d", status)).Inc()
		return
	}
	defer conn.Release()
	defer targetConn.Close()

	metrics.TunnelConnections.Inc()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		logger.LogError("connect_hijack", fmt.Errorf("hijacking not supported"), "host", host)
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		metrics.RequestsTotal.WithLabelValues(http.MethodConnect, "none", "500").Inc()
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		logger.LogError("connect_hijack", err, "host", host)
		http.Error(w, "Failed to hijack connection", http.StatusInternalServerError)
		metrics.RequestsTotal.WithLabelValues(http.MethodConnect, "none", "500").Inc()
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		logger.LogError("connect_response", err, "host", host)
		return
	}

	bytesIn, bytesOut := h.tunnel(clientConn, targetConn, h.server.cfg.IdleTimeout)

	upstream := conn.Upstream
	duration := time.Since(start).Milliseconds()
	logger.LogRequest(http.MethodConnect, host, r.RemoteAddr, upstream.URI(), http.StatusOK, duration, bytesIn, bytesOut)

	h.server.deps.Stats.IncTotalRequests()
	h.server.deps.Stats.AddBytesReceived(bytesIn)
	h.server.deps.Stats.AddBytesSent(bytesOut)

	kind := h.server.upstreamType(&url.URL{Scheme: "https", Host: host}, upstream)
	metrics.RequestsTotal.WithLabelValues(http.MethodConnect, kind, "200").Inc()
	metrics.RequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// dial opens the tunnel through the first upstream that accepts it. The
// returned ConnectionContext must be released after the tunnel closes.
func (h *ConnectHandler) dial(r *http.Request, host, requestID string) (*ConnectionContext, net.Conn, error) {
	target := &url.URL{Scheme: "https", Host: host}
	candidates := h.server.candidates(target)
	authRetried := false
	var lastErr error

	for i := 0; i < len(candidates); i++ {
		upstream := candidates[i]

		conn, err := h.server.AcquireConnection(upstream, host, requestID)
		if err != nil {
			h.server.rejectLimit(upstream, err)
			lastErr = err
			continue
		}

		header := make(http.Header)
		h.server.addProxyHeader(header, upstream)

		logger.Trace("connect_dial_start", "request_id", requestID, "host", host, "upstream", upstream.URI())
		dialStart := time.Now()
		targetConn, err := h.server.dialer.DialThrough(r.Context(), upstream, host, header)
		if err == nil {
			if q := h.server.deps.Quality; q != nil {
				q.AddRTTSample(time.Since(dialStart))
			}
			h.server.deps.Retry.RecordSuccess(upstream.URI())
			logger.Trace("connect_dial_success", "request_id", requestID, "host", host, "upstream", upstream.URI(), "remote", targetConn.RemoteAddr())
			return conn, targetConn, nil
		}
		conn.Release()
		lastErr = err
		logger.Trace("connect_dial_failed", "request_id", requestID, "host", host, "upstream", upstream.URI(), "error", err)

		var refused *ConnectError
		if !errors.As(err, &refused) || !h.server.isDataReductionProxy(upstream) {
			h.server.recordFailure(upstream)
			if r.Context().Err() != nil {
				break
			}
			continue
		}

		if !authRetried && h.server.shouldRetryAuth(refused.Response, upstream) {
			authRetried = true
			candidates = h.server.candidates(target)
			i = -1
			continue
		}

		switch d := ParseBypassDirective(refused.Response.Header); d.Action {
		case BypassCurrent:
			h.server.markBad(upstream, d.Delay, "bypass")
		case BypassAll:
			for _, p := range candidates {
				if h.server.isDataReductionProxy(p) {
					h.server.markBad(p, d.Delay, "block")
				}
			}
			candidates = []params.ProxyServer{params.Direct()}
			i = -1
		case BypassOnce:
			metrics.ProxyBypasses.WithLabelValues("block_once").Inc()
			candidates = []params.ProxyServer{params.Direct()}
			i = -1
		default:
			h.server.recordFailure(upstream)
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no upstream available")
	}
	return nil, nil, lastErr
}

// tunnel performs bidirectional copy between two connections with idle timeout.
// The timeout is reset on each successful read/write operation.
func (h *ConnectHandler) tunnel(client, target net.Conn, idleTimeout time.Duration) (bytesIn, bytesOut int64) {
	var wg sync.WaitGroup
	var in, out atomic.Int64
	wg.Add(2)

	logger.Trace("tunnel_started", "client", client.RemoteAddr(), "target", target.RemoteAddr(), "idle_timeout", idleTimeout)

	deadline := time.Now().Add(idleTimeout)
	client.SetDeadline(deadline)
	target.SetDeadline(deadline)

	// Client -> Target
	go func() {
		defer wg.Done()
		n, err := copyWithIdleTimeout(target, client, idleTimeout)
		if err != nil && !errors.Is(err, net.ErrClosed) && !isTimeoutError(err) {
			logger.LogError("tunnel_client_to_target", err)
		}
		in.Store(n)
		logger.Trace("tunnel_transfer_complete", "direction", "client_to_target", "bytes", n)
		if cw, ok := target.(closeWriter); ok {
			cw.CloseWrite()
		}
	}()

	// Target -> Client
	go func() {
		defer wg.Done()
		n, err := copyWithIdleTimeout(client, target, idleTimeout)
		if err != nil && !errors.Is(err, net.ErrClosed) && !isTimeoutError(err) {
			logger.LogError("tunnel_target_to_client", err)
		}
		out.Store(n)
		logger.Trace("tunnel_transfer_complete", "direction", "target_to_client", "bytes", n)
		if cw, ok := client.(closeWriter); ok {
			cw.CloseWrite()
		}
	}()

	wg.Wait()
	logger.Trace("tunnel_closed", "client", client.RemoteAddr(), "target", target.RemoteAddr(), "bytes_in", in.Load(), "bytes_out", out.Load())
	return in.Load(), out.Load()
}

// copyWithIdleTimeout copies from src to dst, resetting the deadline after each successful read.
func copyWithIdleTimeout(dst, src net.Conn, idleTimeout time.Duration) (int64, error) {
	buf := make([]byte, DefaultTunnelBufferSize)
	var total int64

	for {
		src.SetReadDeadline(time.Now().Add(idleTimeout))

		n, readErr := src.Read(buf)
		if n > 0 {
			dst.SetWriteDeadline(time.Now().Add(idleTimeout))

			written, writeErr := dst.Write(buf[:n])
			total += int64(written)
			if writeErr != nil {
				return total, writeErr
			}
			if written != n {
				return total, io.ErrShortWrite
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, readErr
		}
	}
}

// isTimeoutError checks if the error is a timeout error.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
