package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cr0hn/drpd/internal/limiter"
	"github.com/cr0hn/drpd/internal/logger"
	"github.com/cr0hn/drpd/internal/metrics"
	"github.com/cr0hn/drpd/internal/params"
	"github.com/cr0hn/drpd/internal/requestopts"
)

// hopByHopHeaders contains headers that should not be forwarded to the upstream server.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// hopByHopHeadersList is the list form for deletion operations.
var hopByHopHeadersList = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler handles HTTP proxy requests.
type Handler struct {
	server *Server
}

// NewHandler creates a new Handler.
func NewHandler(server *Server) *Handler {
	return &Handler{server: server}
}

// ServeHTTP handles an HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := GenerateRequestID()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx = ContextWithRequestID(ctx, requestID)
	r = r.WithContext(ctx)

	logger.Trace("request_received", "request_id", requestID, "method", r.Method, "host", r.Host, "remote", r.RemoteAddr, "url", r.URL.String())

	if !h.server.authenticate(w, r) {
		logger.Trace("request_auth_failed", "remote", r.RemoteAddr)
		return
	}

	if r.Method == http.MethodConnect {
		h.server.connectHandler.ServeHTTP(w, r)
		return
	}

	target := targetURL(r)
	if target == nil {
		h.sendError(w, http.StatusBadRequest, "Invalid request URL")
		return
	}

	if isMainFrame(r) && h.server.deps.DRP != nil {
		userDisabled := r.Header.Get(LoFiOffHeader) == "1"
		h.server.deps.DRP.UpdateLoFiStatusOnMainFrameRequest(userDisabled, h.server.estimator())
	}

	body, replayable, err := readReplayableBody(r)
	if err != nil {
		logger.LogError("request_body_read", err, "request_id", requestID, "host", target.Host)
		h.sendError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	h.forward(w, r, target, body, replayable, start)
}

// forward tries each upstream for target in order until one answers.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, target *url.URL, body []byte, replayable bool, start time.Time) {
	requestID := RequestIDFromContext(r.Context())
	host := target.Host
	candidates := h.server.candidates(target)
	authRetried := false
	limited := false

	for i := 0; i < len(candidates); i++ {
		upstream := candidates[i]

		conn, err := h.server.AcquireConnection(upstream, host, requestID)
		if err != nil {
			h.server.rejectLimit(upstream, err)
			limited = errors.Is(err, limiter.ErrTotalLimitReached) || errors.Is(err, limiter.ErrUpstreamLimitReached)
			if !replayable {
				break
			}
			continue
		}

		logger.Trace("upstream_request_start", "request_id", requestID, "host", host, "upstream", upstream.URI(), "method", r.Method)
		resp, rtt, err := h.roundTrip(r, target, upstream, body, replayable)
		if err != nil {
			conn.Release()
			logger.Trace("upstream_request_failed", "request_id", requestID, "host", host, "upstream", upstream.URI(), "error", err)
			logger.LogError("proxy_request", err, "host", host, "upstream", upstream.URI())
			h.server.recordFailure(upstream)
			limited = false
			if !replayable || r.Context().Err() != nil {
				break
			}
			continue
		}
		if q := h.server.deps.Quality; q != nil {
			q.AddRTTSample(rtt)
		}

		if h.server.isDataReductionProxy(upstream) {
			if !authRetried && replayable && h.server.shouldRetryAuth(resp, upstream) {
				authRetried = true
				discard(resp)
				conn.Release()
				candidates = h.server.candidates(target)
				i = -1
				continue
			}

			if d := ParseBypassDirective(resp.Header); d.Action != BypassNone && replayable {
				discard(resp)
				conn.Release()
				switch d.Action {
				case BypassCurrent:
					h.server.markBad(upstream, d.Delay, "bypass")
					continue
				case BypassAll:
					for _, p := range candidates {
						if h.server.isDataReductionProxy(p) {
							h.server.markBad(p, d.Delay, "block")
						}
					}
				case BypassOnce:
					metrics.ProxyBypasses.WithLabelValues("block_once").Inc()
				}
				candidates = []params.ProxyServer{params.Direct()}
				i = -1
				continue
			}
		}

		h.server.deps.Retry.RecordSuccess(upstream.URI())
		h.writeResponse(w, r, target, resp, upstream, start)
		conn.Release()
		return
	}

	if limited {
		h.sendError(w, http.StatusServiceUnavailable, "Connection limit reached")
		metrics.RequestsTotal.WithLabelValues(r.Method, "none", "503").Inc()
		return
	}
	h.sendError(w, http.StatusBadGateway, "Failed to connect to upstream")
	metrics.RequestsTotal.WithLabelValues(r.Method, "none", "502").Inc()
}

// roundTrip sends r to target through upstream and returns the time to
// response headers.
func (h *Handler) roundTrip(r *http.Request, target *url.URL, upstream params.ProxyServer, body []byte, replayable bool) (*http.Response, time.Duration, error) {
	transport, err := h.server.transportPool.Get(upstream)
	if err != nil {
		return nil, 0, err
	}

	outReq := h.createOutgoingRequest(r, target, body, replayable)
	h.server.addProxyHeader(outReq.Header, upstream)

	start := time.Now()
	resp, err := transport.RoundTrip(outReq)
	return resp, time.Since(start), err
}

// writeResponse relays resp to the client and records the request.
func (h *Handler) writeResponse(w http.ResponseWriter, r *http.Request, target *url.URL, resp *http.Response, upstream params.ProxyServer, start time.Time) {
	defer resp.Body.Close()
	host := target.Host

	h.copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	bodyStart := time.Now()
	bytesCopied, err := io.Copy(w, resp.Body)
	if err != nil {
		// Headers are already sent.
		logger.LogError("response_copy", err, "host", host, "upstream", upstream.URI())
	}
	if q := h.server.deps.Quality; q != nil && bytesCopied > 0 {
		q.AddThroughputSample(bytesCopied, time.Since(bodyStart))
	}

	logger.Trace("response_copy_complete", "host", host, "upstream", upstream.URI(), "bytes", bytesCopied)

	duration := time.Since(start).Milliseconds()
	logger.LogRequest(r.Method, host, r.RemoteAddr, upstream.URI(), resp.StatusCode, duration, r.ContentLength, bytesCopied)

	h.server.deps.Stats.IncTotalRequests()
	h.server.deps.Stats.AddBytesSent(bytesCopied)
	if r.ContentLength > 0 {
		h.server.deps.Stats.AddBytesReceived(r.ContentLength)
	}

	kind := h.server.upstreamType(target, upstream)
	metrics.RequestsTotal.WithLabelValues(r.Method, kind, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.RequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// createOutgoingRequest creates the outgoing request from the incoming request.
func (h *Handler) createOutgoingRequest(r *http.Request, target *url.URL, body []byte, replayable bool) *http.Request {
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.URL = target
	outReq.Host = target.Host

	if replayable {
		if len(body) == 0 {
			outReq.Body = http.NoBody
			outReq.ContentLength = 0
		} else {
			outReq.Body = io.NopCloser(bytes.NewReader(body))
			outReq.ContentLength = int64(len(body))
		}
	}

	h.removeHopByHopHeaders(outReq.Header)
	outReq.Header.Del(LoFiOffHeader)
	outReq.Header.Del(requestopts.HeaderName)

	if clientIP := h.getClientIP(r); clientIP != "" {
		if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			outReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}

	return outReq
}

// copyHeaders copies headers from src to dst. The Chrome-Proxy response
// header is consumed here and not relayed.
func (h *Handler) copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) || key == requestopts.HeaderName {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// removeHopByHopHeaders removes hop-by-hop headers from the request.
func (h *Handler) removeHopByHopHeaders(header http.Header) {
	// Headers listed in Connection go first, before Connection itself.
	if conn := header.Get("Connection"); conn != "" {
		for _, h := range strings.Split(conn, ",") {
			header.Del(strings.TrimSpace(h))
		}
	}

	for _, hdr := range hopByHopHeadersList {
		header.Del(hdr)
	}
}

// isHopByHop returns true if the header is a hop-by-hop header.
func isHopByHop(header string) bool {
	return hopByHopHeaders[header]
}

// getClientIP extracts the client IP from the request.
func (h *Handler) getClientIP(r *http.Request) string {
	// Handle IPv6 addresses in brackets [::1]:port
	if strings.HasPrefix(r.RemoteAddr, "[") {
		if idx := strings.LastIndex(r.RemoteAddr, "]:"); idx != -1 {
			return r.RemoteAddr[1:idx]
		}
		return r.RemoteAddr
	}
	host, _, found := strings.Cut(r.RemoteAddr, ":")
	if found {
		return host
	}
	return r.RemoteAddr
}

// sendError sends an error response.
func (h *Handler) sendError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

// targetURL returns the absolute URL of a proxied request, or nil.
func targetURL(r *http.Request) *url.URL {
	u := *r.URL
	if !u.IsAbs() {
		u.Scheme = "http"
		u.Host = r.Host
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}
	return &u
}

// isMainFrame reports whether r looks like a page load.
func isMainFrame(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// readReplayableBody buffers small bodies so the request can be sent
// again on the next upstream. Larger bodies are streamed once.
func readReplayableBody(r *http.Request) ([]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true, nil
	}
	if r.ContentLength > MaxReplayableBodySize {
		return nil, false, nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, MaxReplayableBodySize+1))
	if err != nil {
		return nil, false, err
	}
	if len(buf) > MaxReplayableBodySize {
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
		return nil, false, nil
	}
	return buf, true, nil
}

// discard drains and closes a response that is not relayed.
func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
