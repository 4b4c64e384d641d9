package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/cr0hn/drpd/internal/config"
	"github.com/cr0hn/drpd/internal/configurator"
	"github.com/cr0hn/drpd/internal/drpconfig"
	"github.com/cr0hn/drpd/internal/limiter"
	"github.com/cr0hn/drpd/internal/logger"
	"github.com/cr0hn/drpd/internal/metrics"
	"github.com/cr0hn/drpd/internal/params"
	"github.com/cr0hn/drpd/internal/retry"
)

// Router picks the ordered upstream list for a URL.
type Router interface {
	ProxiesFor(u *url.URL) []params.ProxyServer
	Rules() configurator.ProxyRules
}

// DataReductionProxy answers questions about the data reduction proxy
// configuration.
type DataReductionProxy interface {
	IsDataReductionProxy(hostPort params.HostPortPair) (drpconfig.TypeInfo, bool)
	IsBypassedByLocalRules(rules configurator.ProxyRules, scheme, host string) bool
	AreProxiesBypassed(retryMap retry.Map, rules configurator.ProxyRules, isHTTPS bool) (time.Duration, bool)
	ShouldUseLoFiHeaderForRequests() bool
	UpdateLoFiStatusOnMainFrameRequest(userDisabled bool, estimator drpconfig.NetworkQualityEstimator)
}

// HeaderAdder sets the Chrome-Proxy request header.
type HeaderAdder interface {
	AddRequestHeader(h http.Header, lofi bool)
}

// AuthRetrier reacts to proxy authentication failures.
type AuthRetrier interface {
	ShouldRetryDueToAuthFailure(resp *http.Response, proxy params.HostPortPair) bool
}

// QualityEstimator is fed with request timings and answers Lo-Fi queries.
type QualityEstimator interface {
	drpconfig.NetworkQualityEstimator
	AddRTTSample(rtt time.Duration)
	AddThroughputSample(bytes int64, elapsed time.Duration)
}

// Deps are the collaborators of the proxy server. Auth and Quality may be nil.
type Deps struct {
	Router  Router
	DRP     DataReductionProxy
	Headers HeaderAdder
	Auth    AuthRetrier
	Retry   *retry.Tracker
	Limiter *limiter.Limiter
	Quality QualityEstimator
	Stats   *metrics.StatsCollector
}

// Server is the local forwarding proxy.
type Server struct {
	cfg            *config.Config
	deps           Deps
	httpServer     *http.Server
	transportPool  *TransportPool
	dialer         *Dialer
	handler        *Handler
	connectHandler *ConnectHandler
}

// NewServer creates a new proxy server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	return NewServerWithTransport(cfg, deps, TransportConfigFrom(cfg))
}

// NewServerWithTransport creates a proxy server with explicit transport tuning.
func NewServerWithTransport(cfg *config.Config, deps Deps, tc TransportConfig) *Server {
	if deps.Stats == nil {
		deps.Stats = metrics.NewStatsCollector()
	}
	if deps.Limiter == nil {
		deps.Limiter = limiter.New(cfg.MaxConnsPerUpstream, cfg.MaxConnsTotal)
	}
	if deps.Retry == nil {
		deps.Retry = retry.NewTracker(retry.DefaultConfig(), nil)
	}

	s := &Server{
		cfg:           cfg,
		deps:          deps,
		transportPool: NewTransportPool(tc),
		dialer:        NewDialer(tc),
	}
	s.handler = NewHandler(s)
	s.connectHandler = NewConnectHandler(s)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.handler,
		ReadTimeout: cfg.Timeout,
		IdleTimeout: cfg.IdleTimeout,
	}

	return s
}

// Handler returns the HTTP handler serving proxy requests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the proxy server.
func (s *Server) Start() error {
	logger.Info("starting proxy server",
		"port", s.cfg.Port,
		"auth_enabled", s.cfg.Auth != "",
	)
	return s.httpServer.ListenAndServe()
}

// Serve serves proxy requests on l.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("shutting down proxy server")
	s.transportPool.Close()
	return s.httpServer.Shutdown(ctx)
}

// authenticate checks if the request is authenticated.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) bool {
	username, password, ok := s.cfg.GetAuthCredentials()
	if !ok {
		return true
	}

	reqUser, reqPass, ok := parseProxyAuthorization(r.Header.Get("Proxy-Authorization"))
	if !ok {
		s.sendProxyAuthRequired(w)
		metrics.AuthFailures.Inc()
		return false
	}

	// Constant-time comparison against timing attacks.
	userMatch := subtle.ConstantTimeCompare([]byte(reqUser), []byte(username)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(reqPass), []byte(password)) == 1
	if !userMatch || !passMatch {
		logger.Warn("authentication failed", "user", reqUser, "remote", r.RemoteAddr)
		s.sendProxyAuthRequired(w)
		metrics.AuthFailures.Inc()
		return false
	}

	return true
}

func parseProxyAuthorization(auth string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(auth, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	return user, pass, ok
}

// sendProxyAuthRequired sends a 407 Proxy Authentication Required response.
func (s *Server) sendProxyAuthRequired(w http.ResponseWriter) {
	w.Header().Set("Proxy-Authenticate", `Basic realm="Proxy"`)
	http.Error(w, "Proxy Authentication Required", http.StatusProxyAuthRequired)
}

// candidates returns the upstreams for u with proxies inside their retry
// window moved to the end, so a fully bad list is still tried. When every
// data reduction proxy for the scheme is bypassed they all go after the
// direct route.
func (s *Server) candidates(u *url.URL) []params.ProxyServer {
	var list []params.ProxyServer
	if s.deps.Router != nil {
		list = s.deps.Router.ProxiesFor(u)
	}
	if len(list) == 0 {
		return []params.ProxyServer{params.Direct()}
	}

	if delay, ok := s.proxiesBypassed(u); ok {
		out := make([]params.ProxyServer, 0, len(list)+1)
		var drps []params.ProxyServer
		for _, p := range list {
			if s.isDataReductionProxy(p) {
				drps = append(drps, p)
				continue
			}
			out = append(out, p)
		}
		if !slices.ContainsFunc(out, params.ProxyServer.IsDirect) {
			out = append(out, params.Direct())
		}
		logger.Debug("data_reduction_proxies_bypassed", "host", u.Host, "retry_in", delay)
		return append(out, drps...)
	}

	good := make([]params.ProxyServer, 0, len(list))
	var bad []params.ProxyServer
	for _, p := range list {
		if !p.IsDirect() && s.deps.Retry.IsBad(p.URI()) {
			bad = append(bad, p)
			continue
		}
		good = append(good, p)
	}
	return append(good, bad...)
}

// proxiesBypassed reports whether every data reduction proxy for u's
// scheme is in the retry map, and the shortest remaining delay.
func (s *Server) proxiesBypassed(u *url.URL) (time.Duration, bool) {
	if u == nil || s.deps.Router == nil || s.deps.DRP == nil {
		return 0, false
	}
	return s.deps.DRP.AreProxiesBypassed(s.deps.Retry.Snapshot(), s.deps.Router.Rules(), u.Scheme == "https")
}

// bypassedByLocalRules reports whether the proxy rules send u anywhere but
// a data reduction proxy.
func (s *Server) bypassedByLocalRules(u *url.URL) bool {
	if u == nil || s.deps.Router == nil || s.deps.DRP == nil {
		return true
	}
	return s.deps.DRP.IsBypassedByLocalRules(s.deps.Router.Rules(), u.Scheme, u.Host)
}

// estimator returns the quality estimator, or nil when none is wired.
func (s *Server) estimator() drpconfig.NetworkQualityEstimator {
	if s.deps.Quality == nil {
		return nil
	}
	return s.deps.Quality
}

// isDataReductionProxy reports whether upstream is one of ours.
func (s *Server) isDataReductionProxy(upstream params.ProxyServer) bool {
	if upstream.IsDirect() || s.deps.DRP == nil {
		return false
	}
	_, ok := s.deps.DRP.IsDataReductionProxy(upstream.HostPortPair())
	return ok
}

// upstreamType is the metrics label for a request to target served by
// upstream. Direct requests the rules would have sent through a data
// reduction proxy are labelled "bypassed".
func (s *Server) upstreamType(target *url.URL, upstream params.ProxyServer) string {
	switch {
	case upstream.IsDirect():
		if s.bypassedByLocalRules(target) {
			return "direct"
		}
		return "bypassed"
	case s.isDataReductionProxy(upstream):
		return "drp"
	default:
		return "proxy"
	}
}

// addProxyHeader sets the Chrome-Proxy header when upstream is a data
// reduction proxy.
func (s *Server) addProxyHeader(h http.Header, upstream params.ProxyServer) {
	if s.deps.Headers == nil || !s.isDataReductionProxy(upstream) {
		return
	}
	s.deps.Headers.AddRequestHeader(h, s.deps.DRP.ShouldUseLoFiHeaderForRequests())
}

// markBad applies a bypass directive or failure to the retry tracker.
func (s *Server) markBad(upstream params.ProxyServer, delay time.Duration, reason string) {
	if upstream.IsDirect() {
		return
	}
	s.deps.Retry.MarkBad(upstream.URI(), delay)
	metrics.ProxyBypasses.WithLabelValues(reason).Inc()
	logger.Debug("proxy_marked_bad", "proxy", upstream.URI(), "reason", reason, "delay", delay)
}

// recordFailure counts a transport failure against upstream.
func (s *Server) recordFailure(upstream params.ProxyServer) {
	if upstream.IsDirect() {
		return
	}
	if s.deps.Retry.RecordFailure(upstream.URI()) {
		metrics.ProxyBypasses.WithLabelValues("error").Inc()
		logger.Debug("proxy_marked_bad", "proxy", upstream.URI(), "reason", "error")
	}
}

// shouldRetryAuth lets the config service react to a response from a data
// reduction proxy.
func (s *Server) shouldRetryAuth(resp *http.Response, upstream params.ProxyServer) bool {
	if s.deps.Auth == nil || !s.isDataReductionProxy(upstream) {
		return false
	}
	return s.deps.Auth.ShouldRetryDueToAuthFailure(resp, upstream.HostPortPair())
}

// ConnectionContext holds information about an acquired connection.
type ConnectionContext struct {
	Upstream  params.ProxyServer
	Host      string
	RequestID string
	release   func()
}

// Release releases the connection resources. Must be called when done.
func (c *ConnectionContext) Release() {
	if c.release != nil {
		c.release()
		c.release = nil
	}
}

// AcquireConnection acquires a connection slot for upstream.
// Returns a ConnectionContext that must be released when done.
func (s *Server) AcquireConnection(upstream params.ProxyServer, host, requestID string) (*ConnectionContext, error) {
	key := upstream.URI()
	logger.Trace("connection_acquire_start", "request_id", requestID, "host", host, "upstream", key)

	if err := s.deps.Limiter.Acquire(key); err != nil {
		logger.Trace("connection_acquire_failed", "request_id", requestID, "upstream", key, "error", err)
		return nil, err
	}
	logger.Trace("connection_acquired", "request_id", requestID, "upstream", key)

	s.deps.Stats.IncActiveConnections()
	s.deps.Stats.IncConnectionsForUpstream(key)
	s.deps.Stats.IncRequestsForUpstream(key)

	return &ConnectionContext{
		Upstream:  upstream,
		Host:      host,
		RequestID: requestID,
		release: func() {
			s.deps.Limiter.Release(key)
			s.deps.Stats.DecActiveConnections()
			s.deps.Stats.DecConnectionsForUpstream(key)
		},
	}, nil
}

// rejectLimit records a limiter rejection.
func (s *Server) rejectLimit(upstream params.ProxyServer, err error) {
	limitType := "per_upstream"
	limit := s.cfg.MaxConnsPerUpstream
	current := int(s.deps.Limiter.UpstreamCount(upstream.URI()))
	if errors.Is(err, limiter.ErrTotalLimitReached) {
		limitType = "total"
		limit = s.cfg.MaxConnsTotal
		current = int(s.deps.Limiter.TotalCount())
	}
	metrics.LimitRejections.WithLabelValues(limitType).Inc()
	logger.LogConnectionLimit(limitType, upstream.URI(), current, limit)
}

// WaitForConnections waits for active connections to complete.
func (s *Server) WaitForConnections(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if s.deps.Limiter.TotalCount() == 0 {
			logger.Info("all connections closed")
			return
		}
		if time.Now().After(deadline) {
			logger.Warn("timeout waiting for connections",
				"active", s.deps.Limiter.TotalCount(),
			)
			return
		}
	}
}
