package proxy

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cr0hn/drpd/internal/config"
	"github.com/cr0hn/drpd/internal/configurator"
	"github.com/cr0hn/drpd/internal/drpconfig"
	"github.com/cr0hn/drpd/internal/limiter"
	"github.com/cr0hn/drpd/internal/metrics"
	"github.com/cr0hn/drpd/internal/netquality"
	"github.com/cr0hn/drpd/internal/params"
	"github.com/cr0hn/drpd/internal/retry"
)

// fakeRouter returns a fixed upstream list.
type fakeRouter struct {
	mu      sync.Mutex
	proxies []params.ProxyServer
}

func (r *fakeRouter) ProxiesFor(*url.URL) []params.ProxyServer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.proxies)
}

func (r *fakeRouter) Rules() configurator.ProxyRules {
	r.mu.Lock()
	defer r.mu.Unlock()
	return configurator.ProxyRules{
		Type:            configurator.RulesPerScheme,
		ProxiesForHTTP:  slices.Clone(r.proxies),
		ProxiesForHTTPS: slices.Clone(r.proxies),
	}
}

// fakeDRP treats every registered host:port as a data reduction proxy.
// The rules count as bypassed when every registered proxy in the list is in
// the retry map.
type fakeDRP struct {
	mu           sync.Mutex
	drps         map[string]bool
	lofi         bool
	mainFrames   int
	userDisabled bool
}

func newFakeDRP(proxies ...params.ProxyServer) *fakeDRP {
	d := &fakeDRP{drps: make(map[string]bool)}
	for _, p := range proxies {
		d.drps[p.HostPortPair().String()] = true
	}
	return d
}

func (d *fakeDRP) IsDataReductionProxy(hp params.HostPortPair) (drpconfig.TypeInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.drps[hp.String()] {
		return drpconfig.TypeInfo{}, false
	}
	return drpconfig.TypeInfo{}, true
}

func (d *fakeDRP) IsBypassedByLocalRules(rules configurator.ProxyRules, scheme, _ string) bool {
	list := rules.MapURLSchemeToProxyList(scheme)
	if len(list) == 0 || list[0].IsDirect() {
		return true
	}
	_, ok := d.IsDataReductionProxy(list[0].HostPortPair())
	return !ok
}

func (d *fakeDRP) AreProxiesBypassed(retryMap retry.Map, rules configurator.ProxyRules, isHTTPS bool) (time.Duration, bool) {
	scheme := "http"
	if isHTTPS {
		scheme = "https"
	}
	var minDelay time.Duration
	bypassed := false
	for _, p := range rules.MapURLSchemeToProxyList(scheme) {
		if _, ok := d.IsDataReductionProxy(p.HostPortPair()); !ok || p.IsDirect() {
			continue
		}
		info, ok := retryMap[p.URI()]
		if !ok || info.BadUntil.Before(time.Now()) {
			return 0, false
		}
		if !bypassed || info.CurrentDelay < minDelay {
			minDelay = info.CurrentDelay
		}
		bypassed = true
	}
	return minDelay, bypassed
}

func (d *fakeDRP) ShouldUseLoFiHeaderForRequests() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lofi
}

func (d *fakeDRP) UpdateLoFiStatusOnMainFrameRequest(userDisabled bool, _ drpconfig.NetworkQualityEstimator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mainFrames++
	d.userDisabled = userDisabled
}

// fakeHeaders writes a fixed Chrome-Proxy value.
type fakeHeaders struct{}

func (fakeHeaders) AddRequestHeader(h http.Header, lofi bool) {
	v := "ps=1-2-3-4, sid=test"
	if lofi {
		v += ", q=low"
	}
	h.Set("Chrome-Proxy", v)
}

// fakeAuth asks for a retry on every 407.
type fakeAuth struct {
	calls atomic.Int32
}

func (a *fakeAuth) ShouldRetryDueToAuthFailure(resp *http.Response, _ params.HostPortPair) bool {
	if resp == nil || resp.StatusCode != http.StatusProxyAuthRequired {
		return false
	}
	a.calls.Add(1)
	return true
}

// fakeEstimator counts samples.
type fakeEstimator struct {
	rtts        atomic.Int32
	throughputs atomic.Int32
}

func (e *fakeEstimator) Estimate() (netquality.Quality, bool) {
	return netquality.Quality{RTT: netquality.InvalidRTT}, false
}

func (e *fakeEstimator) AddRTTSample(time.Duration) { e.rtts.Add(1) }

func (e *fakeEstimator) AddThroughputSample(int64, time.Duration) { e.throughputs.Add(1) }

// testEnv bundles a proxy server with its fakes.
type testEnv struct {
	server    *Server
	router    *fakeRouter
	drp       *fakeDRP
	auth      *fakeAuth
	estimator *fakeEstimator
	tracker   *retry.Tracker
	limiter   *limiter.Limiter
	stats     *metrics.StatsCollector
}

// newTestConfig returns a config suited for tests.
func newTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Port = 0
	cfg.MetricsPort = 0
	cfg.Timeout = 5 * time.Second
	cfg.IdleTimeout = 5 * time.Second
	cfg.LogLevel = "error"
	return cfg
}

// newTestEnv creates a server routing through upstreams. DRPs lists the
// upstreams that count as data reduction proxies.
func newTestEnv(t *testing.T, cfg *config.Config, upstreams []params.ProxyServer, drps ...params.ProxyServer) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = newTestConfig()
	}
	env := &testEnv{
		router:    &fakeRouter{proxies: upstreams},
		drp:       newFakeDRP(drps...),
		auth:      &fakeAuth{},
		estimator: &fakeEstimator{},
		tracker:   retry.NewTracker(retry.Config{FailureThreshold: 1, DefaultDelay: time.Minute}, nil),
		limiter:   limiter.New(cfg.MaxConnsPerUpstream, cfg.MaxConnsTotal),
		stats:     metrics.NewStatsCollector(),
	}
	env.server = NewServer(cfg, Deps{
		Router:  env.router,
		DRP:     env.drp,
		Headers: fakeHeaders{},
		Auth:    env.auth,
		Retry:   env.tracker,
		Limiter: env.limiter,
		Quality: env.estimator,
		Stats:   env.stats,
	})
	return env
}

// startProxy serves the proxy on a local listener and returns a client
// that uses it.
func (e *testEnv) startProxy(t *testing.T) (*httptest.Server, *http.Client) {
	t.Helper()
	ts := httptest.NewServer(e.server.Handler())
	t.Cleanup(ts.Close)

	proxyURL, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("failed to parse proxy URL: %v", err)
	}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   10 * time.Second,
	}
	t.Cleanup(client.CloseIdleConnections)
	return ts, client
}

// upstreamProxy is a fake HTTP proxy. Plain requests are answered by
// respond; CONNECT requests are tunneled to their target unless respond
// writes a non-200 status.
type upstreamProxy struct {
	*httptest.Server
	proxy   params.ProxyServer
	hits    atomic.Int32
	mu      sync.Mutex
	headers []http.Header
	respond func(n int, w http.ResponseWriter, r *http.Request) bool
}

func newUpstreamProxy(t *testing.T, respond func(n int, w http.ResponseWriter, r *http.Request) bool) *upstreamProxy {
	t.Helper()
	up := &upstreamProxy{respond: respond}
	up.Server = httptest.NewServer(http.HandlerFunc(up.serveHTTP))
	t.Cleanup(up.Close)

	p, err := params.ParseProxyServer(up.URL)
	if err != nil {
		t.Fatalf("failed to parse upstream proxy: %v", err)
	}
	up.proxy = p
	return up
}

func (up *upstreamProxy) serveHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(up.hits.Add(1))
	up.mu.Lock()
	up.headers = append(up.headers, r.Header.Clone())
	up.mu.Unlock()

	if up.respond != nil && up.respond(n, w, r) {
		return
	}

	if r.Method != http.MethodConnect {
		w.Header().Set("X-Via", "upstream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "from upstream")
		return
	}

	target, err := net.Dial("tcp", r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		target.Close()
		return
	}
	conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	go func() {
		io.Copy(target, conn)
		target.Close()
	}()
	io.Copy(conn, target)
	conn.Close()
}

// lastHeader returns the headers of the most recent request.
func (up *upstreamProxy) lastHeader() http.Header {
	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.headers) == 0 {
		return nil
	}
	return up.headers[len(up.headers)-1]
}

// deadProxy returns an upstream nobody listens on.
func deadProxy(t *testing.T) params.ProxyServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	p, err := params.ParseProxyServer("http://" + addr)
	if err != nil {
		t.Fatalf("failed to parse proxy: %v", err)
	}
	return p
}

// newTestBackend creates a simple test HTTP backend.
func newTestBackend(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Via", "backend")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	t.Cleanup(ts.Close)
	return ts
}

// newEchoServer accepts TCP connections and echoes what it reads.
func newEchoServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return l.Addr().String()
}

// connectThrough opens a CONNECT tunnel to target through proxyAddr.
func connectThrough(t *testing.T, proxyAddr, target string) (net.Conn, *bufio.Reader, int) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", proxyAddr, 5*time.Second)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n"); err != nil {
		t.Fatalf("failed to write CONNECT: %v", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("failed to read CONNECT response: %v", err)
	}
	return conn, br, resp.StatusCode
}

// hostOf strips the scheme from a test server URL.
func hostOf(rawURL string) string {
	return strings.TrimPrefix(rawURL, "http://")
}

// assertStatusCode checks that the response has the expected status code.
func assertStatusCode(t *testing.T, rr *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if rr.Code != expected {
		t.Errorf("expected status %d, got %d", expected, rr.Code)
	}
}

// assertNoError checks that an error is nil.
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
