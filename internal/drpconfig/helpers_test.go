package drpconfig

import (
	"context"
	"sync"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/cr0hn/drpd/internal/netquality"
	"github.com/cr0hn/drpd/internal/netwatch"
	"github.com/cr0hn/drpd/internal/params"
	"github.com/cr0hn/drpd/internal/probe"
)

type enableCall struct {
	restricted bool
	http       []params.ProxyServer
	https      []params.ProxyServer
}

type fakeConfigurator struct {
	mu       sync.Mutex
	enables  []enableCall
	disables int
	bypass   []string
}

func (f *fakeConfigurator) Enable(restricted bool, httpProxies, httpsProxies []params.ProxyServer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enables = append(f.enables, enableCall{restricted, httpProxies, httpsProxies})
}

func (f *fakeConfigurator) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disables++
}

func (f *fakeConfigurator) AddHostPatternToBypass(pattern string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bypass = append(f.bypass, pattern)
}

func (f *fakeConfigurator) lastEnable() (enableCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.enables) == 0 {
		return enableCall{}, false
	}
	return f.enables[len(f.enables)-1], true
}

func (f *fakeConfigurator) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enables), f.disables
}

// fakeChecker records probe requests; tests deliver results by hand.
type fakeChecker struct {
	mu   sync.Mutex
	urls []string
	cbs  []probe.Callback
}

func (f *fakeChecker) CheckIfSecureProxyIsAllowed(ctx context.Context, url string, cb probe.Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	f.cbs = append(f.cbs, cb)
}

func (f *fakeChecker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

func (f *fakeChecker) respond(r probe.Response) {
	f.mu.Lock()
	cb := f.cbs[len(f.cbs)-1]
	f.mu.Unlock()
	cb(r)
}

type fakeVPN struct{ active bool }

func (f *fakeVPN) IsVPNActive() bool { return f.active }

type fakeNetwork struct{ connType netwatch.ConnectionType }

func (f *fakeNetwork) ConnectionType() netwatch.ConnectionType { return f.connType }

type fakeEstimator struct {
	quality netquality.Quality
	ok      bool
	calls   int
}

func (f *fakeEstimator) Estimate() (netquality.Quality, bool) {
	f.calls++
	return f.quality, f.ok
}

func mustProxy(uri string) params.ProxyServer {
	p, err := params.ParseProxyServer(uri)
	if err != nil {
		panic(err)
	}
	return p
}

func int64Ptr(v int64) *int64 { return &v }

func durationPtr(d time.Duration) *time.Duration { return &d }

type fixture struct {
	config       *Config
	configurator *fakeConfigurator
	checker      *fakeChecker
	vpn          *fakeVPN
	network      *fakeNetwork
	clock        *testingclock.FakePassiveClock
	values       *params.StaticValues
	params       *params.Params
}

func newFixture(p *params.Params) *fixture {
	if p == nil {
		p = &params.Params{}
	}
	f := &fixture{
		configurator: &fakeConfigurator{},
		checker:      &fakeChecker{},
		vpn:          &fakeVPN{},
		network:      &fakeNetwork{connType: netwatch.ConnectionWiFi},
		clock:        testingclock.NewFakePassiveClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		params:       p,
		values: &params.StaticValues{
			HTTPProxies: []params.ProxyServer{
				mustProxy("https://secure.example.com:443"),
				mustProxy("http://fallback.example.com:80"),
			},
			HTTPSProxies: []params.ProxyServer{
				mustProxy("https://ssl.example.com:443"),
			},
			CheckURL:  "http://check.example.com/",
			IsAllowed: true,
			IsPromo:   true,
		},
	}
	f.config = New(Options{
		Values:       f.values,
		Params:       f.params,
		Configurator: f.configurator,
		Checker:      f.checker,
		VPN:          f.vpn,
		Network:      f.network,
		Clock:        f.clock,
	})
	return f
}
