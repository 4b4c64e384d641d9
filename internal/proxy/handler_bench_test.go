package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cr0hn/drpd/internal/limiter"
	"github.com/cr0hn/drpd/internal/metrics"
	"github.com/cr0hn/drpd/internal/params"
	"github.com/cr0hn/drpd/internal/retry"
)

func newBenchServer(b *testing.B) *Server {
	b.Helper()
	cfg := newTestConfig()
	cfg.MaxConnsPerUpstream = 100000
	cfg.MaxConnsTotal = 1000000

	drp, _ := params.ParseProxyServer("https://proxy.example.com:443")
	return NewServer(cfg, Deps{
		Router:  &fakeRouter{},
		DRP:     newFakeDRP(drp),
		Headers: fakeHeaders{},
		Retry:   retry.NewTracker(retry.DefaultConfig(), nil),
		Limiter: limiter.New(cfg.MaxConnsPerUpstream, cfg.MaxConnsTotal),
		Stats:   metrics.NewStatsCollector(),
	})
}

func BenchmarkHandler_ServeHTTP(b *testing.B) {
	handler := NewHandler(newBenchServer(b))

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer backend.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, backend.URL, nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
	}
}

func BenchmarkHandler_ServeHTTP_Parallel(b *testing.B) {
	handler := NewHandler(newBenchServer(b))

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer backend.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			req := httptest.NewRequest(http.MethodGet, backend.URL, nil)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
		}
	})
}

func BenchmarkGenerateRequestID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = GenerateRequestID()
	}
}

func BenchmarkHandler_createOutgoingRequest(b *testing.B) {
	handler := NewHandler(newBenchServer(b))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/path", nil)
	req.Header.Set("X-Custom-Header", "value")
	req.Header.Set("Connection", "keep-alive")
	target := targetURL(req)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = handler.createOutgoingRequest(req, target, nil, true)
	}
}

func BenchmarkHandler_copyHeaders(b *testing.B) {
	handler := NewHandler(newBenchServer(b))

	src := http.Header{}
	for i := 0; i < 20; i++ {
		src.Add("X-Header-"+string(rune('A'+i)), "value")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst := http.Header{}
		handler.copyHeaders(dst, src)
	}
}

func BenchmarkServer_candidates(b *testing.B) {
	server := newBenchServer(b)
	list, _ := params.ParseProxyList([]string{"https://proxy.example.com:443", "http://compress.example.com:80", "direct://"})
	server.deps.Router = &fakeRouter{proxies: list}
	server.deps.Retry.MarkBad(list[0].URI(), 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = server.candidates(nil)
	}
}

func BenchmarkParseBypassDirective(b *testing.B) {
	h := http.Header{}
	h.Set("Chrome-Proxy", "ofcl=1234, bypass=30, block-once")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ParseBypassDirective(h)
	}
}
