package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsHopByHop(t *testing.T) {
	tests := []struct {
		header   string
		expected bool
	}{
		{"Connection", true},
		{"Keep-Alive", true},
		{"Proxy-Authenticate", true},
		{"Proxy-Authorization", true},
		{"Proxy-Connection", true},
		{"Te", true},
		{"Trailer", true},
		{"Transfer-Encoding", true},
		{"Upgrade", true},
		{"Content-Type", false},
		{"Chrome-Proxy", false},
		{"X-Custom", false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			if got := isHopByHop(tt.header); got != tt.expected {
				t.Errorf("isHopByHop(%s) = %v, want %v", tt.header, got, tt.expected)
			}
		})
	}
}

func TestHandler_removeHopByHopHeaders(t *testing.T) {
	h := NewHandler(newTestEnv(t, nil, nil).server)

	header := http.Header{}
	header.Set("Connection", "X-Private, Keep-Alive")
	header.Set("X-Private", "secret")
	header.Set("Keep-Alive", "timeout=5")
	header.Set("Proxy-Authorization", "Basic abc")
	header.Set("Content-Type", "text/plain")

	h.removeHopByHopHeaders(header)

	for _, name := range []string{"Connection", "X-Private", "Keep-Alive", "Proxy-Authorization"} {
		if header.Get(name) != "" {
			t.Errorf("expected %s to be removed", name)
		}
	}
	if header.Get("Content-Type") != "text/plain" {
		t.Error("expected Content-Type to be kept")
	}
}

func TestHandler_copyHeaders(t *testing.T) {
	h := NewHandler(newTestEnv(t, nil, nil).server)

	src := http.Header{}
	src.Add("Content-Type", "text/html")
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Chrome-Proxy", "bypass=30")

	dst := http.Header{}
	h.copyHeaders(dst, src)

	if dst.Get("Content-Type") != "text/html" {
		t.Error("expected Content-Type to be copied")
	}
	if len(dst.Values("Set-Cookie")) != 2 {
		t.Errorf("expected 2 Set-Cookie values, got %d", len(dst.Values("Set-Cookie")))
	}
	if dst.Get("Transfer-Encoding") != "" {
		t.Error("expected hop-by-hop header to be skipped")
	}
	if dst.Get("Chrome-Proxy") != "" {
		t.Error("expected Chrome-Proxy to be consumed")
	}
}

func TestHandler_getClientIP(t *testing.T) {
	h := NewHandler(newTestEnv(t, nil, nil).server)

	tests := []struct {
		remote   string
		expected string
	}{
		{"192.168.1.10:5555", "192.168.1.10"},
		{"[::1]:8080", "::1"},
		{"[fe80::1]", "[fe80::1]"},
		{"10.0.0.1", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
			r.RemoteAddr = tt.remote
			if got := h.getClientIP(r); got != tt.expected {
				t.Errorf("getClientIP(%s) = %s, want %s", tt.remote, got, tt.expected)
			}
		})
	}
}

func TestHandler_createOutgoingRequest(t *testing.T) {
	h := NewHandler(newTestEnv(t, nil, nil).server)

	r := httptest.NewRequest(http.MethodPost, "http://example.com/upload?x=1", nil)
	r.RemoteAddr = "10.1.2.3:4000"
	r.Header.Set("X-Forwarded-For", "172.16.0.1")
	r.Header.Set("Proxy-Authorization", "Basic abc")
	r.Header.Set(LoFiOffHeader, "1")
	r.Header.Set("Chrome-Proxy", "forged")
	r.Header.Set("Accept", "text/html")

	target := targetURL(r)
	out := h.createOutgoingRequest(r, target, []byte("payload"), true)

	if out.RequestURI != "" {
		t.Errorf("expected empty RequestURI, got %q", out.RequestURI)
	}
	if out.Host != "example.com" || out.URL.String() != "http://example.com/upload?x=1" {
		t.Errorf("unexpected target %s (host %s)", out.URL, out.Host)
	}
	if got := out.Header.Get("X-Forwarded-For"); got != "172.16.0.1, 10.1.2.3" {
		t.Errorf("unexpected X-Forwarded-For %q", got)
	}
	for _, name := range []string{"Proxy-Authorization", LoFiOffHeader, "Chrome-Proxy"} {
		if out.Header.Get(name) != "" {
			t.Errorf("expected %s to be stripped", name)
		}
	}
	if out.Header.Get("Accept") != "text/html" {
		t.Error("expected end-to-end headers to be kept")
	}
	if out.ContentLength != int64(len("payload")) {
		t.Errorf("expected content length %d, got %d", len("payload"), out.ContentLength)
	}
	body, _ := io.ReadAll(out.Body)
	if string(body) != "payload" {
		t.Errorf("expected replayed body, got %q", body)
	}

	// The body can be produced again for the next upstream.
	again := h.createOutgoingRequest(r, target, []byte("payload"), true)
	body, _ = io.ReadAll(again.Body)
	if string(body) != "payload" {
		t.Errorf("expected body on second attempt, got %q", body)
	}
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		host     string
		expected string
	}{
		{"absolute", "http://example.com/a?b=c", "", "http://example.com/a?b=c"},
		{"origin form", "/path", "example.org", "http://example.org/path"},
		{"https absolute", "https://secure.example.com/", "", "https://secure.example.com/"},
		{"unsupported scheme", "ftp://example.com/file", "", ""},
		{"missing host", "/path", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if strings.HasPrefix(tt.url, "/") {
				r.Host = tt.host
			}

			got := targetURL(r)
			if tt.expected == "" {
				if got != nil {
					t.Errorf("expected nil, got %s", got)
				}
				return
			}
			if got == nil || got.String() != tt.expected {
				t.Errorf("targetURL() = %v, want %s", got, tt.expected)
			}
		})
	}
}

func TestIsMainFrame(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		accept   string
		expected bool
	}{
		{"page load", http.MethodGet, "text/html,application/xhtml+xml", true},
		{"image", http.MethodGet, "image/webp,*/*", false},
		{"form post", http.MethodPost, "text/html", false},
		{"no accept", http.MethodGet, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "http://example.com/", nil)
			if tt.accept != "" {
				r.Header.Set("Accept", tt.accept)
			}
			if got := isMainFrame(r); got != tt.expected {
				t.Errorf("isMainFrame() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestReadReplayableBody(t *testing.T) {
	t.Run("no body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
		body, replayable, err := readReplayableBody(r)
		assertNoError(t, err)
		if !replayable || len(body) != 0 {
			t.Errorf("expected empty replayable body, got %d bytes replayable=%v", len(body), replayable)
		}
	})

	t.Run("small body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "http://example.com/", strings.NewReader("hello"))
		body, replayable, err := readReplayableBody(r)
		assertNoError(t, err)
		if !replayable || string(body) != "hello" {
			t.Errorf("expected replayable body, got %q replayable=%v", body, replayable)
		}
	})

	t.Run("large body streams once", func(t *testing.T) {
		payload := bytes.Repeat([]byte("x"), MaxReplayableBodySize+10)
		r := httptest.NewRequest(http.MethodPost, "http://example.com/", bytes.NewReader(payload))
		r.ContentLength = -1

		body, replayable, err := readReplayableBody(r)
		assertNoError(t, err)
		if replayable || body != nil {
			t.Fatal("expected a non-replayable body")
		}
		rest, _ := io.ReadAll(r.Body)
		if len(rest) != len(payload) {
			t.Errorf("expected the full body to remain readable, got %d bytes", len(rest))
		}
	})

	t.Run("declared large body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "http://example.com/", strings.NewReader("x"))
		r.ContentLength = MaxReplayableBodySize + 1
		_, replayable, err := readReplayableBody(r)
		assertNoError(t, err)
		if replayable {
			t.Error("expected declared large body to be streamed")
		}
	})
}

func TestHandler_InvalidURL(t *testing.T) {
	h := NewHandler(newTestEnv(t, nil, nil).server)

	r := httptest.NewRequest(http.MethodGet, "ftp://example.com/file", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)

	assertStatusCode(t, rr, http.StatusBadRequest)
}
