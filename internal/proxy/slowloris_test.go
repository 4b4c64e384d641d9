package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// TestProxy_SlowlorisResistance checks that clients sending headers very
// slowly are cut off by the read timeout and hold no connection slots.
func TestProxy_SlowlorisResistance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slowloris test in short mode")
	}

	cfg := newTestConfig()
	cfg.Timeout = 2 * time.Second
	cfg.IdleTimeout = time.Second
	env := newTestEnv(t, cfg, nil)
	backend := newTestBackend(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	go env.server.Serve(l)
	defer env.server.Shutdown(context.Background())

	proxyAddr := l.Addr().String()

	const numSlowClients = 10
	var wg sync.WaitGroup
	for i := 0; i < numSlowClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			conn, err := net.DialTimeout("tcp", proxyAddr, 5*time.Second)
			if err != nil {
				t.Logf("client %d: dial failed: %v", id, err)
				return
			}
			defer conn.Close()

			fmt.Fprintf(conn, "GET %s HTTP/1.1\r\n", backend.URL)
			time.Sleep(200 * time.Millisecond)
			fmt.Fprintf(conn, "Host: localhost\r\n")
			time.Sleep(200 * time.Millisecond)
			fmt.Fprintf(conn, "X-Slow-Header: ")
			for j := 0; j < 5; j++ {
				time.Sleep(300 * time.Millisecond)
				fmt.Fprintf(conn, "x")
			}

			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
				t.Logf("client %d: read error (expected): %v", id, err)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Error("test timed out - possible goroutine leak")
	}

	time.Sleep(500 * time.Millisecond)
	if total := env.limiter.TotalCount(); total != 0 {
		t.Errorf("expected 0 active connections, got %d", total)
	}
}

// TestProxy_SlowResponse checks that a backend slower than the timeout does
// not hang the handler.
func TestProxy_SlowResponse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow response test in short mode")
	}

	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	defer close(release)

	env := newTestEnv(t, nil, nil)
	handler := NewHandler(env.server)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, backend.URL, nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	start := time.Now()
	handler.ServeHTTP(rr, req)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("handler did not give up, took %v", elapsed)
	}
	assertStatusCode(t, rr, http.StatusBadGateway)
	if env.limiter.TotalCount() != 0 {
		t.Errorf("expected the slot to be released, got %d", env.limiter.TotalCount())
	}
}

// TestProxy_ClientDisconnect checks that slots are released when the client
// goes away mid-request.
func TestProxy_ClientDisconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping client disconnect test in short mode")
	}

	backendReady := make(chan struct{})
	var once sync.Once
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(backendReady) })
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	env := newTestEnv(t, nil, nil)
	proxy, _ := env.startProxy(t)

	conn, err := net.DialTimeout("tcp", hostOf(proxy.URL), 5*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: localhost\r\n\r\n", backend.URL)

	select {
	case <-backendReady:
	case <-time.After(5 * time.Second):
		t.Fatal("backend didn't receive request")
	}
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.limiter.TotalCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if total := env.limiter.TotalCount(); total != 0 {
		t.Errorf("expected 0 active connections after disconnect, got %d", total)
	}
}
