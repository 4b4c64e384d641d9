// drpd - Go Demo
//
// Demonstrates how to use drpd as a forwarding proxy from Go using net/http,
// and how to read the daemon state from the metrics server.
//
// Usage:
//
//	go run basic_proxy.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"
)

// Configuration from environment variables
var (
	proxyHost   = getEnv("PROXY_HOST", "localhost")
	proxyPort   = getEnv("PROXY_PORT", "3128")
	metricsPort = getEnv("METRICS_PORT", "9090")
	proxyUser   = getEnv("PROXY_USER", "")
	proxyPass   = getEnv("PROXY_PASS", "")
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getProxyURL() *url.URL {
	u := &url.URL{Scheme: "http", Host: proxyHost + ":" + proxyPort}
	if proxyUser != "" {
		u.User = url.UserPassword(proxyUser, proxyPass)
	}
	return u
}

func newClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(getProxyURL()),
		},
		Timeout: timeout,
	}
}

// daemonStatus is the part of /status the demo prints.
type daemonStatus struct {
	Ready  bool `json:"ready"`
	Status struct {
		Version string `json:"version"`
		Proxy   struct {
			EnabledByUser      bool     `json:"enabled_by_user"`
			SecureProxyAllowed bool     `json:"secure_proxy_allowed"`
			DisabledOnVPN      bool     `json:"disabled_on_vpn"`
			LoFiStatus         string   `json:"lofi_status"`
			ConnectionType     string   `json:"connection_type"`
			ProxiesForHTTP     []string `json:"proxies_for_http"`
		} `json:"proxy"`
		ConfigService struct {
			State       string    `json:"state"`
			NextRefresh time.Time `json:"next_refresh"`
		} `json:"config_service"`
	} `json:"status"`
}

func printSeparator(title string) {
	fmt.Println("============================================================")
	fmt.Println(title)
	fmt.Println("============================================================")
}

func fetch(client *http.Client, req *http.Request) {
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n\n", err)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	fmt.Printf("Status: %d\n", resp.StatusCode)
	if via := resp.Header.Get("Via"); via != "" {
		fmt.Printf("Via: %s\n", via)
	}
	fmt.Printf("Response: %s\n\n", body)
}

// Example 1: Daemon status
func exampleStatus() {
	printSeparator("Example 1: Daemon status")

	resp, err := http.Get(fmt.Sprintf("http://%s:%s/status", proxyHost, metricsPort))
	if err != nil {
		fmt.Printf("Error: %v\n\n", err)
		return
	}
	defer resp.Body.Close()

	var s daemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		fmt.Printf("Error decoding status: %v\n\n", err)
		return
	}
	p := s.Status.Proxy
	fmt.Printf("Version:          %s\n", s.Status.Version)
	fmt.Printf("Ready:            %v\n", s.Ready)
	fmt.Printf("Enabled:          %v\n", p.EnabledByUser)
	fmt.Printf("Secure proxy:     %v\n", p.SecureProxyAllowed)
	fmt.Printf("Disabled on VPN:  %v\n", p.DisabledOnVPN)
	fmt.Printf("Lo-Fi:            %s\n", p.LoFiStatus)
	fmt.Printf("Connection:       %s\n", p.ConnectionType)
	fmt.Printf("HTTP proxies:     %v\n", p.ProxiesForHTTP)
	fmt.Printf("Config service:   %s (next refresh %s)\n\n",
		s.Status.ConfigService.State, s.Status.ConfigService.NextRefresh.Format(time.RFC3339))
}

// Example 2: Plain HTTP goes through the data reduction proxy
func exampleHTTPRequest() {
	printSeparator("Example 2: HTTP request")
	req, _ := http.NewRequest(http.MethodGet, "http://httpbin.org/headers", nil)
	fetch(newClient(10*time.Second), req)
}

// Example 3: Main frame request, which drives the Lo-Fi decision
func exampleMainFrame() {
	printSeparator("Example 3: Main frame request")
	req, _ := http.NewRequest(http.MethodGet, "http://httpbin.org/html", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	fetch(newClient(10*time.Second), req)
}

// Example 4: Lo-Fi opt-out for a single page
func exampleLoFiOptOut() {
	printSeparator("Example 4: Lo-Fi opt-out")
	req, _ := http.NewRequest(http.MethodGet, "http://httpbin.org/html", nil)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("X-Data-Saver-Lofi-Off", "1")
	fetch(newClient(10*time.Second), req)
}

// Example 5: HTTPS is tunneled with CONNECT
func exampleHTTPSRequest() {
	printSeparator("Example 5: HTTPS request (CONNECT tunnel)")
	req, _ := http.NewRequest(http.MethodGet, "https://httpbin.org/ip", nil)
	fetch(newClient(10*time.Second), req)
}

// Example 6: Concurrent requests
func exampleConcurrentRequests() {
	printSeparator("Example 6: Concurrent requests")

	const numRequests = 10
	client := newClient(10 * time.Second)

	var mu sync.Mutex
	statuses := make(map[int]int)
	var wg sync.WaitGroup
	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get("http://httpbin.org/get")
			code := 0
			if err == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				code = resp.StatusCode
			}
			mu.Lock()
			statuses[code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for code, n := range statuses {
		if code == 0 {
			fmt.Printf("  errors: %d\n", n)
			continue
		}
		fmt.Printf("  %d: %d requests\n", code, n)
	}
	fmt.Println()
}

// Example 7: Context with cancellation
func exampleContextCancellation() {
	printSeparator("Example 7: Context with cancellation")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://httpbin.org/delay/5", nil)
	_, err := newClient(0).Do(req)
	if err != nil {
		fmt.Printf("Canceled (expected): %v\n\n", err)
		return
	}
	fmt.Println("Request completed before the deadline")
	fmt.Println()
}

func main() {
	fmt.Println()
	fmt.Println("drpd - Go Demo")
	fmt.Printf("Proxy: %s\n", getProxyURL().Redacted())
	fmt.Println()

	exampleStatus()
	exampleHTTPRequest()
	exampleMainFrame()
	exampleLoFiOptOut()
	exampleHTTPSRequest()
	exampleConcurrentRequests()
	exampleContextCancellation()

	fmt.Println("All examples completed!")
}
