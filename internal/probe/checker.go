// Package probe checks whether the network allows the secure proxy tier by
// fetching a probe URL directly, bypassing every proxy.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cr0hn/drpd/internal/logger"
	"github.com/cr0hn/drpd/internal/metrics"
)

var (
	// ErrRedirected is returned when the probe URL redirects.
	ErrRedirected = errors.New("probe redirected")
	// ErrInternetDisconnected is returned when the network is unreachable.
	ErrInternetDisconnected = errors.New("internet disconnected")
)

// Status is the outcome class of a fetch.
type Status int

const (
	// StatusSuccess means a response was received.
	StatusSuccess Status = iota
	// StatusFailed means no usable response was received.
	StatusFailed
	// StatusCanceled means the fetch was superseded or stopped.
	StatusCanceled
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Response is delivered to the callback when a probe completes.
type Response struct {
	Body     string
	Status   Status
	Err      error
	HTTPCode int
}

// Callback receives probe results.
type Callback func(Response)

// Config holds the checker configuration.
type Config struct {
	// Timeout bounds each attempt.
	Timeout time.Duration
	// RetryMax is the number of retries on 5xx and connection errors.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// MaxBodyBytes caps how much of the body is read.
	MaxBodyBytes int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		RetryMax:     5,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
		MaxBodyBytes: 64 * 1024,
	}
}

// Checker issues at most one probe at a time.
type Checker struct {
	client *retryablehttp.Client
	config Config

	mu         sync.Mutex
	cancel     context.CancelFunc
	generation uint64
	wg         sync.WaitGroup
}

// NewChecker creates a checker.
func NewChecker(cfg Config) *Checker {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	transport := &http.Transport{
		Proxy: nil, // the probe must never go through a proxy
		DialContext: (&net.Dialer{
			Timeout: cfg.Timeout,
		}).DialContext,
		DisableKeepAlives: true,
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return ErrRedirected
		},
	}
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.CheckRetry = checkRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = logger.With("component", "probe")

	return &Checker{client: client, config: cfg}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if errors.Is(err, ErrRedirected) {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// CheckIfSecureProxyIsAllowed fetches url in the background and delivers
// the result to cb. A new call supersedes the previous one: its fetch is
// canceled and its result dropped.
func (c *Checker) CheckIfSecureProxyIsAllowed(ctx context.Context, url string, cb Callback) {
	fetchCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.generation++
	gen := c.generation
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer cancel()

		resp := c.fetch(fetchCtx, url)

		c.mu.Lock()
		current := gen == c.generation
		if current {
			c.cancel = nil
		}
		c.mu.Unlock()

		if !current || resp.Status == StatusCanceled {
			logger.Debug("secure_proxy_check_dropped", "url", url, "superseded", !current)
			return
		}
		cb(resp)
	}()
}

// Stop cancels any fetch in flight and waits for it to finish. The
// callback of a stopped fetch is not called.
func (c *Checker) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.generation++
	c.mu.Unlock()
	c.wg.Wait()
}

// Wait blocks until no fetch is in flight.
func (c *Checker) Wait() {
	c.wg.Wait()
}

func (c *Checker) fetch(ctx context.Context, url string) Response {
	sourceID := logger.NewSourceID()
	logger.LogEventBegin("secure_proxy_check", sourceID, "url", url)

	start := time.Now()
	resp := c.do(ctx, url)
	elapsed := time.Since(start)

	if resp.Status != StatusCanceled {
		metrics.SecureProxyCheckLatency.Observe(elapsed.Seconds())
	}
	if resp.Err != nil && resp.Status == StatusFailed {
		metrics.SecureProxyCheckNetErrors.WithLabelValues(errorLabel(resp.Err)).Inc()
	}

	args := []any{"status", resp.Status.String(), "http_code", resp.HTTPCode, "duration_ms", elapsed.Milliseconds()}
	if resp.Err != nil {
		args = append(args, "error", resp.Err.Error())
	}
	logger.LogEventEnd("secure_proxy_check", sourceID, args...)
	return resp
}

func (c *Checker) do(ctx context.Context, url string) Response {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{Status: StatusFailed, Err: fmt.Errorf("creating probe request: %w", err)}
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	httpResp, err := c.client.Do(req)
	if err != nil {
		out := Response{Status: StatusFailed, Err: classify(err)}
		if ctx.Err() != nil {
			out.Status = StatusCanceled
		}
		if httpResp != nil {
			out.HTTPCode = httpResp.StatusCode
			httpResp.Body.Close()
		}
		return out
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, c.config.MaxBodyBytes))
	if err != nil {
		return Response{Status: StatusFailed, Err: classify(err), HTTPCode: httpResp.StatusCode}
	}
	return Response{
		Body:     string(body),
		Status:   StatusSuccess,
		HTTPCode: httpResp.StatusCode,
	}
}

// classify wraps unreachable-network errors with ErrInternetDisconnected.
func classify(err error) error {
	if errors.Is(err, syscall.ENETUNREACH) {
		return fmt.Errorf("%w: %v", ErrInternetDisconnected, err)
	}
	return err
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrInternetDisconnected):
		return "internet_disconnected"
	case errors.Is(err, ErrRedirected):
		return "redirected"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection_refused"
	default:
		return "other"
	}
}
