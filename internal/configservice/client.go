// Package configservice keeps the proxy config fresh: it fetches the remote
// client config (or synthesises a local one), applies it, persists it and
// schedules the next refresh with exponential backoff.
package configservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"k8s.io/utils/clock"

	"github.com/cr0hn/drpd/internal/backoff"
	"github.com/cr0hn/drpd/internal/clientconfig"
	"github.com/cr0hn/drpd/internal/drpconfig"
	"github.com/cr0hn/drpd/internal/logger"
	"github.com/cr0hn/drpd/internal/metrics"
	"github.com/cr0hn/drpd/internal/params"
	"github.com/cr0hn/drpd/internal/requestopts"
)

// ContentType is sent with config requests.
const ContentType = "application/x-protobuf"

// State is the refresh cycle state.
type State int

const (
	// StateIdle means no fetch has been issued yet.
	StateIdle State = iota
	// StateFetching means a fetch is in flight.
	StateFetching
	// StateApplied means the last fetch produced an applied config.
	StateApplied
	// StateFailed means the last fetch failed; a retry is scheduled.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateApplied:
		return "applied"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConfigStorer persists the encoded config. An empty value clears it.
type ConfigStorer interface {
	SaveConfig(encoded string) error
}

// ProxyConfig is the part of the data reduction proxy state the client
// drives.
type ProxyConfig interface {
	IsDataReductionProxy(hostPort params.HostPortPair) (drpconfig.TypeInfo, bool)
	ReloadConfig()
}

// ConfigValues receives the fetched proxy list.
type ConfigValues interface {
	UpdateValues(httpProxies []params.ProxyServer)
	Invalidate()
}

// HTTPConfig tunes the remote fetch.
type HTTPConfig struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	MaxBodyBytes int64
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:      30 * time.Second,
		RetryMax:     5,
		RetryWaitMin: time.Second,
		RetryWaitMax: 30 * time.Second,
		MaxBodyBytes: 1 << 20,
	}
}

// Options holds the collaborators of a Client.
type Options struct {
	Params         params.Provider
	StaticProxies  []params.ProxyServer
	Policy         backoff.Policy
	RequestOptions *requestopts.RequestOptions
	Values         ConfigValues
	Config         ProxyConfig
	Storer         ConfigStorer
	Clock          clock.WithDelayedExecution
	HTTP           HTTPConfig
}

// Client runs the config refresh cycle.
type Client struct {
	staticProxies  []params.ProxyServer
	requestOptions *requestopts.RequestOptions
	values         ConfigValues
	config         ProxyConfig
	storer         ConfigStorer
	clock          clock.WithDelayedExecution
	backoff        *backoff.Entry
	http           *retryablehttp.Client
	httpConfig     HTTPConfig

	serviceURL     string
	useLocalConfig bool

	ctx    context.Context
	cancel context.CancelFunc

	// fetchMu keeps at most one fetch in flight.
	fetchMu sync.Mutex

	// authFetchPending coalesces refetches started by auth failures.
	authFetchPending atomic.Bool
	wg               sync.WaitGroup

	mu                        sync.Mutex
	state                     State
	timer                     clock.Timer
	nextRefresh               time.Time
	fetchStart                time.Time
	sourceID                  string
	remoteConfigApplied       bool
	previousRequestFailedAuth bool
	stopped                   bool
}

// New creates a Client. Without a valid config service URL the client
// synthesises its config from the static proxies.
func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.HTTP.MaxBodyBytes <= 0 {
		opts.HTTP.MaxBodyBytes = DefaultHTTPConfig().MaxBodyBytes
	}

	serviceURL, ok := AddAPIKeyToURL(opts.Params.ConfigServiceURL(), opts.Params.APIKey())
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		staticProxies:  opts.StaticProxies,
		requestOptions: opts.RequestOptions,
		values:         opts.Values,
		config:         opts.Config,
		storer:         opts.Storer,
		clock:          opts.Clock,
		backoff:        backoff.NewEntry(opts.Policy, opts.Clock),
		httpConfig:     opts.HTTP,
		serviceURL:     serviceURL,
		useLocalConfig: !ok,
		ctx:            ctx,
		cancel:         cancel,
	}
	c.http = newHTTPClient(opts.HTTP)
	return c
}

func newHTTPClient(cfg HTTPConfig) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy: nil, // config requests never go through a proxy
			DialContext: (&net.Dialer{
				Timeout: cfg.Timeout,
			}).DialContext,
			TLSHandshakeTimeout: cfg.Timeout,
		},
		Timeout: cfg.Timeout,
	}
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = logger.With("component", "configservice")
	return client
}

// AddAPIKeyToURL appends the API key (when set) and alt=proto to the
// config service URL. It reports false when the URL is not a usable
// http(s) URL.
func AddAPIKeyToURL(raw, key string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	q := u.Query()
	if key != "" {
		q.Set("key", key)
	}
	q.Set("alt", "proto")
	u.RawQuery = q.Encode()
	return u.String(), true
}

// UsesLocalConfig reports whether the config is synthesised locally.
func (c *Client) UsesLocalConfig() bool {
	return c.useLocalConfig
}

// BackoffEntry returns the backoff entry of the refresh cycle.
func (c *Client) BackoffEntry() *backoff.Entry {
	return c.backoff
}

// RetrieveConfig fetches and applies a config, then schedules the next
// refresh. Fetches are serialised.
func (c *Client) RetrieveConfig() {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.state = StateFetching
	c.fetchStart = c.clock.Now()
	c.sourceID = logger.NewSourceID()
	sourceID := c.sourceID
	c.mu.Unlock()

	logger.LogEventBegin("config_request", sourceID, "url", c.baseURL(), "local", c.useLocalConfig)

	if c.useLocalConfig {
		data, err := c.constructStaticResponse()
		if err != nil {
			c.HandleResponse(nil, err, 0)
			return
		}
		c.HandleResponse(data, nil, http.StatusOK)
		return
	}

	data, code, err := c.fetchRemote()
	if errors.Is(err, context.Canceled) {
		logger.Debug("config_request_canceled")
		return
	}
	c.HandleResponse(data, err, code)
}

// baseURL is the service URL without its query, for logs.
func (c *Client) baseURL() string {
	u, err := url.Parse(c.serviceURL)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	return u.String()
}

func (c *Client) constructStaticResponse() ([]byte, error) {
	servers := make([]clientconfig.ProxyServer, 0, len(c.staticProxies))
	for _, p := range c.staticProxies {
		servers = append(servers, clientconfig.FromProxyServer(p))
	}
	cfg := &clientconfig.ClientConfig{
		ProxyConfig: &clientconfig.ProxyConfig{HTTPProxyServers: servers},
	}
	c.requestOptions.PopulateConfigResponse(cfg)
	return clientconfig.Marshal(cfg)
}

func (c *Client) fetchRemote() ([]byte, int, error) {
	req, err := retryablehttp.NewRequestWithContext(c.ctx, http.MethodPost, c.serviceURL, []byte{})
	if err != nil {
		return nil, 0, fmt.Errorf("creating config request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, 0, fmt.Errorf("fetching config: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.httpConfig.MaxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading config response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// HandleResponse applies a fetch result and schedules the next refresh.
// The previous config stays in force when the result is unusable.
func (c *Client) HandleResponse(data []byte, fetchErr error, httpCode int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.useLocalConfig {
		metrics.ConfigServiceResponses.WithLabelValues(responseCodeLabel(fetchErr, httpCode)).Inc()
	}

	var cfg *clientconfig.ClientConfig
	succeeded := false
	if fetchErr == nil && httpCode == http.StatusOK {
		parsed, err := clientconfig.Unmarshal(data)
		if err != nil {
			logger.Warn("config_parse_failed", "error", err.Error())
		} else {
			cfg = parsed
			succeeded = c.parseAndApplyLocked(cfg)
		}
	}

	var expiration time.Time
	if succeeded {
		expiration = cfg.ExpireTime
	}

	if !c.useLocalConfig && succeeded {
		metrics.ConfigServiceFetchLatency.Observe(c.clock.Since(c.fetchStart).Seconds())
		metrics.ConfigServiceFailedAttempts.Observe(float64(c.backoff.FailureCount()))
		c.store(clientconfig.EncodeRaw(data))
	}

	c.backoff.InformOfRequest(succeeded)
	next := CalculateNextConfigRefreshTime(succeeded, expiration, c.clock.Now(), c.backoff.GetTimeUntilRelease())
	c.setConfigRefreshTimerLocked(next)

	if succeeded {
		c.state = StateApplied
	} else {
		c.state = StateFailed
	}

	args := []any{
		"succeeded", succeeded,
		"http_code", httpCode,
		"failure_count", c.backoff.FailureCount(),
		"next_refresh", next.String(),
	}
	if fetchErr != nil {
		args = append(args, "error", fetchErr.Error())
	}
	logger.LogEventEnd("config_request", c.sourceID, args...)
}

func responseCodeLabel(err error, code int) string {
	if err != nil && code == 0 {
		return "net_error"
	}
	return strconv.Itoa(code)
}

func (c *Client) store(encoded string) {
	if c.storer == nil {
		return
	}
	if err := c.storer.SaveConfig(encoded); err != nil {
		logger.Error("config_store_failed", "error", err.Error())
	}
}

// CalculateNextConfigRefreshTime returns the delay before the next fetch.
// After a success the config is refreshed when it expires, but never
// sooner than the backoff allows.
func CalculateNextConfigRefreshTime(succeeded bool, expiration, now time.Time, backoffDelay time.Duration) time.Duration {
	if succeeded {
		if successDelay := expiration.Sub(now); successDelay > backoffDelay {
			return successDelay
		}
	}
	return backoffDelay
}

// SetConfigRefreshTimer replaces any pending refresh with one after delay.
func (c *Client) SetConfigRefreshTimer(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setConfigRefreshTimerLocked(delay)
}

func (c *Client) setConfigRefreshTimerLocked(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stopped {
		return
	}
	c.nextRefresh = c.clock.Now().Add(delay)
	metrics.ConfigServiceRefreshDelay.Set(delay.Seconds())
	// The callback may run while the clock holds its own lock, so the fetch
	// runs on its own goroutine.
	c.timer = c.clock.AfterFunc(delay, func() { go c.RetrieveConfig() })
}

// ParseAndApplyProxyConfig applies cfg and reports whether it was usable.
func (c *Client) ParseAndApplyProxyConfig(cfg *clientconfig.ClientConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parseAndApplyLocked(cfg)
}

func (c *Client) parseAndApplyLocked(cfg *clientconfig.ClientConfig) bool {
	if cfg == nil || cfg.ProxyConfig == nil {
		return false
	}
	proxies := cfg.HTTPProxies()
	if len(proxies) == 0 {
		return false
	}

	if !c.useLocalConfig {
		c.requestOptions.SetSecureSession(cfg.SessionKey)
		c.values.UpdateValues(proxies)
		c.config.ReloadConfig()
		c.remoteConfigApplied = true
		return true
	}

	session, credentials, ok := requestopts.ParseLocalSessionKey(cfg.SessionKey)
	if !ok {
		logger.Warn("config_local_session_key_invalid")
		return false
	}
	c.requestOptions.SetCredentials(session, credentials)
	c.values.UpdateValues(proxies)
	c.config.ReloadConfig()
	return true
}

// ApplySerializedConfig applies a persisted config at startup. It is
// ignored in local mode and once a remote config was applied.
func (c *Client) ApplySerializedConfig(encoded string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.useLocalConfig || c.remoteConfigApplied || encoded == "" {
		return
	}
	cfg, err := clientconfig.DecodeBase64(encoded)
	if err != nil {
		logger.Warn("persisted_config_invalid", "error", err.Error())
		return
	}
	if c.parseAndApplyLocked(cfg) {
		logger.Info("persisted_config_applied", "proxies", len(cfg.HTTPProxies()))
	}
}

// ShouldRetryDueToAuthFailure handles a response received through proxy.
// A 407 from a data reduction proxy invalidates the config, starts fetching
// a new one in the background and reports true so the request is retried.
func (c *Client) ShouldRetryDueToAuthFailure(resp *http.Response, proxy params.HostPortPair) bool {
	if resp == nil {
		return false
	}
	if _, ok := c.config.IsDataReductionProxy(proxy); !ok {
		return false
	}

	c.mu.Lock()
	if resp.StatusCode != http.StatusProxyAuthRequired {
		c.previousRequestFailedAuth = false
		c.mu.Unlock()
		return false
	}
	// A success from the config service followed by another auth failure
	// still counts as a failure, so the backoff keeps growing.
	if c.previousRequestFailedAuth {
		c.backoff.InformOfRequest(false)
	}
	c.previousRequestFailedAuth = true
	c.invalidateConfigLocked()
	c.mu.Unlock()

	metrics.ConfigServiceAuthFailures.Inc()
	logger.Warn("proxy_auth_failed", "proxy", proxy.String())
	c.retrieveConfigAsync()
	return true
}

// retrieveConfigAsync starts a fetch on its own goroutine unless one
// started here is still pending.
func (c *Client) retrieveConfigAsync() {
	if !c.authFetchPending.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.authFetchPending.Store(false)
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer c.authFetchPending.Store(false)
		c.RetrieveConfig()
	}()
}

// InvalidateConfig drops the current config and credentials.
func (c *Client) InvalidateConfig() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateConfigLocked()
}

func (c *Client) invalidateConfigLocked() {
	c.backoff.InformOfRequest(false)
	if c.useLocalConfig {
		return
	}
	c.store("")
	c.requestOptions.Invalidate()
	c.values.Invalidate()
	c.config.ReloadConfig()
}

// OnIPAddressChanged resets the backoff and fetches a new config.
func (c *Client) OnIPAddressChanged() {
	c.backoff.Reset()
	c.RetrieveConfig()
}

// Stop cancels the fetch in flight and the pending refresh.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.cancel()
}

// Wait blocks until fetches started by auth failures have returned.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Status is a point-in-time view of the refresh cycle.
type Status struct {
	State               string    `json:"state"`
	UsesLocalConfig     bool      `json:"uses_local_config"`
	RemoteConfigApplied bool      `json:"remote_config_applied"`
	FailureCount        int       `json:"failure_count"`
	NextRefresh         time.Time `json:"next_refresh"`
}

// Status returns the current refresh cycle state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:               c.state.String(),
		UsesLocalConfig:     c.useLocalConfig,
		RemoteConfigApplied: c.remoteConfigApplied,
		FailureCount:        c.backoff.FailureCount(),
		NextRefresh:         c.nextRefresh,
	}
}

// State returns the refresh cycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
