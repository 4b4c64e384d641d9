// Package config handles configuration parsing from CLI flags, environment
// variables and YAML files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/cr0hn/drpd/internal/netwatch"
	"github.com/cr0hn/drpd/internal/params"
)

// EnvPrefix prefixes every environment variable the daemon reads.
const EnvPrefix = "DRPD_"

// Config holds all configuration for the daemon.
type Config struct {
	// Port is the local proxy listening port.
	Port int `yaml:"port"`
	// MetricsPort is the metrics and status server port.
	MetricsPort int `yaml:"metrics_port"`
	// Auth is the optional basic auth in "user:pass" format.
	Auth string `yaml:"auth"`
	// Timeout is the upstream connection timeout.
	Timeout time.Duration `yaml:"timeout"`
	// IdleTimeout is the idle connection timeout.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MaxConnsPerUpstream is the maximum concurrent connections per upstream proxy.
	MaxConnsPerUpstream int `yaml:"max_conns_per_upstream"`
	// MaxConnsTotal is the maximum total concurrent connections.
	MaxConnsTotal int `yaml:"max_conns_total"`
	// LogLevel is the logging level (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
	// LogFormat is the log format (json, text).
	LogFormat string `yaml:"log_format"`
	// ConfigFile is the optional config file path.
	ConfigFile string `yaml:"-"`

	// Transport tuning
	TCPKeepAlive          time.Duration `yaml:"tcp_keepalive"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout"`

	// Data reduction proxy
	// Enabled is the user's Data Saver switch.
	Enabled bool `yaml:"enabled"`
	// HTTPProxies is the ordered proxy list for http:// URLs.
	HTTPProxies []string `yaml:"http_proxies"`
	// HTTPSProxies is the ordered proxy list for https:// URLs.
	HTTPSProxies []string `yaml:"https_proxies"`
	// TunnelProxies lists host:port endpoints reached through CONNECT.
	TunnelProxies []string `yaml:"tunnel_proxies"`
	// SecureProxyCheckURL is fetched directly to decide whether the secure tier may be used.
	SecureProxyCheckURL string `yaml:"secure_proxy_check_url"`
	// ConfigServiceURL is the remote config endpoint; empty or invalid uses the local config.
	ConfigServiceURL string `yaml:"config_service_url"`
	// APIKey is appended to config service requests and salts local session keys.
	APIKey string `yaml:"api_key"`
	// ClientName is sent in the Chrome-Proxy header.
	ClientName string `yaml:"client_name"`
	// Allowed, PromoAllowed and Holdback mirror the field trial switches.
	Allowed      bool `yaml:"allowed"`
	PromoAllowed bool `yaml:"promo_allowed"`
	Holdback     bool `yaml:"holdback"`
	// SecureProxyByDefault allows the secure tier before the first probe answers.
	SecureProxyByDefault bool `yaml:"secure_proxy_by_default"`
	// DataSaverOnVPN keeps the proxy enabled while a VPN is up.
	DataSaverOnVPN bool `yaml:"data_saver_on_vpn"`

	// Lo-Fi
	LoFiDisabled     bool   `yaml:"lofi_disabled"`
	LoFiAlwaysOn     bool   `yaml:"lofi_always_on"`
	LoFiCellularOnly bool   `yaml:"lofi_cellular_only"`
	LoFiTrialGroup   string `yaml:"lofi_trial_group"`
	// LoFiRTT, LoFiKbps and LoFiHysteresis are the trial variation params.
	// Zero leaves the param unset.
	LoFiRTT        time.Duration `yaml:"lofi_rtt"`
	LoFiKbps       int64         `yaml:"lofi_kbps"`
	LoFiHysteresis time.Duration `yaml:"lofi_hysteresis"`

	// Network
	// ConnectionType overrides the detected connection type ("" detects).
	ConnectionType        string        `yaml:"connection_type"`
	NetworkPollInterval   time.Duration `yaml:"network_poll_interval"`
	NetworkNotifyInterval time.Duration `yaml:"network_notify_interval"`

	// Retry
	// RetryDelay is how long a failing upstream proxy is skipped.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// RetryFailureThreshold is the number of consecutive failures before a proxy is skipped.
	RetryFailureThreshold int `yaml:"retry_failure_threshold"`

	// ProbeTimeout bounds each secure proxy check attempt.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// DBPath is the sqlite database holding the persisted config.
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                  3128,
		MetricsPort:           9090,
		Timeout:               30 * time.Second,
		IdleTimeout:           60 * time.Second,
		MaxConnsPerUpstream:   100,
		MaxConnsTotal:         1000,
		LogLevel:              "info",
		LogFormat:             "json",
		TCPKeepAlive:          30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		Enabled:               true,
		HTTPProxies: []string{
			"https://proxy.googlezip.net:443",
			"http://compress.googlezip.net:80",
		},
		SecureProxyCheckURL:   "http://check.googlezip.net/connect",
		ConfigServiceURL:      "https://datasaver.googleapis.com/v1/clientConfigs",
		ClientName:            "linux",
		Allowed:               true,
		PromoAllowed:          true,
		NetworkPollInterval:   5 * time.Second,
		NetworkNotifyInterval: time.Second,
		RetryDelay:            5 * time.Minute,
		RetryFailureThreshold: 1,
		ProbeTimeout:          10 * time.Second,
		DBPath:                "drpd.db",
	}
}

// RegisterFlags binds the configuration flags to cfg on fs.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Proxy listening port")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "Metrics and status server port")
	fs.StringVar(&cfg.Auth, "auth", cfg.Auth, "Basic auth credentials (user:pass)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Upstream connection timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Idle connection timeout")
	fs.IntVar(&cfg.MaxConnsPerUpstream, "max-conns-per-upstream", cfg.MaxConnsPerUpstream, "Max connections per upstream proxy (0 = unlimited)")
	fs.IntVar(&cfg.MaxConnsTotal, "max-conns-total", cfg.MaxConnsTotal, "Max total connections (0 = unlimited)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, text)")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Config file path (YAML)")

	fs.DurationVar(&cfg.TCPKeepAlive, "tcp-keepalive", cfg.TCPKeepAlive, "TCP keep-alive interval")
	fs.DurationVar(&cfg.IdleConnTimeout, "idle-conn-timeout", cfg.IdleConnTimeout, "Idle HTTP connection timeout")
	fs.DurationVar(&cfg.TLSHandshakeTimeout, "tls-handshake-timeout", cfg.TLSHandshakeTimeout, "TLS handshake timeout")
	fs.DurationVar(&cfg.ExpectContinueTimeout, "expect-continue-timeout", cfg.ExpectContinueTimeout, "Expect-continue timeout")

	fs.BoolVar(&cfg.Enabled, "enabled", cfg.Enabled, "Enable the data reduction proxy")
	fs.StringSliceVar(&cfg.HTTPProxies, "http-proxies", cfg.HTTPProxies, "Ordered proxy list for http:// URLs")
	fs.StringSliceVar(&cfg.HTTPSProxies, "https-proxies", cfg.HTTPSProxies, "Ordered proxy list for https:// URLs")
	fs.StringSliceVar(&cfg.TunnelProxies, "tunnel-proxies", cfg.TunnelProxies, "Proxy endpoints (host:port) reached through CONNECT")
	fs.StringVar(&cfg.SecureProxyCheckURL, "secure-proxy-check-url", cfg.SecureProxyCheckURL, "Secure proxy check URL")
	fs.StringVar(&cfg.ConfigServiceURL, "config-service-url", cfg.ConfigServiceURL, "Config service URL (empty uses the local config)")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key for the config service")
	fs.StringVar(&cfg.ClientName, "client-name", cfg.ClientName, "Client name sent to the proxy")
	fs.BoolVar(&cfg.Allowed, "allowed", cfg.Allowed, "Data reduction proxy allowed")
	fs.BoolVar(&cfg.PromoAllowed, "promo-allowed", cfg.PromoAllowed, "Data reduction proxy promo allowed")
	fs.BoolVar(&cfg.Holdback, "holdback", cfg.Holdback, "Hold back the data reduction proxy")
	fs.BoolVar(&cfg.SecureProxyByDefault, "secure-proxy-by-default", cfg.SecureProxyByDefault, "Allow the secure proxy before the first check completes")
	fs.BoolVar(&cfg.DataSaverOnVPN, "data-saver-on-vpn", cfg.DataSaverOnVPN, "Keep the proxy enabled while a VPN is active")

	fs.BoolVar(&cfg.LoFiDisabled, "lofi-disabled", cfg.LoFiDisabled, "Disable Lo-Fi")
	fs.BoolVar(&cfg.LoFiAlwaysOn, "lofi-always-on", cfg.LoFiAlwaysOn, "Always request Lo-Fi")
	fs.BoolVar(&cfg.LoFiCellularOnly, "lofi-cellular-only", cfg.LoFiCellularOnly, "Request Lo-Fi on cellular connections only")
	fs.StringVar(&cfg.LoFiTrialGroup, "lofi-trial-group", cfg.LoFiTrialGroup, "Auto Lo-Fi trial group (enabled, control)")
	fs.DurationVar(&cfg.LoFiRTT, "lofi-rtt", cfg.LoFiRTT, "Auto Lo-Fi RTT threshold")
	fs.Int64Var(&cfg.LoFiKbps, "lofi-kbps", cfg.LoFiKbps, "Auto Lo-Fi downstream kbps threshold")
	fs.DurationVar(&cfg.LoFiHysteresis, "lofi-hysteresis", cfg.LoFiHysteresis, "Auto Lo-Fi hysteresis period")

	fs.StringVar(&cfg.ConnectionType, "connection-type", cfg.ConnectionType, "Override the detected connection type")
	fs.DurationVar(&cfg.NetworkPollInterval, "network-poll-interval", cfg.NetworkPollInterval, "Network interface poll interval")
	fs.DurationVar(&cfg.NetworkNotifyInterval, "network-notify-interval", cfg.NetworkNotifyInterval, "Minimum interval between IP change notifications")

	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "How long a failing upstream proxy is skipped")
	fs.IntVar(&cfg.RetryFailureThreshold, "retry-failure-threshold", cfg.RetryFailureThreshold, "Failures before an upstream proxy is skipped")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "Secure proxy check timeout")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
}

// Load builds the effective configuration. Precedence is defaults, then
// the YAML file, then DRPD_ environment variables, then flags set on fs.
// cli must be the Config bound to fs by RegisterFlags.
func Load(fs *pflag.FlagSet, cli *Config) (*Config, error) {
	cfg := DefaultConfig()
	if cli.ConfigFile != "" {
		fileCfg, err := LoadFromFile(cli.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		cfg = fileCfg
	}
	cfg.ConfigFile = cli.ConfigFile

	if err := loadFromEnv(cfg, os.Getenv); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	cfg = mergeFlags(cfg, cli, fs)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.ConfigFile = path

	return cfg, nil
}

// mergeFlags copies every flag explicitly set on fs from cli into base.
func mergeFlags(base, cli *Config, fs *pflag.FlagSet) *Config {
	result := *base

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "port":
			result.Port = cli.Port
		case "metrics-port":
			result.MetricsPort = cli.MetricsPort
		case "auth":
			result.Auth = cli.Auth
		case "timeout":
			result.Timeout = cli.Timeout
		case "idle-timeout":
			result.IdleTimeout = cli.IdleTimeout
		case "max-conns-per-upstream":
			result.MaxConnsPerUpstream = cli.MaxConnsPerUpstream
		case "max-conns-total":
			result.MaxConnsTotal = cli.MaxConnsTotal
		case "log-level":
			result.LogLevel = cli.LogLevel
		case "log-format":
			result.LogFormat = cli.LogFormat
		case "tcp-keepalive":
			result.TCPKeepAlive = cli.TCPKeepAlive
		case "idle-conn-timeout":
			result.IdleConnTimeout = cli.IdleConnTimeout
		case "tls-handshake-timeout":
			result.TLSHandshakeTimeout = cli.TLSHandshakeTimeout
		case "expect-continue-timeout":
			result.ExpectContinueTimeout = cli.ExpectContinueTimeout
		case "enabled":
			result.Enabled = cli.Enabled
		case "http-proxies":
			result.HTTPProxies = cli.HTTPProxies
		case "https-proxies":
			result.HTTPSProxies = cli.HTTPSProxies
		case "tunnel-proxies":
			result.TunnelProxies = cli.TunnelProxies
		case "secure-proxy-check-url":
			result.SecureProxyCheckURL = cli.SecureProxyCheckURL
		case "config-service-url":
			result.ConfigServiceURL = cli.ConfigServiceURL
		case "api-key":
			result.APIKey = cli.APIKey
		case "client-name":
			result.ClientName = cli.ClientName
		case "allowed":
			result.Allowed = cli.Allowed
		case "promo-allowed":
			result.PromoAllowed = cli.PromoAllowed
		case "holdback":
			result.Holdback = cli.Holdback
		case "secure-proxy-by-default":
			result.SecureProxyByDefault = cli.SecureProxyByDefault
		case "data-saver-on-vpn":
			result.DataSaverOnVPN = cli.DataSaverOnVPN
		case "lofi-disabled":
			result.LoFiDisabled = cli.LoFiDisabled
		case "lofi-always-on":
			result.LoFiAlwaysOn = cli.LoFiAlwaysOn
		case "lofi-cellular-only":
			result.LoFiCellularOnly = cli.LoFiCellularOnly
		case "lofi-trial-group":
			result.LoFiTrialGroup = cli.LoFiTrialGroup
		case "lofi-rtt":
			result.LoFiRTT = cli.LoFiRTT
		case "lofi-kbps":
			result.LoFiKbps = cli.LoFiKbps
		case "lofi-hysteresis":
			result.LoFiHysteresis = cli.LoFiHysteresis
		case "connection-type":
			result.ConnectionType = cli.ConnectionType
		case "network-poll-interval":
			result.NetworkPollInterval = cli.NetworkPollInterval
		case "network-notify-interval":
			result.NetworkNotifyInterval = cli.NetworkNotifyInterval
		case "retry-delay":
			result.RetryDelay = cli.RetryDelay
		case "retry-failure-threshold":
			result.RetryFailureThreshold = cli.RetryFailureThreshold
		case "probe-timeout":
			result.ProbeTimeout = cli.ProbeTimeout
		case "db-path":
			result.DBPath = cli.DBPath
		}
	})

	return &result
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}
	if c.Port == c.MetricsPort {
		return fmt.Errorf("proxy port and metrics port must be different")
	}
	if c.Auth != "" && !strings.Contains(c.Auth, ":") {
		return fmt.Errorf("auth must be in 'user:pass' format")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle-timeout must be positive")
	}
	if _, err := params.ParseProxyList(c.HTTPProxies); err != nil {
		return fmt.Errorf("http-proxies: %w", err)
	}
	if _, err := params.ParseProxyList(c.HTTPSProxies); err != nil {
		return fmt.Errorf("https-proxies: %w", err)
	}
	for _, hp := range c.TunnelProxies {
		if _, err := params.ParseHostPortPair(hp); err != nil {
			return fmt.Errorf("tunnel-proxies: %w", err)
		}
	}
	if c.SecureProxyCheckURL != "" {
		u, err := url.Parse(c.SecureProxyCheckURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid secure-proxy-check-url: %q", c.SecureProxyCheckURL)
		}
	}
	if c.DBPath == "" {
		return fmt.Errorf("db-path is required")
	}
	return validateReloadable(c)
}

// validateReloadable validates the hot-reloadable fields.
func validateReloadable(c *Config) error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return &ValidationError{Field: "log_level", Message: "must be trace, debug, info, warn, or error"}
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.LogFormat] {
		return &ValidationError{Field: "log_format", Message: "must be json or text"}
	}

	if c.MaxConnsPerUpstream < 0 {
		return &ValidationError{Field: "max_conns_per_upstream", Message: "must not be negative"}
	}
	if c.MaxConnsTotal < 0 {
		return &ValidationError{Field: "max_conns_total", Message: "must not be negative"}
	}

	switch params.LoFiTrialGroup(c.LoFiTrialGroup) {
	case params.LoFiGroupNone, params.LoFiGroupEnabled, params.LoFiGroupControl:
	default:
		return &ValidationError{Field: "lofi_trial_group", Message: "must be empty, enabled or control"}
	}
	if c.LoFiRTT < 0 || c.LoFiKbps < 0 || c.LoFiHysteresis < 0 {
		return &ValidationError{Field: "lofi", Message: "variation params must not be negative"}
	}

	if _, err := netwatch.ParseConnectionType(c.ConnectionType); err != nil {
		return &ValidationError{Field: "connection_type", Message: err.Error()}
	}

	if c.RetryDelay <= 0 {
		return &ValidationError{Field: "retry_delay", Message: "must be positive"}
	}
	if c.RetryFailureThreshold < 1 {
		return &ValidationError{Field: "retry_failure_threshold", Message: "must be at least 1"}
	}

	return nil
}

// GetAuthCredentials returns username and password if auth is configured.
func (c *Config) GetAuthCredentials() (username, password string, ok bool) {
	if c.Auth == "" {
		return "", "", false
	}
	parts := strings.SplitN(c.Auth, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Params returns the process-level switches derived from the config.
func (c *Config) Params() *params.Params {
	p := &params.Params{
		SecureProxyByDefault: c.SecureProxyByDefault,
		LoFiDisabled:         c.LoFiDisabled,
		LoFiAlwaysOn:         c.LoFiAlwaysOn,
		LoFiCellularOnly:     c.LoFiCellularOnly,
		TrialGroup:           params.LoFiTrialGroup(c.LoFiTrialGroup),
		DataSaverOnVPN:       c.DataSaverOnVPN,
		ServiceURL:           c.ConfigServiceURL,
		Key:                  c.APIKey,
	}
	if c.LoFiRTT > 0 {
		ms := c.LoFiRTT.Milliseconds()
		p.Variation.RTTMsec = &ms
	}
	if c.LoFiKbps > 0 {
		kbps := c.LoFiKbps
		p.Variation.Kbps = &kbps
	}
	if c.LoFiHysteresis > 0 {
		h := c.LoFiHysteresis
		p.Variation.HysteresisPeriod = &h
	}
	return p
}

// StaticValues returns the startup config values.
func (c *Config) StaticValues() (*params.StaticValues, error) {
	httpProxies, err := params.ParseProxyList(c.HTTPProxies)
	if err != nil {
		return nil, fmt.Errorf("http proxies: %w", err)
	}
	httpsProxies, err := params.ParseProxyList(c.HTTPSProxies)
	if err != nil {
		return nil, fmt.Errorf("https proxies: %w", err)
	}
	tunnels := make([]params.HostPortPair, 0, len(c.TunnelProxies))
	for _, s := range c.TunnelProxies {
		hp, err := params.ParseHostPortPair(s)
		if err != nil {
			return nil, fmt.Errorf("tunnel proxies: %w", err)
		}
		tunnels = append(tunnels, hp)
	}
	return &params.StaticValues{
		HTTPProxies:   httpProxies,
		HTTPSProxies:  httpsProxies,
		CheckURL:      c.SecureProxyCheckURL,
		IsAllowed:     c.Allowed,
		IsPromo:       c.PromoAllowed,
		IsHoldback:    c.Holdback,
		TunnelProxies: tunnels,
	}, nil
}

// ConnectionOverride returns the parsed connection type override.
func (c *Config) ConnectionOverride() netwatch.ConnectionType {
	ct, err := netwatch.ParseConnectionType(c.ConnectionType)
	if err != nil {
		return netwatch.ConnectionUnknown
	}
	return ct
}

// loadFromEnv applies DRPD_ environment variables to cfg. getenv is
// os.Getenv outside tests.
func loadFromEnv(cfg *Config, getenv func(string) string) error {
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
	}

	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(EnvPrefix + key); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = i
		}
	}
	int64v := func(key string, dst *int64) {
		if v := getenv(EnvPrefix + key); v != "" {
			i, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = i
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(EnvPrefix + key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(EnvPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv(EnvPrefix + key); v != "" {
			parts := strings.Split(v, ",")
			for i, p := range parts {
				parts[i] = strings.TrimSpace(p)
			}
			*dst = parts
		}
	}

	// Server
	integer("PORT", &cfg.Port)
	integer("METRICS_PORT", &cfg.MetricsPort)
	str("AUTH", &cfg.Auth)
	duration("TIMEOUT", &cfg.Timeout)
	duration("IDLE_TIMEOUT", &cfg.IdleTimeout)
	integer("MAX_CONNS_PER_UPSTREAM", &cfg.MaxConnsPerUpstream)
	integer("MAX_CONNS_TOTAL", &cfg.MaxConnsTotal)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	// Transport tuning
	duration("TCP_KEEPALIVE", &cfg.TCPKeepAlive)
	duration("IDLE_CONN_TIMEOUT", &cfg.IdleConnTimeout)
	duration("TLS_HANDSHAKE_TIMEOUT", &cfg.TLSHandshakeTimeout)
	duration("EXPECT_CONTINUE_TIMEOUT", &cfg.ExpectContinueTimeout)

	// Data reduction proxy
	boolean("ENABLED", &cfg.Enabled)
	list("HTTP_PROXIES", &cfg.HTTPProxies)
	list("HTTPS_PROXIES", &cfg.HTTPSProxies)
	list("TUNNEL_PROXIES", &cfg.TunnelProxies)
	str("SECURE_PROXY_CHECK_URL", &cfg.SecureProxyCheckURL)
	str("CONFIG_SERVICE_URL", &cfg.ConfigServiceURL)
	str("API_KEY", &cfg.APIKey)
	str("CLIENT_NAME", &cfg.ClientName)
	boolean("ALLOWED", &cfg.Allowed)
	boolean("PROMO_ALLOWED", &cfg.PromoAllowed)
	boolean("HOLDBACK", &cfg.Holdback)
	boolean("SECURE_PROXY_BY_DEFAULT", &cfg.SecureProxyByDefault)
	boolean("DATA_SAVER_ON_VPN", &cfg.DataSaverOnVPN)

	// Lo-Fi
	boolean("LOFI_DISABLED", &cfg.LoFiDisabled)
	boolean("LOFI_ALWAYS_ON", &cfg.LoFiAlwaysOn)
	boolean("LOFI_CELLULAR_ONLY", &cfg.LoFiCellularOnly)
	str("LOFI_TRIAL_GROUP", &cfg.LoFiTrialGroup)
	duration("LOFI_RTT", &cfg.LoFiRTT)
	int64v("LOFI_KBPS", &cfg.LoFiKbps)
	duration("LOFI_HYSTERESIS", &cfg.LoFiHysteresis)

	// Network and retry
	str("CONNECTION_TYPE", &cfg.ConnectionType)
	duration("NETWORK_POLL_INTERVAL", &cfg.NetworkPollInterval)
	duration("NETWORK_NOTIFY_INTERVAL", &cfg.NetworkNotifyInterval)
	duration("RETRY_DELAY", &cfg.RetryDelay)
	integer("RETRY_FAILURE_THRESHOLD", &cfg.RetryFailureThreshold)
	duration("PROBE_TIMEOUT", &cfg.ProbeTimeout)
	str("DB_PATH", &cfg.DBPath)

	return firstErr
}
