package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/cr0hn/drpd/internal/netwatch"
	"github.com/cr0hn/drpd/internal/params"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Port != 3128 {
		t.Errorf("expected default port 3128, got %d", cfg.Port)
	}
	if cfg.MetricsPort != 9090 {
		t.Errorf("expected default metrics port 9090, got %d", cfg.MetricsPort)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", cfg.Timeout)
	}
	if cfg.MaxConnsPerUpstream != 100 {
		t.Errorf("expected default max conns per upstream 100, got %d", cfg.MaxConnsPerUpstream)
	}
	if !cfg.Enabled || !cfg.Allowed {
		t.Error("expected the proxy to be enabled and allowed by default")
	}
	if cfg.SecureProxyByDefault {
		t.Error("expected the secure proxy to wait for the first check by default")
	}
	if cfg.RetryDelay != 5*time.Minute {
		t.Errorf("expected default retry delay 5m, got %v", cfg.RetryDelay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid port - zero", func(c *Config) { c.Port = 0 }, true},
		{"invalid port - too high", func(c *Config) { c.Port = 70000 }, true},
		{"same port for proxy and metrics", func(c *Config) { c.MetricsPort = c.Port }, true},
		{"invalid auth format", func(c *Config) { c.Auth = "nocolon" }, true},
		{"valid auth", func(c *Config) { c.Auth = "user:pass" }, false},
		{"invalid timeout", func(c *Config) { c.Timeout = 0 }, true},
		{"invalid idle timeout", func(c *Config) { c.IdleTimeout = 0 }, true},
		{"unlimited connections", func(c *Config) { c.MaxConnsPerUpstream = 0; c.MaxConnsTotal = 0 }, false},
		{"negative max conns", func(c *Config) { c.MaxConnsTotal = -1 }, true},
		{"invalid proxy scheme", func(c *Config) { c.HTTPProxies = []string{"ftp://proxy:21"} }, true},
		{"direct in proxy list", func(c *Config) { c.HTTPProxies = []string{"http://proxy:80", "direct://"} }, false},
		{"invalid tunnel proxy", func(c *Config) { c.TunnelProxies = []string{"nohost"} }, true},
		{"invalid check url", func(c *Config) { c.SecureProxyCheckURL = "ftp://check" }, true},
		{"empty config service url", func(c *Config) { c.ConfigServiceURL = "" }, false},
		{"invalid trial group", func(c *Config) { c.LoFiTrialGroup = "maybe" }, true},
		{"control trial group", func(c *Config) { c.LoFiTrialGroup = "control" }, false},
		{"negative lofi rtt", func(c *Config) { c.LoFiRTT = -time.Second }, true},
		{"invalid connection type", func(c *Config) { c.ConnectionType = "5g" }, true},
		{"cellular override", func(c *Config) { c.ConnectionType = "3g" }, false},
		{"invalid retry delay", func(c *Config) { c.RetryDelay = 0 }, true},
		{"invalid failure threshold", func(c *Config) { c.RetryFailureThreshold = 0 }, true},
		{"missing db path", func(c *Config) { c.DBPath = "" }, true},
		{"invalid log level", func(c *Config) { c.LogLevel = "invalid" }, true},
		{"invalid log format", func(c *Config) { c.LogFormat = "invalid" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigGetAuthCredentials(t *testing.T) {
	tests := []struct {
		name     string
		auth     string
		wantUser string
		wantPass string
		wantOk   bool
	}{
		{"no auth", "", "", "", false},
		{"valid auth", "user:pass", "user", "pass", true},
		{"password with colon", "user:pass:word", "user", "pass:word", true},
		{"invalid format", "nocolon", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Auth: tt.auth}
			user, pass, ok := cfg.GetAuthCredentials()
			if user != tt.wantUser || pass != tt.wantPass || ok != tt.wantOk {
				t.Errorf("GetAuthCredentials() = (%q, %q, %v), want (%q, %q, %v)",
					user, pass, ok, tt.wantUser, tt.wantPass, tt.wantOk)
			}
		})
	}
}

func TestConfigParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoFiTrialGroup = "enabled"
	cfg.LoFiRTT = 750 * time.Millisecond
	cfg.LoFiKbps = 200
	cfg.APIKey = "key"

	p := cfg.Params()
	if p.TrialGroup != params.LoFiGroupEnabled {
		t.Errorf("expected enabled trial group, got %q", p.TrialGroup)
	}
	if p.Variation.RTTMsec == nil || *p.Variation.RTTMsec != 750 {
		t.Errorf("expected RTT variation 750ms, got %v", p.Variation.RTTMsec)
	}
	if p.Variation.Kbps == nil || *p.Variation.Kbps != 200 {
		t.Errorf("expected kbps variation 200, got %v", p.Variation.Kbps)
	}
	if p.Variation.HysteresisPeriod != nil {
		t.Error("expected unset hysteresis to stay nil")
	}
	if p.APIKey() != "key" || p.ConfigServiceURL() != cfg.ConfigServiceURL {
		t.Error("expected config service settings to be carried over")
	}
}

func TestConfigStaticValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPSProxies = []string{"https://ssl.example.com:443"}
	cfg.TunnelProxies = []string{"tunnel.example.com:443"}
	cfg.Holdback = true

	v, err := cfg.StaticValues()
	if err != nil {
		t.Fatalf("StaticValues() error: %v", err)
	}
	if len(v.HTTPProxies) != 2 || !v.HTTPProxies[0].IsHTTPS() {
		t.Errorf("unexpected http proxies: %v", v.HTTPProxies)
	}
	if len(v.HTTPSProxies) != 1 {
		t.Errorf("unexpected https proxies: %v", v.HTTPSProxies)
	}
	if !v.UsingHTTPTunnel(params.HostPortPair{Host: "tunnel.example.com", Port: 443}) {
		t.Error("expected tunnel proxy to be registered")
	}
	if !v.Holdback() || !v.Allowed() {
		t.Error("expected switches to be carried over")
	}
}

func TestConnectionOverride(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ConnectionOverride(); got != netwatch.ConnectionUnknown {
		t.Errorf("expected unknown, got %v", got)
	}
	cfg.ConnectionType = "4g"
	if got := cfg.ConnectionOverride(); got != netwatch.Connection4G {
		t.Errorf("expected 4g, got %v", got)
	}
}

func TestLoadFromEnv(t *testing.T) {
	env := map[string]string{
		"DRPD_PORT":           "8081",
		"DRPD_HTTP_PROXIES":   "https://a.example.com:443, http://b.example.com:80",
		"DRPD_LOFI_ALWAYS_ON": "true",
		"DRPD_RETRY_DELAY":    "1m",
		"DRPD_LOFI_KBPS":      "150",
	}
	cfg := DefaultConfig()
	if err := loadFromEnv(cfg, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("loadFromEnv() error: %v", err)
	}

	if cfg.Port != 8081 {
		t.Errorf("expected port 8081, got %d", cfg.Port)
	}
	if len(cfg.HTTPProxies) != 2 || cfg.HTTPProxies[1] != "http://b.example.com:80" {
		t.Errorf("unexpected proxies: %v", cfg.HTTPProxies)
	}
	if !cfg.LoFiAlwaysOn {
		t.Error("expected lofi always on")
	}
	if cfg.RetryDelay != time.Minute {
		t.Errorf("expected retry delay 1m, got %v", cfg.RetryDelay)
	}
	if cfg.LoFiKbps != 150 {
		t.Errorf("expected kbps 150, got %d", cfg.LoFiKbps)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	cfg := DefaultConfig()
	err := loadFromEnv(cfg, func(k string) string {
		if k == "DRPD_TIMEOUT" {
			return "soon"
		}
		return ""
	})
	if err == nil {
		t.Fatal("expected error for unparsable duration")
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("expected timeout to stay at default, got %v", cfg.Timeout)
	}
}

func TestLoad_Precedence(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")
	configContent := `
port: 8080
metrics_port: 9091
log_level: debug
retry_delay: 2m
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("DRPD_LOG_LEVEL", "warn")
	t.Setenv("DRPD_METRICS_PORT", "9092")

	cli := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, cli)
	if err := fs.Parse([]string{"--config", configPath, "--metrics-port", "9093"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(fs, cli)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected file port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected env log level to beat the file, got %s", cfg.LogLevel)
	}
	if cfg.MetricsPort != 9093 {
		t.Errorf("expected flag metrics port to beat env, got %d", cfg.MetricsPort)
	}
	if cfg.RetryDelay != 2*time.Minute {
		t.Errorf("expected file retry delay 2m, got %v", cfg.RetryDelay)
	}
	if cfg.ConfigFile != configPath {
		t.Errorf("expected config file to be recorded, got %q", cfg.ConfigFile)
	}
}

func TestLoad_InvalidRejected(t *testing.T) {
	cli := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, cli)
	if err := fs.Parse([]string{"--lofi-trial-group", "sometimes"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := Load(fs, cli); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")

	configContent := `
port: 8080
metrics_port: 9091
auth: "testuser:testpass"
timeout: 60s
log_level: debug
http_proxies:
  - https://proxy.example.com:443
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.Auth != "testuser:testpass" {
		t.Errorf("expected auth 'testuser:testpass', got %s", cfg.Auth)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.LogLevel)
	}
	if len(cfg.HTTPProxies) != 1 {
		t.Errorf("expected the file list to replace the default, got %v", cfg.HTTPProxies)
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.yml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}
