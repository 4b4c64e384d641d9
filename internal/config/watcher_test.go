package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
}

func TestConfigWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeConfig(t, path, "log_level: info\n")

	initial, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error: %v", err)
	}
	w, err := NewConfigWatcher(path, initial, nil)
	if err != nil {
		t.Fatalf("NewConfigWatcher() error: %v", err)
	}
	defer w.Stop()

	var got atomic.Pointer[Config]
	w.RegisterCallback(func(c *Config) { got.Store(c) })

	writeConfig(t, path, "log_level: debug\nlofi_always_on: true\nmax_conns_total: 10\n")
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	c := got.Load()
	if c == nil {
		t.Fatal("expected callback to run")
	}
	if c.LogLevel != "debug" || !c.LoFiAlwaysOn || c.MaxConnsTotal != 10 {
		t.Errorf("unexpected reloaded config: %+v", c)
	}
	if w.Current() != c {
		t.Error("expected Current to return the reloaded config")
	}
}

func TestConfigWatcher_InvalidKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeConfig(t, path, "log_level: info\n")

	initial, _ := LoadFromFile(path)
	w, err := NewConfigWatcher(path, initial, nil)
	if err != nil {
		t.Fatalf("NewConfigWatcher() error: %v", err)
	}
	defer w.Stop()

	called := false
	w.RegisterCallback(func(*Config) { called = true })

	writeConfig(t, path, "retry_delay: 0s\n")
	err = w.Reload()
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "retry_delay" {
		t.Fatalf("expected retry_delay validation error, got %v", err)
	}
	if called {
		t.Error("callback must not run for an invalid config")
	}
	if w.Current() != initial {
		t.Error("expected the initial config to be kept")
	}
}

func TestConfigWatcher_CustomLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeConfig(t, path, "")

	loads := 0
	w, err := NewConfigWatcher(path, DefaultConfig(), func() (*Config, error) {
		loads++
		cfg := DefaultConfig()
		cfg.LogFormat = "text"
		return cfg, nil
	})
	if err != nil {
		t.Fatalf("NewConfigWatcher() error: %v", err)
	}
	defer w.Stop()

	if err := w.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if loads != 1 || w.Current().LogFormat != "text" {
		t.Errorf("expected the custom loader to be used, loads=%d", loads)
	}
}

func TestConfigWatcher_FileEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeConfig(t, path, "log_level: info\n")

	initial, _ := LoadFromFile(path)
	w, err := NewConfigWatcher(path, initial, nil)
	if err != nil {
		t.Fatalf("NewConfigWatcher() error: %v", err)
	}
	defer w.Stop()

	reloaded := make(chan *Config, 4)
	w.RegisterCallback(func(c *Config) { reloaded <- c })
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	writeConfig(t, path, "log_level: warn\n")

	select {
	case c := <-reloaded:
		if c.LogLevel != "warn" {
			t.Errorf("expected warn, got %s", c.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestConfigWatcher_StopTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	writeConfig(t, path, "")

	w, err := NewConfigWatcher(path, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewConfigWatcher() error: %v", err)
	}
	w.Stop()
	w.Stop()
}
