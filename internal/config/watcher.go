package config

import (
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cr0hn/drpd/internal/logger"
)

// DefaultDebounceInterval coalesces bursts of file events into one reload.
const DefaultDebounceInterval = 100 * time.Millisecond

// LoaderFunc produces a fresh configuration for a reload.
type LoaderFunc func() (*Config, error)

// ConfigWatcher watches a configuration file for changes and notifies callbacks.
type ConfigWatcher struct {
	path      string
	load      LoaderFunc
	current   atomic.Pointer[Config]
	watcher   *fsnotify.Watcher
	callbacks []func(*Config)
	stopCh    chan struct{}
	stopOnce  sync.Once
	mu        sync.RWMutex
}

// NewConfigWatcher creates a ConfigWatcher for path. A nil load reads the
// file and applies the environment on top.
func NewConfigWatcher(path string, initial *Config, load LoaderFunc) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if load == nil {
		load = func() (*Config, error) {
			cfg, err := LoadFromFile(path)
			if err != nil {
				return nil, err
			}
			if err := loadFromEnv(cfg, os.Getenv); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}

	cw := &ConfigWatcher{
		path:    path,
		load:    load,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}
	cw.current.Store(initial)

	return cw, nil
}

// Start begins watching the configuration file for changes.
func (w *ConfigWatcher) Start() error {
	if err := w.watcher.Add(w.path); err != nil {
		return err
	}

	go w.watchLoop()
	logger.Info("config_watcher_started", "path", w.path)
	return nil
}

// Stop stops the configuration watcher.
func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		logger.Info("config_watcher_stopped")
	})
}

// Current returns the current configuration.
func (w *ConfigWatcher) Current() *Config {
	return w.current.Load()
}

// RegisterCallback adds a callback to be called when configuration changes.
func (w *ConfigWatcher) RegisterCallback(fn func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Reload reloads the configuration now. SIGHUP ends up here.
func (w *ConfigWatcher) Reload() error {
	return w.reload()
}

// watchLoop watches for file changes with debouncing.
func (w *ConfigWatcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(DefaultDebounceInterval, func() {
					if err := w.reload(); err != nil {
						logger.Error("config_reload_failed", "error", err)
					}
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("config_watcher_error", "error", err)

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// reload loads the configuration and notifies callbacks. An invalid
// configuration keeps the current one.
func (w *ConfigWatcher) reload() error {
	newCfg, err := w.load()
	if err != nil {
		return err
	}

	if err := validateReloadable(newCfg); err != nil {
		return err
	}

	oldCfg := w.Current()
	w.current.Store(newCfg)

	logChanges(oldCfg, newCfg)

	w.mu.RLock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		cb(newCfg)
	}

	logger.Info("config_reloaded", "path", w.path)
	return nil
}

// logChanges logs which configuration values changed.
func logChanges(old, new *Config) {
	changed := func(field string, o, n any) {
		logger.Info("config_changed", "field", field, "old", o, "new", n)
	}
	ignored := func(field string) {
		logger.Warn("config_change_ignored", "field", field, "reason", "requires restart")
	}

	if old.LogLevel != new.LogLevel {
		changed("log_level", old.LogLevel, new.LogLevel)
	}
	if old.LogFormat != new.LogFormat {
		changed("log_format", old.LogFormat, new.LogFormat)
	}
	if old.MaxConnsPerUpstream != new.MaxConnsPerUpstream {
		changed("max_conns_per_upstream", old.MaxConnsPerUpstream, new.MaxConnsPerUpstream)
	}
	if old.MaxConnsTotal != new.MaxConnsTotal {
		changed("max_conns_total", old.MaxConnsTotal, new.MaxConnsTotal)
	}
	if old.RetryDelay != new.RetryDelay {
		changed("retry_delay", old.RetryDelay, new.RetryDelay)
	}
	if old.DataSaverOnVPN != new.DataSaverOnVPN {
		changed("data_saver_on_vpn", old.DataSaverOnVPN, new.DataSaverOnVPN)
	}
	if old.ConnectionType != new.ConnectionType {
		changed("connection_type", old.ConnectionType, new.ConnectionType)
	}
	if old.LoFiDisabled != new.LoFiDisabled || old.LoFiAlwaysOn != new.LoFiAlwaysOn ||
		old.LoFiCellularOnly != new.LoFiCellularOnly || old.LoFiTrialGroup != new.LoFiTrialGroup ||
		old.LoFiRTT != new.LoFiRTT || old.LoFiKbps != new.LoFiKbps || old.LoFiHysteresis != new.LoFiHysteresis {
		changed("lofi", old.LoFiTrialGroup, new.LoFiTrialGroup)
	}

	if !slices.Equal(old.HTTPProxies, new.HTTPProxies) || !slices.Equal(old.HTTPSProxies, new.HTTPSProxies) {
		ignored("proxies")
	}
	if old.Port != new.Port {
		ignored("port")
	}
	if old.MetricsPort != new.MetricsPort {
		ignored("metrics_port")
	}
	if old.Auth != new.Auth {
		logger.Warn("config_change_ignored", "field", "auth", "reason", "requires restart for security")
	}
	if old.ConfigServiceURL != new.ConfigServiceURL || old.APIKey != new.APIKey {
		ignored("config_service")
	}
	if old.DBPath != new.DBPath {
		ignored("db_path")
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
