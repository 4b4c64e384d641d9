package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cr0hn/drpd/internal/backoff"
	"github.com/cr0hn/drpd/internal/config"
	"github.com/cr0hn/drpd/internal/configservice"
	"github.com/cr0hn/drpd/internal/configurator"
	"github.com/cr0hn/drpd/internal/drpconfig"
	"github.com/cr0hn/drpd/internal/limiter"
	"github.com/cr0hn/drpd/internal/logger"
	"github.com/cr0hn/drpd/internal/metrics"
	"github.com/cr0hn/drpd/internal/netquality"
	"github.com/cr0hn/drpd/internal/netwatch"
	"github.com/cr0hn/drpd/internal/params"
	"github.com/cr0hn/drpd/internal/probe"
	"github.com/cr0hn/drpd/internal/proxy"
	"github.com/cr0hn/drpd/internal/requestopts"
	"github.com/cr0hn/drpd/internal/retry"
	"github.com/cr0hn/drpd/internal/store"
)

const shutdownTimeout = 30 * time.Second

// daemon owns every long-lived component of drpd.
type daemon struct {
	cfg *config.Config

	store        *store.Store
	holder       *params.Holder
	values       *params.MutableValues
	configurator *configurator.Configurator
	tracker      *retry.Tracker
	limiter      *limiter.Limiter
	stats        *metrics.StatsCollector
	estimator    *netquality.Estimator
	watcher      *netwatch.Watcher
	checker      *probe.Checker
	drp          *drpconfig.Config
	reqOpts      *requestopts.RequestOptions
	service      *configservice.Client

	proxyServer   *proxy.Server
	metricsServer *metrics.Server

	wg sync.WaitGroup
}

// Status is the daemon part of /status and the /ws stream.
type Status struct {
	Version        string               `json:"version"`
	Proxy          drpconfig.Snapshot   `json:"proxy"`
	UsesDRP        bool                 `json:"uses_data_reduction_proxy"`
	ConfigService  configservice.Status `json:"config_service"`
	BadProxies     retry.Map            `json:"bad_proxies"`
	Connections    map[string]int64     `json:"connections"`
	NetworkQuality *netquality.Quality  `json:"network_quality,omitempty"`
}

// newDaemon opens the store and wires the components. Nothing runs until
// bootstrap and serve are called.
func newDaemon(cfg *config.Config) (*daemon, error) {
	static, err := cfg.StaticValues()
	if err != nil {
		return nil, fmt.Errorf("parsing proxies: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	d := &daemon{
		cfg:          cfg,
		store:        st,
		holder:       params.NewHolder(cfg.Params()),
		values:       params.NewMutableValues(static),
		configurator: configurator.New(),
		tracker: retry.NewTracker(retry.Config{
			FailureThreshold: cfg.RetryFailureThreshold,
			DefaultDelay:     cfg.RetryDelay,
		}, nil),
		limiter:   limiter.New(cfg.MaxConnsPerUpstream, cfg.MaxConnsTotal),
		stats:     metrics.NewStatsCollector(),
		estimator: netquality.New(netquality.DefaultMaxSamples, netquality.DefaultHalfLife, nil),
	}

	lister := netwatch.SystemLister{}
	d.watcher = netwatch.NewWatcher(netwatch.WatcherConfig{
		Lister:             lister,
		Interval:           cfg.NetworkPollInterval,
		MinNotifyInterval:  cfg.NetworkNotifyInterval,
		ConnectionOverride: cfg.ConnectionOverride(),
	})

	pcfg := probe.DefaultConfig()
	pcfg.Timeout = cfg.ProbeTimeout
	d.checker = probe.NewChecker(pcfg)

	d.drp = drpconfig.New(drpconfig.Options{
		Values:       d.values,
		Params:       d.holder,
		Configurator: d.configurator,
		Checker:      d.checker,
		VPN:          &netwatch.TunDetector{Lister: lister},
		Network:      d.watcher,
	})

	d.reqOpts = requestopts.New(cfg.ClientName, version, cfg.APIKey, nil)
	d.service = configservice.New(configservice.Options{
		Params:         d.holder,
		StaticProxies:  static.HTTPProxies,
		Policy:         backoff.DefaultConfigServicePolicy,
		RequestOptions: d.reqOpts,
		Values:         d.values,
		Config:         d.drp,
		Storer:         d.store,
		HTTP:           configservice.DefaultHTTPConfig(),
	})

	d.watcher.AddObserver(d.estimator)
	d.watcher.AddObserver(netwatch.ObserverFunc(d.drp.OnIPAddressChanged))
	d.watcher.AddObserver(netwatch.ObserverFunc(d.service.OnIPAddressChanged))

	d.proxyServer = proxy.NewServer(cfg, proxy.Deps{
		Router:  d.configurator,
		DRP:     d.drp,
		Headers: d.reqOpts,
		Auth:    d.service,
		Retry:   d.tracker,
		Limiter: d.limiter,
		Quality: d.estimator,
		Stats:   d.stats,
	})
	d.metricsServer = metrics.NewServer(cfg.MetricsPort, d.stats, d.status)

	return d, nil
}

// bootstrap brings the proxy state up: bypass rules, the persisted config,
// the user setting and the first config fetch.
func (d *daemon) bootstrap() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	d.watcher.Poll(ctx)
	cancel()

	d.drp.Initialize()

	saved, err := d.store.LoadConfig()
	if err != nil {
		logger.Warn("stored_config_unreadable", "error", err)
	} else if saved != "" {
		d.service.ApplySerializedConfig(saved)
	}

	d.drp.SetProxyConfig(d.cfg.Enabled, true)
	d.watcher.Start()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.service.RetrieveConfig()
	}()
}

// serve starts both servers. Listen errors are delivered on the returned
// channel.
func (d *daemon) serve() <-chan error {
	errCh := make(chan error, 2)

	go func() {
		logger.Info("metrics_server_starting", "port", d.cfg.MetricsPort)
		if err := d.metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	go func() {
		d.metricsServer.SetReady(true)
		if err := d.proxyServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	return errCh
}

// applyConfig pushes the hot-reloadable settings of newCfg into the
// running components.
func (d *daemon) applyConfig(newCfg *config.Config) {
	logger.Reconfigure(newCfg.LogLevel, newCfg.LogFormat)
	d.limiter.UpdateLimits(newCfg.MaxConnsPerUpstream, newCfg.MaxConnsTotal)
	d.tracker.UpdateConfig(retry.Config{
		FailureThreshold: newCfg.RetryFailureThreshold,
		DefaultDelay:     newCfg.RetryDelay,
	})
	d.holder.Store(newCfg.Params())
	d.drp.ReloadParams()

	prev := d.watcher.ConnectionType()
	d.watcher.SetConnectionTypeOverride(newCfg.ConnectionOverride())
	if d.watcher.ConnectionType() != prev {
		d.estimator.Reset()
	}
}

func (d *daemon) status() any {
	s := Status{
		Version:       version,
		Proxy:         d.drp.Snapshot(),
		UsesDRP:       d.drp.ContainsDataReductionProxy(d.configurator.Rules()),
		ConfigService: d.service.Status(),
		BadProxies:    d.tracker.Snapshot(),
		Connections:   d.limiter.Stats(),
	}
	if q, ok := d.estimator.Estimate(); ok {
		s.NetworkQuality = &q
	}
	return s
}

// shutdown drains the proxy and stops every component.
func (d *daemon) shutdown(timeout time.Duration) {
	d.metricsServer.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("waiting_for_active_connections")
	d.proxyServer.WaitForConnections(timeout)

	if err := d.proxyServer.Shutdown(ctx); err != nil {
		logger.Error("proxy_server_shutdown_error", "error", err)
	}

	// Cancel fetches first; the watcher delivers notifications on its own
	// goroutine and may be inside one.
	d.service.Stop()
	d.service.Wait()
	d.drp.Stop()
	d.checker.Stop()
	d.watcher.Stop()
	d.wg.Wait()

	if err := d.metricsServer.Shutdown(ctx); err != nil {
		logger.Error("metrics_server_shutdown_error", "error", err)
	}
	if err := d.store.Close(); err != nil {
		logger.Error("store_close_error", "error", err)
	}
}

// runDaemon loads the configuration and runs until SIGINT or SIGTERM.
// SIGHUP reloads the config file.
func runDaemon(cmd *cobra.Command, cli *config.Config) error {
	fs := cmd.Flags()
	cfg, err := config.Load(fs, cli)
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("drpd_starting",
		"version", version,
		"commit", commit,
		"date", date,
		"port", cfg.Port,
		"metrics_port", cfg.MetricsPort,
		"enabled", cfg.Enabled,
		"config_service", cfg.ConfigServiceURL != "",
	)

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	d.bootstrap()

	var cfgWatcher *config.ConfigWatcher
	if cfg.ConfigFile != "" {
		var watcherErr error
		cfgWatcher, watcherErr = config.NewConfigWatcher(cfg.ConfigFile, cfg, func() (*config.Config, error) {
			return config.Load(fs, cli)
		})
		if watcherErr != nil {
			logger.Error("config_watcher_create_failed", "error", watcherErr)
		} else {
			cfgWatcher.RegisterCallback(d.applyConfig)
			if startErr := cfgWatcher.Start(); startErr != nil {
				logger.Error("config_watcher_start_failed", "error", startErr)
			}
		}
	}

	errCh := d.serve()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("sighup_received")
				if cfgWatcher == nil {
					logger.Warn("config_reload_without_file")
					continue
				}
				if reloadErr := cfgWatcher.Reload(); reloadErr != nil {
					logger.Error("config_reload_failed", "error", reloadErr)
				}
				continue
			}
			logger.Info("shutdown_signal_received", "signal", sig.String())
			break loop
		case runErr = <-errCh:
			logger.Error("server_failed", "error", runErr)
			break loop
		}
	}

	if cfgWatcher != nil {
		cfgWatcher.Stop()
	}
	d.shutdown(shutdownTimeout)
	logger.Info("drpd_stopped")
	return runErr
}
