package netwatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cr0hn/drpd/internal/logger"
	"github.com/cr0hn/drpd/internal/metrics"
)

// Observer is notified when the host IP addresses change.
type Observer interface {
	OnIPAddressChanged()
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func()

// OnIPAddressChanged implements Observer.
func (f ObserverFunc) OnIPAddressChanged() { f() }

// WatcherConfig holds configuration for the Watcher.
type WatcherConfig struct {
	Lister   Lister
	Interval time.Duration
	Timeout  time.Duration
	// MinNotifyInterval spaces notifications; changes inside the window are
	// coalesced into one notification once it elapses.
	MinNotifyInterval time.Duration
	// ConnectionOverride forces the reported connection type when not unknown.
	ConnectionOverride ConnectionType
}

// Watcher polls interface addresses and notifies observers on change.
type Watcher struct {
	config  WatcherConfig
	limiter *rate.Limiter
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu          sync.RWMutex
	observers   []Observer
	fingerprint string
	primed      bool
	pending     bool
	connType    ConnectionType
	override    ConnectionType
	vpnActive   bool
}

// NewWatcher creates a watcher. Start must be called to begin polling.
func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Lister == nil {
		cfg.Lister = SystemLister{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	limit := rate.Inf
	if cfg.MinNotifyInterval > 0 {
		limit = rate.Every(cfg.MinNotifyInterval)
	}
	return &Watcher{
		config:   cfg,
		limiter:  rate.NewLimiter(limit, 1),
		stopCh:   make(chan struct{}),
		override: cfg.ConnectionOverride,
	}
}

// AddObserver registers an observer.
func (w *Watcher) AddObserver(o Observer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observers = append(w.observers, o)
}

// Start starts the polling goroutine.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.pollLoop()
	logger.Info("network_watcher_started",
		"interval", w.config.Interval,
		"min_notify_interval", w.config.MinNotifyInterval,
	)
}

// Stop stops the watcher and waits for completion.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	logger.Info("network_watcher_stopped")
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()

	// Prime the fingerprint immediately so the first tick only reports changes.
	w.Poll(context.Background())

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Poll(context.Background())
		case <-w.stopCh:
			return
		}
	}
}

// Poll checks the interfaces once and notifies observers when the address
// fingerprint changed since the previous poll. It reports whether
// observers were notified.
func (w *Watcher) Poll(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	ifaces, err := w.config.Lister.Interfaces(ctx)
	if err != nil {
		logger.Debug("network_poll_failed", "error", err.Error())
		return false
	}

	fp := fingerprint(ifaces)
	connType := ConnectionTypeOf(ifaces)
	vpn := HasVPNInterface(ifaces)

	w.mu.Lock()
	changed := w.primed && fp != w.fingerprint
	if changed {
		logger.Info("ip_address_changed",
			"previous", w.fingerprint,
			"current", fp,
			"connection_type", connType.String(),
		)
	}
	w.primed = true
	w.fingerprint = fp
	w.connType = connType
	w.vpnActive = vpn
	if changed {
		w.pending = true
	}
	notify := w.pending && w.limiter.Allow()
	if notify {
		w.pending = false
	} else if w.pending {
		metrics.NetworkNotifications.WithLabelValues("deferred").Inc()
	}
	observers := append([]Observer(nil), w.observers...)
	w.mu.Unlock()

	if !notify {
		return false
	}
	metrics.NetworkNotifications.WithLabelValues("delivered").Inc()
	for _, o := range observers {
		o.OnIPAddressChanged()
	}
	return true
}

// ConnectionType returns the override when set, else the type observed on
// the last poll.
func (w *Watcher) ConnectionType() ConnectionType {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.override != ConnectionUnknown {
		return w.override
	}
	return w.connType
}

// SetConnectionTypeOverride forces the reported connection type. Passing
// ConnectionUnknown clears the override.
func (w *Watcher) SetConnectionTypeOverride(c ConnectionType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.override = c
}

// IsVPNActive reports whether a tunnel interface was seen on the last poll.
func (w *Watcher) IsVPNActive() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.vpnActive
}
