// Package metrics provides Prometheus metrics for the daemon.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts forwarded requests by upstream kind and status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drpd_requests_total",
		Help: "Total number of forwarded requests",
	}, []string{"method", "upstream_type", "status"}) // upstream_type: "drp", "proxy", "direct" or "bypassed"

	// RequestDuration tracks request duration in seconds.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drpd_request_duration_seconds",
		Help:    "Request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"upstream_type"})

	// BytesSent tracks total bytes sent to clients.
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drpd_bytes_sent_total",
		Help: "Total bytes sent to clients",
	})

	// BytesReceived tracks total bytes received from clients.
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drpd_bytes_received_total",
		Help: "Total bytes received from clients",
	})

	// ActiveConnections tracks current active connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drpd_active_connections",
		Help: "Current number of active connections",
	})

	// ConnectionsPerUpstream tracks connections per upstream proxy.
	ConnectionsPerUpstream = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drpd_connections_per_upstream",
		Help: "Current connections per upstream proxy",
	}, []string{"upstream"})

	// LimitRejections tracks connection rejections due to limits.
	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drpd_limit_rejections_total",
		Help: "Total connection rejections due to limits",
	}, []string{"type"})

	// AuthFailures tracks client authentication failures.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drpd_auth_failures_total",
		Help: "Total client authentication failures",
	})

	// TunnelConnections tracks CONNECT tunnel connections.
	TunnelConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drpd_tunnel_connections_total",
		Help: "Total CONNECT tunnel connections",
	})

	// ProxyBypasses counts upstream proxies skipped or marked bad.
	ProxyBypasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drpd_proxy_bypasses_total",
		Help: "Upstream proxies marked bad, by reason",
	}, []string{"reason"}) // reason: "bypass", "block", "block_once" or "error"

	// Data reduction proxy state

	// ProxyEnabled is 1 when the data reduction proxy rules are installed.
	ProxyEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drpd_proxy_enabled",
		Help: "Whether the data reduction proxy is in use (1) or not (0)",
	})

	// SecureProxyAllowed is 1 when the secure tier is allowed.
	SecureProxyAllowed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drpd_secure_proxy_allowed",
		Help: "Whether the secure proxy tier is allowed (1) or restricted (0)",
	})

	// SecureProxyCheckResults counts probe outcomes.
	SecureProxyCheckResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drpd_secure_proxy_check_results_total",
		Help: "Secure proxy check outcomes",
	}, []string{"result"})

	// SecureProxyCheckLatency tracks probe fetch latency.
	SecureProxyCheckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drpd_secure_proxy_check_latency_seconds",
		Help:    "Secure proxy check fetch latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// SecureProxyCheckNetErrors counts probe network errors.
	SecureProxyCheckNetErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drpd_secure_proxy_check_net_errors_total",
		Help: "Network errors seen by the secure proxy check",
	}, []string{"error"})

	// NetworkChangeEvents counts network change handling events.
	NetworkChangeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drpd_network_change_events_total",
		Help: "Network change events",
	}, []string{"event"})

	// NetworkNotifications counts IP change notifications from the watcher.
	NetworkNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drpd_network_notifications_total",
		Help: "IP address change notifications",
	}, []string{"outcome"}) // outcome: "delivered" or "deferred"

	// LoFiStatus is the current Lo-Fi status as its enum value.
	LoFiStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drpd_lofi_status",
		Help: "Current Lo-Fi status (enum value)",
	})

	// LoFiTransitions counts Auto Lo-Fi request header transitions.
	LoFiTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drpd_lofi_header_transitions_total",
		Help: "Auto Lo-Fi request header transitions by connection type",
	}, []string{"connection_type", "transition"})

	// Config service metrics

	// ConfigServiceResponses counts config service responses by code.
	ConfigServiceResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drpd_config_service_responses_total",
		Help: "Config service responses by HTTP code (or net error)",
	}, []string{"code"})

	// ConfigServiceFetchLatency tracks successful fetch latency.
	ConfigServiceFetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drpd_config_service_fetch_latency_seconds",
		Help:    "Config service fetch latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ConfigServiceFailedAttempts tracks failures before a successful fetch.
	ConfigServiceFailedAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drpd_config_service_failed_attempts_before_success",
		Help:    "Number of failed fetches before a successful one",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	// ConfigServiceRefreshDelay is the delay until the next fetch.
	ConfigServiceRefreshDelay = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drpd_config_service_refresh_delay_seconds",
		Help: "Delay until the next config fetch in seconds",
	})

	// ConfigServiceAuthFailures counts 407 responses from data reduction proxies.
	ConfigServiceAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drpd_config_service_auth_failures_total",
		Help: "Proxy authentication failures that invalidated the config",
	})
)

// Stats holds runtime statistics for the /stats endpoint.
type Stats struct {
	ActiveConnections      int64            `json:"active_connections"`
	TotalRequests          int64            `json:"total_requests"`
	BytesSent              int64            `json:"bytes_sent"`
	BytesReceived          int64            `json:"bytes_received"`
	ConnectionsPerUpstream map[string]int64 `json:"connections_per_upstream"`
	RequestsPerUpstream    map[string]int64 `json:"requests_per_upstream"`
}

// StatsCollector collects runtime statistics.
type StatsCollector struct {
	activeConnections atomic.Int64
	totalRequests     atomic.Int64
	bytesSent         atomic.Int64
	bytesReceived     atomic.Int64

	mu          sync.RWMutex
	connections map[string]*atomic.Int64
	requests    map[string]*atomic.Int64
}

// NewStatsCollector creates a new stats collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		connections: make(map[string]*atomic.Int64),
		requests:    make(map[string]*atomic.Int64),
	}
}

// counter returns the counter for key in m, creating it if needed.
func (sc *StatsCollector) counter(m map[string]*atomic.Int64, key string) *atomic.Int64 {
	sc.mu.RLock()
	c, ok := m[key]
	sc.mu.RUnlock()
	if ok {
		return c
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if c, ok := m[key]; ok {
		return c
	}
	c = &atomic.Int64{}
	m[key] = c
	return c
}

// IncActiveConnections increments active connections.
func (sc *StatsCollector) IncActiveConnections() {
	sc.activeConnections.Add(1)
	ActiveConnections.Inc()
}

// DecActiveConnections decrements active connections.
func (sc *StatsCollector) DecActiveConnections() {
	sc.activeConnections.Add(-1)
	ActiveConnections.Dec()
}

// IncTotalRequests increments total requests.
func (sc *StatsCollector) IncTotalRequests() {
	sc.totalRequests.Add(1)
}

// AddBytesSent adds to bytes sent counter.
func (sc *StatsCollector) AddBytesSent(n int64) {
	sc.bytesSent.Add(n)
	BytesSent.Add(float64(n))
}

// AddBytesReceived adds to bytes received counter.
func (sc *StatsCollector) AddBytesReceived(n int64) {
	sc.bytesReceived.Add(n)
	BytesReceived.Add(float64(n))
}

// IncConnectionsForUpstream increments connections for an upstream.
func (sc *StatsCollector) IncConnectionsForUpstream(upstream string) {
	sc.counter(sc.connections, upstream).Add(1)
	ConnectionsPerUpstream.WithLabelValues(upstream).Inc()
}

// DecConnectionsForUpstream decrements connections for an upstream.
func (sc *StatsCollector) DecConnectionsForUpstream(upstream string) {
	sc.counter(sc.connections, upstream).Add(-1)
	ConnectionsPerUpstream.WithLabelValues(upstream).Dec()
}

// IncRequestsForUpstream counts a request sent through an upstream.
func (sc *StatsCollector) IncRequestsForUpstream(upstream string) {
	sc.counter(sc.requests, upstream).Add(1)
}

// GetStats returns current statistics.
func (sc *StatsCollector) GetStats() Stats {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	conns := make(map[string]int64, len(sc.connections))
	for k, c := range sc.connections {
		conns[k] = c.Load()
	}
	reqs := make(map[string]int64, len(sc.requests))
	for k, c := range sc.requests {
		reqs[k] = c.Load()
	}
	return Stats{
		ActiveConnections:      sc.activeConnections.Load(),
		TotalRequests:          sc.totalRequests.Load(),
		BytesSent:              sc.bytesSent.Load(),
		BytesReceived:          sc.bytesReceived.Load(),
		ConnectionsPerUpstream: conns,
		RequestsPerUpstream:    reqs,
	}
}
