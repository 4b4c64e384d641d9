// Package retry keeps the proxy retry map: which upstream proxies are
// currently marked bad and until when.
package retry

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Info is the retry state of one proxy.
type Info struct {
	// BadUntil is when the proxy may be used again.
	BadUntil time.Time
	// CurrentDelay is the delay that was applied when the proxy was marked bad.
	CurrentDelay time.Duration
}

// Map is a snapshot of the retry state keyed by proxy URI.
type Map map[string]Info

// Config holds the tracker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures before a proxy is marked bad.
	FailureThreshold int
	// DefaultDelay is how long a failing proxy stays bad.
	DefaultDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 1,
		DefaultDelay:     5 * time.Minute,
	}
}

type proxyState struct {
	failures int
	info     Info
}

// Tracker manages retry state per proxy.
type Tracker struct {
	clock clock.PassiveClock

	mu      sync.RWMutex
	proxies map[string]*proxyState
	config  Config
}

// NewTracker creates a tracker. A nil clock uses the real clock.
func NewTracker(config Config, clk clock.PassiveClock) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	return &Tracker{
		clock:   clk,
		proxies: make(map[string]*proxyState),
		config:  config,
	}
}

// UpdateConfig replaces the configuration. Existing entries keep their state.
func (t *Tracker) UpdateConfig(config Config) {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config = config
}

// getOrCreate must be called with the write lock held.
func (t *Tracker) getOrCreate(uri string) *proxyState {
	st, ok := t.proxies[uri]
	if !ok {
		st = &proxyState{}
		t.proxies[uri] = st
	}
	return st
}

// IsBad reports whether the proxy is still inside its retry window.
func (t *Tracker) IsBad(uri string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.proxies[uri]
	if !ok || st.info.BadUntil.IsZero() {
		return false
	}
	return !st.info.BadUntil.Before(t.clock.Now())
}

// RecordSuccess clears the failure streak of a proxy.
func (t *Tracker) RecordSuccess(uri string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.proxies[uri]
	if !ok {
		return
	}
	st.failures = 0
	if st.info.BadUntil.Before(t.clock.Now()) {
		delete(t.proxies, uri)
	}
}

// RecordFailure counts a failure and marks the proxy bad once the
// threshold is reached. It reports whether the proxy is now bad.
func (t *Tracker) RecordFailure(uri string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.getOrCreate(uri)
	st.failures++
	if st.failures < t.config.FailureThreshold {
		return false
	}
	t.markBadLocked(st, t.config.DefaultDelay)
	return true
}

// MarkBad marks the proxy bad for delay. A non-positive delay uses the
// default delay.
func (t *Tracker) MarkBad(uri string, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if delay <= 0 {
		delay = t.config.DefaultDelay
	}
	t.markBadLocked(t.getOrCreate(uri), delay)
}

func (t *Tracker) markBadLocked(st *proxyState, delay time.Duration) {
	st.failures = 0
	st.info = Info{
		BadUntil:     t.clock.Now().Add(delay),
		CurrentDelay: delay,
	}
}

// Snapshot returns the retry map of proxies that have been marked bad.
// Expired entries are included; consumers compare BadUntil themselves.
func (t *Tracker) Snapshot() Map {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := make(Map, len(t.proxies))
	for uri, st := range t.proxies {
		if st.info.BadUntil.IsZero() {
			continue
		}
		m[uri] = st.info
	}
	return m
}

// Reset forgets the state of one proxy.
func (t *Tracker) Reset(uri string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.proxies, uri)
}

// ResetAll forgets every proxy.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proxies = make(map[string]*proxyState)
}
