// Package limiter caps concurrent connections per upstream proxy and in
// total.
package limiter

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cr0hn/drpd/internal/logger"
)

var (
	// ErrUpstreamLimitReached is returned when the per-upstream limit is reached.
	ErrUpstreamLimitReached = errors.New("connection limit reached for upstream")
	// ErrTotalLimitReached is returned when the total limit is reached.
	ErrTotalLimitReached = errors.New("total connection limit reached")
)

// Limiter tracks and limits concurrent connections. Upstreams are keyed by
// proxy URI; "direct://" is an upstream like any other.
type Limiter struct {
	maxPerUpstream atomic.Int32
	maxTotal       atomic.Int32
	total          atomic.Int64
	perUpstream    map[string]*atomic.Int64
	mu             sync.RWMutex
}

// New creates a Limiter. A limit of zero or less disables that limit.
func New(maxPerUpstream, maxTotal int) *Limiter {
	l := &Limiter{
		perUpstream: make(map[string]*atomic.Int64),
	}
	l.maxPerUpstream.Store(int32(maxPerUpstream))
	l.maxTotal.Store(int32(maxTotal))
	return l
}

// UpdateLimits updates the connection limits at runtime.
func (l *Limiter) UpdateLimits(maxPerUpstream, maxTotal int) {
	l.maxPerUpstream.Store(int32(maxPerUpstream))
	l.maxTotal.Store(int32(maxTotal))
	logger.Info("limits_updated", "max_per_upstream", maxPerUpstream, "max_total", maxTotal)
}

func (l *Limiter) counter(upstream string) *atomic.Int64 {
	l.mu.RLock()
	c, ok := l.perUpstream[upstream]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.perUpstream[upstream]; ok {
		return c
	}
	c = &atomic.Int64{}
	l.perUpstream[upstream] = c
	return c
}

// Acquire takes a connection slot for upstream. CAS loops keep the check
// and the increment atomic.
func (l *Limiter) Acquire(upstream string) error {
	maxTotal := int64(l.maxTotal.Load())
	maxPerUpstream := int64(l.maxPerUpstream.Load())

	for {
		current := l.total.Load()
		if maxTotal > 0 && current >= maxTotal {
			return ErrTotalLimitReached
		}
		if l.total.CompareAndSwap(current, current+1) {
			break
		}
	}

	c := l.counter(upstream)
	for {
		n := c.Load()
		if maxPerUpstream > 0 && n >= maxPerUpstream {
			// Roll back the total slot taken above.
			l.total.Add(-1)
			return ErrUpstreamLimitReached
		}
		if c.CompareAndSwap(n, n+1) {
			break
		}
	}
	return nil
}

// Release returns a slot taken with Acquire.
func (l *Limiter) Release(upstream string) {
	l.mu.RLock()
	c, ok := l.perUpstream[upstream]
	l.mu.RUnlock()

	if ok {
		c.Add(-1)
	}
	l.total.Add(-1)
}

// UpstreamCount returns the current connection count for upstream.
func (l *Limiter) UpstreamCount(upstream string) int64 {
	l.mu.RLock()
	c, ok := l.perUpstream[upstream]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// TotalCount returns the current total connection count.
func (l *Limiter) TotalCount() int64 {
	return l.total.Load()
}

// IsUpstreamAvailable reports whether upstream has a free slot.
func (l *Limiter) IsUpstreamAvailable(upstream string) bool {
	limit := int64(l.maxPerUpstream.Load())
	return limit <= 0 || l.UpstreamCount(upstream) < limit
}

// Stats returns the counts per upstream plus "total".
func (l *Limiter) Stats() map[string]int64 {
	stats := map[string]int64{"total": l.total.Load()}

	l.mu.RLock()
	for upstream, c := range l.perUpstream {
		stats[upstream] = c.Load()
	}
	l.mu.RUnlock()

	return stats
}
