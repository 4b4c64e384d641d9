// Package backoff implements an exponential backoff entry that tracks
// failures of a single request stream and computes when the next request
// may be released.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Policy describes how the delay grows with failures.
type Policy struct {
	// NumErrorsToIgnore is the number of initial failures that do not delay.
	NumErrorsToIgnore int
	// InitialDelay is the delay after the first counted failure.
	InitialDelay time.Duration
	// MultiplyFactor scales the delay for every further failure.
	MultiplyFactor float64
	// JitterFactor in [0,1] randomly shortens the delay by up to this fraction.
	JitterFactor float64
	// MaximumBackoff caps the delay. Zero or negative means no cap.
	MaximumBackoff time.Duration
	// EntryLifetime is how long an unused entry is kept. Negative means forever.
	EntryLifetime time.Duration
	// AlwaysUseInitialDelay applies InitialDelay even without failures.
	AlwaysUseInitialDelay bool
}

// DefaultConfigServicePolicy is the policy used for config service fetches.
var DefaultConfigServicePolicy = Policy{
	NumErrorsToIgnore:     0,
	InitialDelay:          time.Second,
	MultiplyFactor:        4,
	JitterFactor:          0.10,
	MaximumBackoff:        30 * time.Minute,
	EntryLifetime:         -1,
	AlwaysUseInitialDelay: true,
}

// Entry tracks failures for one request stream.
type Entry struct {
	policy Policy
	clock  clock.PassiveClock
	rand   func() float64

	mu           sync.Mutex
	failureCount int
	releaseTime  time.Time
}

// NewEntry creates an entry. A nil clock uses the real clock.
func NewEntry(policy Policy, clk clock.PassiveClock) *Entry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Entry{
		policy: policy,
		clock:  clk,
		rand:   rand.Float64,
	}
}

// SetRandSource replaces the jitter source. f must return values in [0,1).
func (e *Entry) SetRandSource(f func() float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rand = f
}

// InformOfRequest records the outcome of a request.
func (e *Entry) InformOfRequest(succeeded bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if !succeeded {
		e.failureCount++
		e.releaseTime = e.calculateReleaseTime(now)
		return
	}

	// Decay slowly so interleaved successes don't wipe out a failure streak.
	if e.failureCount > 0 {
		e.failureCount--
	}

	// Never pull the release horizon backwards.
	var delay time.Duration
	if e.policy.AlwaysUseInitialDelay {
		delay = e.policy.InitialDelay
	}
	if next := now.Add(delay); next.After(e.releaseTime) {
		e.releaseTime = next
	}
}

func (e *Entry) calculateReleaseTime(now time.Time) time.Time {
	effective := e.failureCount - e.policy.NumErrorsToIgnore
	if effective < 0 {
		effective = 0
	}

	var release time.Time
	if effective == 0 {
		release = now
		if e.policy.AlwaysUseInitialDelay {
			release = now.Add(e.policy.InitialDelay)
		}
	} else {
		delay := float64(e.policy.InitialDelay) * math.Pow(e.policy.MultiplyFactor, float64(effective-1))
		delay -= e.rand() * e.policy.JitterFactor * delay
		if maxDelay := float64(e.policy.MaximumBackoff); maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
		if delay > float64(math.MaxInt64) {
			delay = float64(math.MaxInt64)
		}
		release = now.Add(time.Duration(delay))
	}

	if e.releaseTime.After(release) {
		return e.releaseTime
	}
	return release
}

// GetTimeUntilRelease returns how long until the next request may be sent.
func (e *Entry) GetTimeUntilRelease() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.releaseTime.Sub(e.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// ShouldRejectRequest reports whether a request now would be inside the backoff.
func (e *Entry) ShouldRejectRequest() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseTime.After(e.clock.Now())
}

// ReleaseTime returns the absolute release horizon.
func (e *Entry) ReleaseTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseTime
}

// FailureCount returns the current (decayed) failure count.
func (e *Entry) FailureCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failureCount
}

// Reset forgets all failures and the release horizon.
func (e *Entry) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failureCount = 0
	e.releaseTime = time.Time{}
}

// CanDiscard reports whether the entry has been idle for its lifetime.
func (e *Entry) CanDiscard() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.policy.EntryLifetime < 0 {
		return false
	}
	unusedSince := e.clock.Now().Sub(e.releaseTime)
	if unusedSince < 0 {
		return false
	}
	if e.failureCount > 0 {
		// Further failures still add to the delay until the maximum has passed.
		keep := e.policy.EntryLifetime
		if e.policy.MaximumBackoff > keep {
			keep = e.policy.MaximumBackoff
		}
		return unusedSince >= keep
	}
	return unusedSince >= e.policy.EntryLifetime
}
