package drpconfig

import (
	"math"
	"time"

	"github.com/cr0hn/drpd/internal/logger"
	"github.com/cr0hn/drpd/internal/metrics"
	"github.com/cr0hn/drpd/internal/netquality"
	"github.com/cr0hn/drpd/internal/params"
)

// LoFiStatus is the Lo-Fi state of the session.
type LoFiStatus int

const (
	// LoFiOff is terminal: Lo-Fi stays off for the life of the process.
	LoFiOff LoFiStatus = iota
	// LoFiTemporarilyOff lasts until the next main frame request.
	LoFiTemporarilyOff
	// LoFiActive means the enabled group saw a slow network.
	LoFiActive
	// LoFiActiveFromFlags means Lo-Fi was forced on by flags.
	LoFiActiveFromFlags
	// LoFiActiveControl means the control group saw a slow network.
	LoFiActiveControl
	// LoFiInactive means the enabled group saw a fast network.
	LoFiInactive
	// LoFiInactiveControl means the control group saw a fast network.
	LoFiInactiveControl
)

// String returns the string representation of the status.
func (s LoFiStatus) String() string {
	switch s {
	case LoFiOff:
		return "off"
	case LoFiTemporarilyOff:
		return "temporarily_off"
	case LoFiActive:
		return "active"
	case LoFiActiveFromFlags:
		return "active_from_flags"
	case LoFiActiveControl:
		return "active_control"
	case LoFiInactive:
		return "inactive"
	case LoFiInactiveControl:
		return "inactive_control"
	default:
		return "unknown"
	}
}

// UsesLoFiHeader reports whether requests carry the Lo-Fi directive in this
// status.
func (s LoFiStatus) UsesLoFiHeader() bool {
	return s == LoFiActive || s == LoFiActiveFromFlags
}

// NetworkQualityEstimator provides network quality estimates.
type NetworkQualityEstimator interface {
	Estimate() (netquality.Quality, bool)
}

// autoLoFiParams are the Auto Lo-Fi thresholds.
type autoLoFiParams struct {
	minimumRTT  time.Duration
	maximumKbps int64
	hysteresis  time.Duration
}

func defaultAutoLoFiParams() autoLoFiParams {
	return autoLoFiParams{
		minimumRTT:  netquality.InvalidRTT,
		maximumKbps: 0,
		hysteresis:  time.Duration(math.MaxInt64),
	}
}

// autoLoFiParamsFrom reads the trial variation params. Only sessions in a
// Lo-Fi trial group get anything but the defaults.
func autoLoFiParamsFrom(p params.Provider) autoLoFiParams {
	out := defaultAutoLoFiParams()
	group := p.LoFiTrialGroup()
	if group != params.LoFiGroupEnabled && group != params.LoFiGroupControl {
		return out
	}
	v := p.LoFiVariationParams()
	if v.RTTMsec != nil && *v.RTTMsec >= 0 {
		out.minimumRTT = time.Duration(*v.RTTMsec) * time.Millisecond
	}
	if v.Kbps != nil && *v.Kbps >= 0 {
		out.maximumKbps = *v.Kbps
	}
	if v.HysteresisPeriod != nil && *v.HysteresisPeriod >= 0 {
		out.hysteresis = *v.HysteresisPeriod
	}
	return out
}

// IsNetworkQualityProhibitivelySlow reports whether the estimated network
// quality is below the Auto Lo-Fi thresholds. The result is cached for the
// hysteresis period unless the connection type changes.
func (c *Config) IsNetworkQualityProhibitivelySlow(estimator NetworkQualityEstimator) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isNetworkQualityProhibitivelySlowLocked(estimator)
}

func (c *Config) isNetworkQualityProhibitivelySlowLocked(estimator NetworkQualityEstimator) bool {
	if estimator == nil {
		return false
	}

	typeChanged := false
	if current := c.connectionType(); current != c.lastConnectionType {
		c.lastConnectionType = current
		typeChanged = true
	}

	now := c.clock.Now()
	if !typeChanged && !c.qualityLastUpdated.IsZero() &&
		now.Sub(c.qualityLastUpdated) <= c.autoLoFi.hysteresis {
		return c.prohibitivelySlow
	}

	// Updated before the estimate is read: a missing estimate still starts
	// a new hysteresis window.
	c.qualityLastUpdated = now

	q, ok := estimator.Estimate()
	if !ok {
		return false
	}

	c.prohibitivelySlow = (q.DownstreamKbps > 0 && q.DownstreamKbps < c.autoLoFi.maximumKbps) ||
		(q.RTTKnown() && q.RTT > c.autoLoFi.minimumRTT)
	return c.prohibitivelySlow
}

// UpdateLoFiStatusOnMainFrameRequest recomputes the Lo-Fi status at the
// start of a main frame request. userDisabled is set when the user asked for
// the page without Lo-Fi; it suppresses Lo-Fi until the next main frame
// request.
func (c *Config) UpdateLoFiStatusOnMainFrameRequest(userDisabled bool, estimator NetworkQualityEstimator) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.lofiStatus
	next := c.nextLoFiStatusLocked(userDisabled, estimator)
	if next == prev {
		return
	}
	c.lofiStatus = next
	metrics.LoFiStatus.Set(float64(next))
	logger.LogLoFiTransition(prev.String(), next.String())
}

func (c *Config) nextLoFiStatusLocked(userDisabled bool, estimator NetworkQualityEstimator) LoFiStatus {
	current := c.lofiStatus
	if current == LoFiOff {
		return LoFiOff
	}

	if userDisabled {
		switch current {
		case LoFiActiveFromFlags, LoFiActive, LoFiInactive:
			return LoFiTemporarilyOff
		default:
			// Already off, or a control group that never sends the header.
			return current
		}
	}

	if c.params.LoFiAlwaysOnViaFlags() {
		return LoFiActiveFromFlags
	}

	if c.params.LoFiCellularOnlyViaFlags() {
		if c.connectionType().IsCellular() {
			return LoFiActiveFromFlags
		}
		return LoFiTemporarilyOff
	}

	switch c.params.LoFiTrialGroup() {
	case params.LoFiGroupControl:
		if c.isNetworkQualityProhibitivelySlowLocked(estimator) {
			return LoFiActiveControl
		}
		return LoFiInactiveControl
	case params.LoFiGroupEnabled:
		next := LoFiInactive
		if c.isNetworkQualityProhibitivelySlowLocked(estimator) {
			next = LoFiActive
		}
		recordHeaderTransition(c.lastConnectionType.String(), current.UsesLoFiHeader(), next.UsesLoFiHeader())
		return next
	}

	return LoFiOff
}

// recordHeaderTransition counts how the Lo-Fi request header changed
// between two main frame requests.
func recordHeaderTransition(connectionType string, previousLow, currentLow bool) {
	var transition string
	switch {
	case !previousLow && !currentLow:
		transition = "empty_to_empty"
	case !previousLow && currentLow:
		transition = "empty_to_low"
	case previousLow && !currentLow:
		transition = "low_to_empty"
	default:
		transition = "low_to_low"
	}
	metrics.LoFiTransitions.WithLabelValues(connectionType, transition).Inc()
}

// SetLoFiModeOff turns Lo-Fi off for the rest of the process.
func (c *Config) SetLoFiModeOff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lofiStatus == LoFiOff {
		return
	}
	logger.LogLoFiTransition(c.lofiStatus.String(), LoFiOff.String())
	c.lofiStatus = LoFiOff
	metrics.LoFiStatus.Set(float64(LoFiOff))
}

// LoFiStatus returns the current Lo-Fi status.
func (c *Config) LoFiStatus() LoFiStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lofiStatus
}

// ShouldUseLoFiHeaderForRequests reports whether requests should carry the
// Lo-Fi directive.
func (c *Config) ShouldUseLoFiHeaderForRequests() bool {
	return c.LoFiStatus().UsesLoFiHeader()
}
