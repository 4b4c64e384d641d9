// Package netquality estimates network round trip time and downstream
// throughput from samples taken on forwarded traffic.
package netquality

import (
	"math"
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
	"k8s.io/utils/clock"
)

// InvalidRTT marks an unknown round trip time.
const InvalidRTT = time.Duration(math.MaxInt64)

const (
	// DefaultMaxSamples bounds each observation buffer.
	DefaultMaxSamples = 20
	// DefaultHalfLife is the age at which a sample weighs half as much.
	DefaultHalfLife = 60 * time.Second
	// MinThroughputBytes is the smallest transfer used as a throughput sample.
	MinThroughputBytes = 32 * 1000
)

// Quality is a network quality estimate.
type Quality struct {
	// RTT is InvalidRTT when unknown.
	RTT time.Duration
	// DownstreamKbps is 0 when unknown.
	DownstreamKbps int64
}

// RTTKnown reports whether the RTT was measured.
func (q Quality) RTTKnown() bool {
	return q.RTT != InvalidRTT
}

type observation struct {
	value float64
	at    time.Time
}

type buffer struct {
	max  int
	data []observation
}

func (b *buffer) add(o observation) {
	if len(b.data) >= b.max {
		b.data = b.data[1:]
	}
	b.data = append(b.data, o)
}

// weightedMedian returns the median of the buffer with each observation
// weighted by 0.5^(age/halfLife).
func (b *buffer) weightedMedian(now time.Time, halfLife time.Duration) (float64, bool) {
	if len(b.data) == 0 {
		return 0, false
	}
	obs := slices.Clone(b.data)
	slices.SortFunc(obs, func(x, y observation) int {
		switch {
		case x.value < y.value:
			return -1
		case x.value > y.value:
			return 1
		}
		return 0
	})

	values := make([]float64, len(obs))
	weights := make([]float64, len(obs))
	for i, o := range obs {
		values[i] = o.value
		age := now.Sub(o.at)
		if age < 0 {
			age = 0
		}
		weights[i] = math.Pow(0.5, float64(age)/float64(halfLife))
	}
	return stat.Quantile(0.5, stat.Empirical, values, weights), true
}

// Estimator collects samples and answers Estimate.
type Estimator struct {
	halfLife time.Duration
	clock    clock.PassiveClock

	mu         sync.Mutex
	rtt        buffer
	throughput buffer
}

// New creates an estimator. Non-positive arguments use the defaults and a
// nil clock uses the real clock.
func New(maxSamples int, halfLife time.Duration, clk clock.PassiveClock) *Estimator {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Estimator{
		halfLife:   halfLife,
		clock:      clk,
		rtt:        buffer{max: maxSamples},
		throughput: buffer{max: maxSamples},
	}
}

// AddRTTSample records a round trip time, typically time to first byte.
func (e *Estimator) AddRTTSample(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rtt.add(observation{value: float64(rtt), at: e.clock.Now()})
}

// AddThroughputSample records a body transfer. Transfers smaller than
// MinThroughputBytes are ignored.
func (e *Estimator) AddThroughputSample(bytes int64, elapsed time.Duration) {
	if bytes < MinThroughputBytes || elapsed <= 0 {
		return
	}
	kbps := float64(bytes) * 8 / 1000 / elapsed.Seconds()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.throughput.add(observation{value: kbps, at: e.clock.Now()})
}

// Estimate returns the current estimate. ok is false when no sample of
// either kind has been recorded.
func (e *Estimator) Estimate() (Quality, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	q := Quality{RTT: InvalidRTT}

	rtt, haveRTT := e.rtt.weightedMedian(now, e.halfLife)
	if haveRTT {
		q.RTT = time.Duration(rtt)
	}
	kbps, haveKbps := e.throughput.weightedMedian(now, e.halfLife)
	if haveKbps {
		q.DownstreamKbps = int64(math.Round(kbps))
	}
	return q, haveRTT || haveKbps
}

// Reset drops every sample, used when the network changes.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rtt.data = nil
	e.throughput.data = nil
}

// OnIPAddressChanged drops the samples taken on the previous network.
func (e *Estimator) OnIPAddressChanged() {
	e.Reset()
}
