// Package bandwidth measures achieved throughput and enforces send budgets:
// a windowed estimator with congestion detection and trend prediction, and a
// global/per-client token-bucket throttle.
package bandwidth

import (
	"math"
	"sync"
	"time"
)

// Sample is one emitted throughput measurement.
type Sample struct {
	Timestamp     time.Time
	ThroughputBps float64
	RTTMillis     float64
	Bytes         int64
	Duration      time.Duration
}

// Estimate is the estimator's current belief.
type Estimate struct {
	BandwidthBps       int64
	Trend              float64 // [-1, 1]
	Confidence         float64 // [0, 1]
	CongestionDetected bool
	AvgRTTMillis       float64
	PredictedBps       int64
}

// EstimatorConfig tunes the estimator.
type EstimatorConfig struct {
	MeasurementInterval time.Duration
	// SmoothingFactor is the EMA weight kept on the prior estimate.
	SmoothingFactor float64
	// CongestionThreshold is the RTT inflation ratio over baseline that
	// flags congestion.
	CongestionThreshold float64
	// MinSamples is how many samples full confidence requires.
	MinSamples int
}

// DefaultEstimatorConfig mirrors an interactive streaming deployment.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		MeasurementInterval: time.Second,
		SmoothingFactor:     0.7,
		CongestionThreshold: 2.0,
		MinSamples:          5,
	}
}

// Floor below which bandwidth predictions never fall, in bytes per second.
const predictionFloorBps = 100000

// trendWindow is how many recent samples feed trend and confidence.
const trendWindow = 10

// Estimator accumulates transfer reports into periodic samples and keeps an
// exponentially smoothed bandwidth estimate.
type Estimator struct {
	mu     sync.Mutex
	config EstimatorConfig

	accBytes    int64
	accDuration time.Duration
	windowStart time.Time

	samples []Sample
	ema     float64
	emaSet  bool

	currentRTT  float64
	baselineRTT float64
}

// NewEstimator returns an estimator with zeroed accumulators.
func NewEstimator(config EstimatorConfig) *Estimator {
	if config.MeasurementInterval <= 0 {
		config.MeasurementInterval = DefaultEstimatorConfig().MeasurementInterval
	}
	if config.SmoothingFactor <= 0 || config.SmoothingFactor >= 1 {
		config.SmoothingFactor = DefaultEstimatorConfig().SmoothingFactor
	}
	if config.CongestionThreshold <= 1 {
		config.CongestionThreshold = DefaultEstimatorConfig().CongestionThreshold
	}
	if config.MinSamples <= 0 {
		config.MinSamples = DefaultEstimatorConfig().MinSamples
	}
	return &Estimator{config: config}
}

// RecordTransfer reports bytes moved over duration with the observed RTT.
// Accumulated reports emit a sample once the measurement interval elapses.
func (e *Estimator) RecordTransfer(bytes int64, duration time.Duration, rttMillis float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.windowStart.IsZero() {
		e.windowStart = now
	}
	e.accBytes += bytes
	e.accDuration += duration

	if rttMillis > 0 && !math.IsInf(rttMillis, 0) && !math.IsNaN(rttMillis) {
		e.currentRTT = rttMillis
		if e.baselineRTT == 0 || rttMillis < e.baselineRTT {
			e.baselineRTT = rttMillis
		}
	}

	if now.Sub(e.windowStart) >= e.config.MeasurementInterval {
		e.emitLocked(now)
	}
}

// Flush forces an emission of whatever has accumulated, for tests and for
// quiescent connections.
func (e *Estimator) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitLocked(time.Now())
}

func (e *Estimator) emitLocked(now time.Time) {
	if e.accDuration <= 0 {
		e.accBytes = 0
		e.windowStart = now
		return
	}
	throughput := float64(e.accBytes) / e.accDuration.Seconds()
	sample := Sample{
		Timestamp:     now,
		ThroughputBps: throughput,
		RTTMillis:     e.currentRTT,
		Bytes:         e.accBytes,
		Duration:      e.accDuration,
	}
	e.samples = append(e.samples, sample)
	if len(e.samples) > 100 {
		e.samples = e.samples[len(e.samples)-100:]
	}

	alpha := 1 - e.config.SmoothingFactor
	if !e.emaSet {
		e.ema = throughput
		e.emaSet = true
	} else {
		e.ema = alpha*throughput + e.config.SmoothingFactor*e.ema
	}

	e.accBytes = 0
	e.accDuration = 0
	e.windowStart = now
}

// Current returns the estimator's belief.
func (e *Estimator) Current() Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()

	est := Estimate{
		BandwidthBps: int64(math.Floor(e.ema)),
		AvgRTTMillis: e.currentRTT,
	}
	est.CongestionDetected = e.congestionLocked()
	est.Trend = e.trendLocked()
	est.Confidence = e.confidenceLocked()

	k := 0.2
	if est.Trend < 0 {
		k = 0.3
	}
	predicted := float64(est.BandwidthBps) * (1 + est.Trend*k)
	if est.CongestionDetected {
		predicted *= 0.7
	}
	if predicted < predictionFloorBps {
		predicted = predictionFloorBps
	}
	est.PredictedBps = int64(predicted)
	return est
}

func (e *Estimator) congestionLocked() bool {
	if e.currentRTT <= 0 || e.baselineRTT <= 0 {
		return false
	}
	if math.IsInf(e.currentRTT, 0) || math.IsInf(e.baselineRTT, 0) {
		return false
	}
	return e.currentRTT/e.baselineRTT > e.config.CongestionThreshold
}

func (e *Estimator) trendLocked() float64 {
	recent := e.recentLocked()
	if len(recent) < 2 {
		return 0
	}
	first := recent[0].ThroughputBps
	last := recent[len(recent)-1].ThroughputBps
	if first <= 0 {
		return 0
	}
	trend := (last - first) / first
	return math.Max(-1, math.Min(1, trend))
}

func (e *Estimator) confidenceLocked() float64 {
	if len(e.samples) < e.config.MinSamples {
		return float64(len(e.samples)) / float64(e.config.MinSamples)
	}
	recent := e.recentLocked()
	mean := 0.0
	for _, s := range recent {
		mean += s.ThroughputBps
	}
	mean /= float64(len(recent))
	if mean <= 0 {
		return 0
	}
	variance := 0.0
	for _, s := range recent {
		d := s.ThroughputBps - mean
		variance += d * d
	}
	variance /= float64(len(recent))
	cv := math.Sqrt(variance) / mean
	return math.Max(0, math.Min(1, 1-cv))
}

func (e *Estimator) recentLocked() []Sample {
	if len(e.samples) <= trendWindow {
		return e.samples
	}
	return e.samples[len(e.samples)-trendWindow:]
}

// SampleCount reports how many samples have been emitted (bounded history).
func (e *Estimator) SampleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}
