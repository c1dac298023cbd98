// Package quality maps measured bandwidth and latency to delivery targets
// (quality layers, resolution level, progressive mode) and tracks
// quality-of-experience metrics.
package quality

import (
	"math"
	"sync"
)

// Decision is the engine's output for one adaptation step.
type Decision struct {
	TargetQualityLayers  int
	TargetResolutionLevel int
	UseProgressiveMode   bool
	EstimatedSizeBytes   int64
}

// Config bounds the decision space.
type Config struct {
	MaxQualityLayers    int
	MaxResolutionLevels int
	// Smoothing is the weight kept on the previous layer decision.
	Smoothing float64
	// TargetLatencyMillis is the latency budget RTT is judged against.
	TargetLatencyMillis float64
}

// DefaultConfig suits a remote viewer of a large image pyramid.
func DefaultConfig() Config {
	return Config{
		MaxQualityLayers:    12,
		MaxResolutionLevels: 6,
		Smoothing:           0.5,
		TargetLatencyMillis: 100,
	}
}

// Engine derives delivery targets from bandwidth estimates, smoothing
// against its previous decision so quality does not oscillate.
type Engine struct {
	mu       sync.Mutex
	config   Config
	previous *Decision
	metrics  Metrics
}

// NewEngine returns an engine with no decision history.
func NewEngine(config Config) *Engine {
	if config.MaxQualityLayers <= 0 {
		config.MaxQualityLayers = DefaultConfig().MaxQualityLayers
	}
	if config.MaxResolutionLevels <= 0 {
		config.MaxResolutionLevels = DefaultConfig().MaxResolutionLevels
	}
	if config.Smoothing <= 0 || config.Smoothing >= 1 {
		config.Smoothing = DefaultConfig().Smoothing
	}
	if config.TargetLatencyMillis <= 0 {
		config.TargetLatencyMillis = DefaultConfig().TargetLatencyMillis
	}
	return &Engine{config: config}
}

// Decide maps (bandwidth, rtt, congestion) to targets.
func (e *Engine) Decide(bandwidthBps int64, rttMillis float64, congested bool) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	layers := e.layersFor(bandwidthBps, rttMillis)
	resolution := e.resolutionFor(bandwidthBps, congested)

	if e.previous != nil {
		s := e.config.Smoothing
		layers = int(math.Floor(s*float64(e.previous.TargetQualityLayers) + (1-s)*float64(layers)))
		resolution = int(math.Floor(0.6*float64(e.previous.TargetResolutionLevel) + 0.4*float64(resolution)))
	}
	layers = clamp(layers, 1, e.config.MaxQualityLayers)
	resolution = clamp(resolution, 0, e.config.MaxResolutionLevels-1)

	d := Decision{
		TargetQualityLayers:   layers,
		TargetResolutionLevel: resolution,
		UseProgressiveMode:    bandwidthBps < 1_000_000,
		EstimatedSizeBytes:    estimatedSize(resolution, layers),
	}
	e.previous = &d
	e.metrics.recordQuality(float64(layers) / float64(e.config.MaxQualityLayers))
	return d
}

// Previous returns the last decision, if any.
func (e *Engine) Previous() (Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.previous == nil {
		return Decision{}, false
	}
	return *e.previous, true
}

// Reset clears decision history, e.g. when the target changes.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.previous = nil
}

func (e *Engine) layersFor(bandwidthBps int64, rttMillis float64) int {
	max := e.config.MaxQualityLayers
	var layers int
	switch {
	case bandwidthBps >= 10_000_000:
		layers = max
	case bandwidthBps >= 5_000_000:
		layers = max * 3 / 4
	case bandwidthBps >= 2_000_000:
		layers = max / 2
	case bandwidthBps >= 1_000_000:
		layers = max / 3
	case bandwidthBps >= 500_000:
		layers = max / 4
	default:
		layers = 1
	}

	switch {
	case rttMillis > 1.5*e.config.TargetLatencyMillis:
		layers -= 2
	case rttMillis > e.config.TargetLatencyMillis:
		layers--
	}
	return clamp(layers, 1, max)
}

func (e *Engine) resolutionFor(bandwidthBps int64, congested bool) int {
	max := e.config.MaxResolutionLevels
	var level int
	switch {
	case bandwidthBps >= 10_000_000:
		level = max - 1
	case bandwidthBps >= 5_000_000:
		level = max - 2
	case bandwidthBps >= 2_000_000:
		level = max / 2
	case bandwidthBps >= 1_000_000:
		level = max / 3
	default:
		level = 0
	}
	if congested {
		level--
	}
	return clamp(level, 0, max-1)
}

// estimatedSize approximates the response bytes for a (resolution, layers)
// target: a base cost doubled per level plus 15% per layer.
func estimatedSize(resolution, layers int) int64 {
	return int64(100_000 * math.Pow(2, float64(resolution)) * (1 + 0.15*float64(layers)))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
