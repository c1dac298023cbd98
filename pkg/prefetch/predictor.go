// Package prefetch predicts what the client will view next and pushes the
// corresponding bins ahead of demand, delta-filtered against the server's
// model of the client cache.
package prefetch

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/raster-lab/jpipstream/pkg/tile"
)

// PredictionPriority ranks prediction kinds; higher pushes first.
type PredictionPriority int

const (
	PriorityQuality PredictionPriority = iota + 1
	PriorityResolution
	PrioritySpatial
)

func (p PredictionPriority) String() string {
	switch p {
	case PrioritySpatial:
		return "spatial"
	case PriorityResolution:
		return "resolution"
	}
	return "quality"
}

// Prediction names one tile the client is expected to need.
type Prediction struct {
	ResolutionLevel int
	TX              int
	TY              int
	Confidence      float64
	Priority        PredictionPriority
}

// Aggressiveness scales how far ahead the engine reaches.
type Aggressiveness struct {
	Value int
}

// EngineConfig tunes the prediction engine.
type EngineConfig struct {
	MaxHistorySize      int
	Aggressiveness      Aggressiveness
	ConfidenceThreshold float64
	MaxPrefetchDepth    int
}

// DefaultEngineConfig reaches one tile ring ahead.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxHistorySize:      20,
		Aggressiveness:      Aggressiveness{Value: 1},
		ConfidenceThreshold: 0.3,
		MaxPrefetchDepth:    32,
	}
}

// movementWindow bounds how many recent viewports feed movement prediction.
const movementWindow = 5

type historyEntry struct {
	viewport tile.Viewport
	at       time.Time
}

// Engine keeps bounded per-session navigation history and derives movement,
// resolution, and spatial-locality predictions from it.
type Engine struct {
	mu      sync.Mutex
	config  EngineConfig
	history map[string][]historyEntry
}

// NewEngine returns an engine with empty history.
func NewEngine(config EngineConfig) *Engine {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = DefaultEngineConfig().MaxHistorySize
	}
	if config.Aggressiveness.Value <= 0 {
		config.Aggressiveness.Value = 1
	}
	if config.MaxPrefetchDepth <= 0 {
		config.MaxPrefetchDepth = DefaultEngineConfig().MaxPrefetchDepth
	}
	return &Engine{
		config:  config,
		history: map[string][]historyEntry{},
	}
}

// RecordViewport appends to the session's navigation history, dropping the
// oldest entries past the bound.
func (e *Engine) RecordViewport(sessionID string, vp tile.Viewport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := append(e.history[sessionID], historyEntry{viewport: vp, at: time.Now()})
	if len(h) > e.config.MaxHistorySize {
		h = h[len(h)-e.config.MaxHistorySize:]
	}
	e.history[sessionID] = h
}

// Forget drops a session's history.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.history, sessionID)
}

// Predict derives predictions for the session against the tile layout,
// filtered by the confidence threshold, ordered by (priority desc,
// confidence desc), and truncated to the prefetch depth.
func (e *Engine) Predict(sessionID string, tiles *tile.Manager) []Prediction {
	e.mu.Lock()
	h := append([]historyEntry(nil), e.history[sessionID]...)
	e.mu.Unlock()
	if len(h) == 0 {
		return nil
	}
	current := h[len(h)-1].viewport

	var predictions []Prediction
	predictions = append(predictions, e.predictMovement(h, tiles)...)
	predictions = append(predictions, e.predictResolution(h, tiles)...)
	predictions = append(predictions, e.predictSpatial(current, tiles)...)

	filtered := predictions[:0]
	for _, p := range predictions {
		if p.Confidence >= e.config.ConfidenceThreshold {
			filtered = append(filtered, p)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Priority != filtered[j].Priority {
			return filtered[i].Priority > filtered[j].Priority
		}
		return filtered[i].Confidence > filtered[j].Confidence
	})
	if len(filtered) > e.config.MaxPrefetchDepth {
		filtered = filtered[:e.config.MaxPrefetchDepth]
	}
	return filtered
}

// predictMovement extrapolates the average recent center delta and predicts
// the tiles the shifted viewport covers beyond the current one.
func (e *Engine) predictMovement(h []historyEntry, tiles *tile.Manager) []Prediction {
	recent := h
	if len(recent) > movementWindow {
		recent = recent[len(recent)-movementWindow:]
	}
	if len(recent) < 2 {
		return nil
	}

	var dx, dy float64
	for i := 1; i < len(recent); i++ {
		ax, ay := recent[i-1].viewport.Center()
		bx, by := recent[i].viewport.Center()
		dx += bx - ax
		dy += by - ay
	}
	steps := len(recent) - 1
	dx /= float64(steps)
	dy /= float64(steps)
	if dx == 0 && dy == 0 {
		return nil
	}

	current := recent[len(recent)-1].viewport
	reach := float64(e.config.Aggressiveness.Value)
	predicted := current
	predicted.X = current.X + int(dx*reach)
	predicted.Y = current.Y + int(dy*reach)

	magnitude := math.Hypot(dx, dy)
	span := float64(current.Width)
	if float64(current.Height) > span {
		span = float64(current.Height)
	}
	confidence := math.Max(0.1, 1-magnitude/span)

	covered := map[[2]int]struct{}{}
	for _, c := range tiles.CoveredTiles(current, current.ResolutionLevel) {
		covered[c] = struct{}{}
	}
	var out []Prediction
	for _, c := range tiles.CoveredTiles(predicted, current.ResolutionLevel) {
		if _, ok := covered[c]; ok {
			continue
		}
		out = append(out, Prediction{
			ResolutionLevel: current.ResolutionLevel,
			TX:              c[0],
			TY:              c[1],
			Confidence:      confidence,
			Priority:        PrioritySpatial,
		})
	}
	return out
}

// predictResolution follows the direction of recent zoom changes; with no
// changes it refreshes quality at the current level.
func (e *Engine) predictResolution(h []historyEntry, tiles *tile.Manager) []Prediction {
	current := h[len(h)-1].viewport

	changes := 0
	direction := 0
	for i := 1; i < len(h); i++ {
		delta := h[i].viewport.ResolutionLevel - h[i-1].viewport.ResolutionLevel
		if delta != 0 {
			changes++
			if delta > 0 {
				direction = 1
			} else {
				direction = -1
			}
		}
	}

	if changes == 0 {
		var out []Prediction
		for _, c := range tiles.CoveredTiles(current, current.ResolutionLevel) {
			out = append(out, Prediction{
				ResolutionLevel: current.ResolutionLevel,
				TX:              c[0],
				TY:              c[1],
				Confidence:      0.4,
				Priority:        PriorityQuality,
			})
		}
		return out
	}

	next := current.ResolutionLevel + direction
	if next < 0 {
		next = 0
	}
	if maxLevel := tiles.ResolutionLevels() - 1; next > maxLevel {
		next = maxLevel
	}
	confidence := math.Min(1, float64(changes)*0.3)

	var out []Prediction
	for _, c := range tiles.CoveredTiles(current, next) {
		out = append(out, Prediction{
			ResolutionLevel: next,
			TX:              c[0],
			TY:              c[1],
			Confidence:      confidence,
			Priority:        PriorityResolution,
		})
	}
	return out
}

// predictSpatial enumerates the Chebyshev neighborhood of every covered
// tile, scoring by distance from the viewport center.
func (e *Engine) predictSpatial(current tile.Viewport, tiles *tile.Manager) []Prediction {
	radius := e.config.Aggressiveness.Value
	level := current.ResolutionLevel
	cols, rows := tiles.GridSize(level)

	covered := map[[2]int]struct{}{}
	for _, c := range tiles.CoveredTiles(current, level) {
		covered[c] = struct{}{}
	}

	// Viewport center in tile-grid coordinates at this level.
	tileW, tileH := tiles.LevelTileSize(level)
	scale := 1 << uint(level)
	vcx, vcy := current.Center()
	centerTX := vcx / float64(tileW*scale)
	centerTY := vcy / float64(tileH*scale)

	norm := float64(radius) * math.Sqrt2
	seen := map[[2]int]struct{}{}
	var out []Prediction
	for c := range covered {
		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				nx, ny := c[0]+dx, c[1]+dy
				if nx < 0 || ny < 0 || nx >= cols || ny >= rows {
					continue
				}
				key := [2]int{nx, ny}
				if _, ok := covered[key]; ok {
					continue
				}
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}

				dist := math.Hypot(float64(nx)+0.5-centerTX, float64(ny)+0.5-centerTY)
				out = append(out, Prediction{
					ResolutionLevel: level,
					TX:              nx,
					TY:              ny,
					Confidence:      math.Max(0.1, 1-dist/norm),
					Priority:        PrioritySpatial,
				})
			}
		}
	}
	return out
}
