package tile

import (
	"math"
	"sort"
	"sync"
)

// Priority classifies a tile's urgency for the current viewport.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "background"
}

// Tile is one tile at one resolution level for one component.
type Tile struct {
	Component       int
	ResolutionLevel int
	TX              int
	TY              int
	// X, Y, Width, Height are full-resolution pixel bounds.
	X      int
	Y      int
	Width  int
	Height int

	Priority        Priority
	VisibilityScore float64
	TargetLayers    int
}

// ManagerConfig describes the image and its tiling.
type ManagerConfig struct {
	ImageWidth     int
	ImageHeight    int
	BaseTileWidth  int
	BaseTileHeight int
	// ResolutionLevels is the pyramid depth; level 0 is the coarsest.
	ResolutionLevels int
	Components       int
	MaxQualityLayers int
	// Granularity scales the per-level tile size; 1.0 keeps the base grid.
	Granularity float64
}

// DefaultManagerConfig tiles a single-component image at 256px.
func DefaultManagerConfig(width, height int) ManagerConfig {
	return ManagerConfig{
		ImageWidth:       width,
		ImageHeight:      height,
		BaseTileWidth:    256,
		BaseTileHeight:   256,
		ResolutionLevels: 6,
		Components:       1,
		MaxQualityLayers: 12,
		Granularity:      1.0,
	}
}

// Manager enumerates tiles per resolution level and reprioritizes them
// whenever the viewport moves.
type Manager struct {
	mu       sync.Mutex
	config   ManagerConfig
	tiles    []*Tile
	viewport *Viewport
}

// NewManager enumerates every tile of every level row-major per component.
func NewManager(config ManagerConfig) *Manager {
	if config.ResolutionLevels <= 0 {
		config.ResolutionLevels = 1
	}
	if config.Components <= 0 {
		config.Components = 1
	}
	if config.MaxQualityLayers <= 0 {
		config.MaxQualityLayers = 12
	}
	if config.Granularity <= 0 {
		config.Granularity = 1.0
	}
	m := &Manager{config: config}
	m.enumerate()
	return m
}

// LevelDimensions returns the image dimensions at level r: ⌈w/2^r⌉×⌈h/2^r⌉.
func (m *Manager) LevelDimensions(r int) (int, int) {
	scale := 1 << uint(r)
	w := (m.config.ImageWidth + scale - 1) / scale
	h := (m.config.ImageHeight + scale - 1) / scale
	return w, h
}

// LevelTileSize returns the tile dimensions at level r.
func (m *Manager) LevelTileSize(r int) (int, int) {
	scale := 1 << uint(r)
	w := int(math.Floor(float64(m.config.BaseTileWidth) / float64(scale) * m.config.Granularity))
	h := int(math.Floor(float64(m.config.BaseTileHeight) / float64(scale) * m.config.Granularity))
	return max(1, w), max(1, h)
}

func (m *Manager) enumerate() {
	for c := 0; c < m.config.Components; c++ {
		for r := 0; r < m.config.ResolutionLevels; r++ {
			levelW, levelH := m.LevelDimensions(r)
			tileW, tileH := m.LevelTileSize(r)
			scale := 1 << uint(r)
			cols := (levelW + tileW - 1) / tileW
			rows := (levelH + tileH - 1) / tileH
			for ty := 0; ty < rows; ty++ {
				for tx := 0; tx < cols; tx++ {
					m.tiles = append(m.tiles, &Tile{
						Component:       c,
						ResolutionLevel: r,
						TX:              tx,
						TY:              ty,
						X:               tx * tileW * scale,
						Y:               ty * tileH * scale,
						Width:           tileW * scale,
						Height:          tileH * scale,
						Priority:        PriorityBackground,
						TargetLayers:    1,
					})
				}
			}
		}
	}
}

// UpdateViewport reprioritizes every tile against the new viewport.
func (m *Manager) UpdateViewport(vp Viewport) error {
	if err := vp.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.viewport = &vp
	vcx, vcy := vp.Center()
	radius := vp.halfDiagonal()
	maxRes := m.config.ResolutionLevels

	for _, t := range m.tiles {
		if !vp.Intersects(t.X, t.Y, t.Width, t.Height) {
			t.Priority = PriorityBackground
			t.VisibilityScore = 0
			t.TargetLayers = 1
			continue
		}

		tcx := float64(t.X) + float64(t.Width)/2
		tcy := float64(t.Y) + float64(t.Height)/2
		dNorm := math.Hypot(tcx-vcx, tcy-vcy) / radius

		switch {
		case dNorm < 0.2 && t.ResolutionLevel >= maxRes-2:
			t.Priority = PriorityCritical
		case dNorm < 0.4:
			t.Priority = PriorityHigh
		case dNorm < 0.7:
			t.Priority = PriorityNormal
		default:
			t.Priority = PriorityLow
		}

		t.VisibilityScore = float64(vp.IntersectionArea(t.X, t.Y, t.Width, t.Height)) /
			float64(t.Width*t.Height)
		t.TargetLayers = m.targetLayersFor(t.Priority, t.VisibilityScore)
	}
	return nil
}

func (m *Manager) targetLayersFor(p Priority, visibility float64) int {
	maxLayers := m.config.MaxQualityLayers
	var layers int
	switch p {
	case PriorityCritical:
		layers = maxLayers
	case PriorityHigh:
		layers = maxLayers * 3 / 4
	case PriorityNormal:
		layers = maxLayers / 2
	case PriorityLow:
		layers = maxLayers / 4
	default:
		layers = 1
	}
	layers = int(float64(layers) * visibility)
	if layers < 1 {
		layers = 1
	}
	if layers > maxLayers {
		layers = maxLayers
	}
	return layers
}

// Viewport returns the current viewport, if one was set.
func (m *Manager) Viewport() (Viewport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.viewport == nil {
		return Viewport{}, false
	}
	return *m.viewport, true
}

// TilesByPriority returns the tiles at level r sorted by descending
// priority, then descending visibility.
func (m *Manager) TilesByPriority(r int) []*Tile {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Tile
	for _, t := range m.tiles {
		if t.ResolutionLevel == r {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].VisibilityScore > out[j].VisibilityScore
	})
	return out
}

// CoveredTiles returns the (tx, ty) grid coordinates at level r covered by
// the viewport.
func (m *Manager) CoveredTiles(vp Viewport, r int) [][2]int {
	tileW, tileH := m.LevelTileSize(r)
	scale := 1 << uint(r)
	fullW, fullH := tileW*scale, tileH*scale

	levelW, levelH := m.LevelDimensions(r)
	cols := (levelW + tileW - 1) / tileW
	rows := (levelH + tileH - 1) / tileH

	var out [][2]int
	for ty := 0; ty < rows; ty++ {
		for tx := 0; tx < cols; tx++ {
			if vp.Intersects(tx*fullW, ty*fullH, fullW, fullH) {
				out = append(out, [2]int{tx, ty})
			}
		}
	}
	return out
}

// GridSize returns the tile grid dimensions at level r.
func (m *Manager) GridSize(r int) (cols, rows int) {
	levelW, levelH := m.LevelDimensions(r)
	tileW, tileH := m.LevelTileSize(r)
	return (levelW + tileW - 1) / tileW, (levelH + tileH - 1) / tileH
}

// ResolutionLevels returns the configured pyramid depth.
func (m *Manager) ResolutionLevels() int { return m.config.ResolutionLevels }

// MaxQualityLayers returns the configured layer ceiling.
func (m *Manager) MaxQualityLayers() int { return m.config.MaxQualityLayers }
