package prefetch

import (
	"testing"

	"github.com/raster-lab/jpipstream/pkg/tile"
)

func testTiles() *tile.Manager {
	return tile.NewManager(tile.ManagerConfig{
		ImageWidth:       4096,
		ImageHeight:      4096,
		BaseTileWidth:    256,
		BaseTileHeight:   256,
		ResolutionLevels: 4,
		Components:       1,
		MaxQualityLayers: 8,
		Granularity:      1.0,
	})
}

func newTestEngine() *Engine {
	return NewEngine(EngineConfig{
		MaxHistorySize:      10,
		Aggressiveness:      Aggressiveness{Value: 1},
		ConfidenceThreshold: 0.05,
		MaxPrefetchDepth:    128,
	})
}

func TestMovementPredictionFollowsPanning(t *testing.T) {
	e := newTestEngine()
	tiles := testTiles()

	// Pan steadily to the right at level 0 (256px tiles).
	for i := 0; i < 4; i++ {
		e.RecordViewport("S", tile.Viewport{X: i * 256, Y: 0, Width: 256, Height: 256, ResolutionLevel: 0})
	}

	predictions := e.Predict("S", tiles)
	var spatialAhead bool
	currentTX := 3
	for _, p := range predictions {
		if p.Priority != PrioritySpatial {
			continue
		}
		if p.TX > currentTX {
			spatialAhead = true
		}
	}
	if !spatialAhead {
		t.Fatalf("Expected predictions ahead of the pan direction, got %+v", predictions)
	}
}

func TestResolutionPredictionFollowsZoom(t *testing.T) {
	e := newTestEngine()
	tiles := testTiles()

	e.RecordViewport("S", tile.Viewport{X: 0, Y: 0, Width: 512, Height: 512, ResolutionLevel: 1})
	e.RecordViewport("S", tile.Viewport{X: 0, Y: 0, Width: 512, Height: 512, ResolutionLevel: 2})

	predictions := e.Predict("S", tiles)
	found := false
	for _, p := range predictions {
		if p.Priority == PriorityResolution {
			if p.ResolutionLevel != 3 {
				t.Fatalf("Unexpected predicted level: %d, Expected: 3", p.ResolutionLevel)
			}
			if p.Confidence != 0.3 {
				t.Fatalf("Unexpected confidence: %f, Expected: 0.3", p.Confidence)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("Expected resolution predictions in the zoom direction")
	}
}

func TestStableViewYieldsQualityPredictions(t *testing.T) {
	e := newTestEngine()
	tiles := testTiles()
	vp := tile.Viewport{X: 0, Y: 0, Width: 512, Height: 512, ResolutionLevel: 2}
	e.RecordViewport("S", vp)
	e.RecordViewport("S", vp)

	predictions := e.Predict("S", tiles)
	found := false
	for _, p := range predictions {
		if p.Priority == PriorityQuality {
			if p.ResolutionLevel != 2 || p.Confidence != 0.4 {
				t.Fatalf("Unexpected quality prediction: %+v", p)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("Expected quality predictions for a stable view")
	}
}

func TestSpatialPredictionsSkipSelfAndOutOfBounds(t *testing.T) {
	e := newTestEngine()
	tiles := testTiles()
	// Corner viewport: the neighbor ring is clipped at the image edge.
	vp := tile.Viewport{X: 0, Y: 0, Width: 256, Height: 256, ResolutionLevel: 0}
	e.RecordViewport("S", vp)

	predictions := e.Predict("S", tiles)
	spatial := 0
	for _, p := range predictions {
		if p.Priority != PrioritySpatial {
			continue
		}
		spatial++
		if p.TX < 0 || p.TY < 0 {
			t.Fatalf("Unexpected out-of-bounds prediction: %+v", p)
		}
		if p.TX == 0 && p.TY == 0 {
			t.Fatal("Unexpected prediction for the covered tile itself")
		}
	}
	// A corner tile has exactly 3 in-bounds neighbors at radius 1.
	if spatial != 3 {
		t.Fatalf("Unexpected spatial prediction count: %d, Expected: 3", spatial)
	}
}

func TestPredictionsSortedAndTruncated(t *testing.T) {
	e := NewEngine(EngineConfig{
		MaxHistorySize:      10,
		Aggressiveness:      Aggressiveness{Value: 2},
		ConfidenceThreshold: 0.05,
		MaxPrefetchDepth:    5,
	})
	tiles := testTiles()
	e.RecordViewport("S", tile.Viewport{X: 1024, Y: 1024, Width: 512, Height: 512, ResolutionLevel: 0})

	predictions := e.Predict("S", tiles)
	if len(predictions) != 5 {
		t.Fatalf("Unexpected prediction count: %d, Expected: 5", len(predictions))
	}
	for i := 1; i < len(predictions); i++ {
		prev, cur := predictions[i-1], predictions[i]
		if cur.Priority > prev.Priority {
			t.Fatalf("Unexpected priority order at %d", i)
		}
		if cur.Priority == prev.Priority && cur.Confidence > prev.Confidence {
			t.Fatalf("Unexpected confidence order at %d", i)
		}
	}
}

func TestHistoryBounded(t *testing.T) {
	e := NewEngine(EngineConfig{MaxHistorySize: 3, Aggressiveness: Aggressiveness{Value: 1}, MaxPrefetchDepth: 8})
	for i := 0; i < 10; i++ {
		e.RecordViewport("S", tile.Viewport{X: i, Y: 0, Width: 10, Height: 10, ResolutionLevel: 0})
	}
	e.mu.Lock()
	got := len(e.history["S"])
	e.mu.Unlock()
	if got != 3 {
		t.Fatalf("Unexpected history length: %d, Expected: 3", got)
	}

	e.Forget("S")
	if e.Predict("S", testTiles()) != nil {
		t.Fatal("Expected no predictions after Forget")
	}
}
