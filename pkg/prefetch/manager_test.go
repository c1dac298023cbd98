package prefetch

import (
	"testing"

	"github.com/raster-lab/jpipstream/pkg/bandwidth"
	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
	"github.com/raster-lab/jpipstream/pkg/tile"
)

func newTestManager(t *testing.T, throttle *bandwidth.Throttle) (*Manager, *tile.Manager) {
	t.Helper()
	if throttle == nil {
		throttle = bandwidth.NewThrottle(bandwidth.ThrottleConfig{})
	}
	m := NewManager(
		NewEngine(EngineConfig{ConfidenceThreshold: 0.1, MaxPrefetchDepth: 64, Aggressiveness: Aggressiveness{Value: 1}}),
		NewPushQueue(64),
		NewTracker(),
		throttle,
	)
	tiles := tile.NewManager(tile.ManagerConfig{
		ImageWidth:       2048,
		ImageHeight:      2048,
		BaseTileWidth:    256,
		BaseTileHeight:   256,
		ResolutionLevels: 4,
		Components:       1,
		MaxQualityLayers: 8,
		Granularity:      1.0,
	})
	return m, tiles
}

func provideAll(p Prediction) *jpeg2000.DataBin {
	return &jpeg2000.DataBin{
		Class:        jpeg2000.BinClassPrecinct,
		ID:           PredictionBinID(p),
		Data:         []byte{1, 2, 3},
		Complete:     true,
		QualityLayer: -1,
		TileIndex:    -1,
	}
}

func TestViewportUpdateEnqueuesPredictions(t *testing.T) {
	m, tiles := newTestManager(t, nil)
	vp := tile.Viewport{X: 512, Y: 512, Width: 512, Height: 512, ResolutionLevel: 2}

	enqueued := m.OnViewportUpdate("S", vp, tiles, provideAll)
	if enqueued == 0 {
		t.Fatal("Expected spatial predictions to enqueue pushes")
	}
	if m.Stats().QueueDepth != enqueued {
		t.Fatalf("Unexpected queue depth: %d, Expected: %d", m.Stats().QueueDepth, enqueued)
	}

	// A second identical update is fully delta-filtered.
	again := m.OnViewportUpdate("S", vp, tiles, provideAll)
	if again != 0 {
		t.Fatalf("Unexpected re-enqueue count: %d, Expected: 0", again)
	}
	if m.Stats().DeltaSavings == 0 {
		t.Fatal("Expected delta savings from the repeated update")
	}
}

func TestDequeueConfirmsDelivery(t *testing.T) {
	m, tiles := newTestManager(t, nil)
	vp := tile.Viewport{X: 512, Y: 512, Width: 512, Height: 512, ResolutionLevel: 2}
	m.OnViewportUpdate("S", vp, tiles, provideAll)

	items := m.DequeuePushItems(4)
	if len(items) == 0 {
		t.Fatal("Expected pushed items")
	}
	for _, item := range items {
		if !m.tracker.Has("S", item.Key()) {
			t.Fatalf("Expected %s confirmed in tracker", item.Key())
		}
	}
	if m.Stats().Pushed != uint64(len(items)) {
		t.Fatalf("Unexpected pushed count: %d", m.Stats().Pushed)
	}
}

func TestStopRemovesQueuedItems(t *testing.T) {
	m, tiles := newTestManager(t, nil)
	vp := tile.Viewport{X: 512, Y: 512, Width: 512, Height: 512, ResolutionLevel: 2}
	m.OnViewportUpdate("S", vp, tiles, provideAll)
	if m.Stats().QueueDepth == 0 {
		t.Fatal("Expected queued items before stop")
	}

	m.SetAcceptance("S", StopPush)
	if m.Stats().QueueDepth != 0 {
		t.Fatalf("Unexpected queue depth after stop: %d, Expected: 0", m.Stats().QueueDepth)
	}
	if items := m.DequeuePushItems(4); len(items) != 0 {
		t.Fatalf("Unexpected items after stop: %d", len(items))
	}
}

func TestRejectSuppressesEnqueue(t *testing.T) {
	m, tiles := newTestManager(t, nil)
	m.SetAcceptance("S", RejectPush)
	vp := tile.Viewport{X: 512, Y: 512, Width: 512, Height: 512, ResolutionLevel: 2}
	if enqueued := m.OnViewportUpdate("S", vp, tiles, provideAll); enqueued != 0 {
		t.Fatalf("Unexpected enqueue count for rejecting session: %d", enqueued)
	}
}

func TestThrottleYieldsOneItemPerCycle(t *testing.T) {
	m, tiles := newTestManager(t, nil)
	m.SetAcceptance("S", ThrottlePush)
	vp := tile.Viewport{X: 512, Y: 512, Width: 512, Height: 512, ResolutionLevel: 2}
	m.OnViewportUpdate("S", vp, tiles, provideAll)
	depth := m.Stats().QueueDepth
	if depth < 2 {
		t.Fatalf("Need at least 2 queued items, have %d", depth)
	}

	items := m.DequeuePushItems(10)
	if len(items) != 1 {
		t.Fatalf("Unexpected items for throttling session: %d, Expected: 1", len(items))
	}
	if m.Stats().QueueDepth != depth-1 {
		t.Fatalf("Unexpected queue depth: %d, Expected: %d", m.Stats().QueueDepth, depth-1)
	}
}

func TestBandwidthThrottleDefersItems(t *testing.T) {
	throttle := bandwidth.NewThrottle(bandwidth.ThrottleConfig{GlobalLimitBps: 1})
	m, tiles := newTestManager(t, throttle)
	vp := tile.Viewport{X: 512, Y: 512, Width: 512, Height: 512, ResolutionLevel: 2}
	m.OnViewportUpdate("S", vp, tiles, provideAll)
	depth := m.Stats().QueueDepth

	// Capacity 2 tokens cannot cover a 3-byte payload; nothing is pushed
	// and the queue is preserved.
	items := m.DequeuePushItems(10)
	if len(items) != 0 {
		t.Fatalf("Unexpected pushed items: %d, Expected: 0", len(items))
	}
	if m.Stats().QueueDepth != depth {
		t.Fatalf("Unexpected queue depth: %d, Expected: %d", m.Stats().QueueDepth, depth)
	}
	if m.Stats().Throttled != 1 {
		t.Fatalf("Unexpected throttled count: %d, Expected: 1", m.Stats().Throttled)
	}
}
