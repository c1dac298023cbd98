package delivery

import (
	"sync"

	"github.com/raster-lab/jpipstream/pkg/tile"
)

// RequestTracker follows in-flight view-window requests by id so a viewport
// move can cancel the ones whose target area is no longer visible. Results
// arriving for a cancelled id are discarded by the caller via WasCancelled.
type RequestTracker struct {
	mu        sync.Mutex
	active    map[uint32]tile.Viewport
	cancelled map[uint32]struct{}
}

// NewRequestTracker returns an empty tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		active:    map[uint32]tile.Viewport{},
		cancelled: map[uint32]struct{}{},
	}
}

// Track registers an in-flight request and the viewport it serves.
func (t *RequestTracker) Track(requestID uint32, vp tile.Viewport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[requestID] = vp
}

// Complete removes a finished request from tracking. Returns false when the
// request had been cancelled, in which case its result must be discarded.
func (t *RequestTracker) Complete(requestID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cancelled[requestID]; ok {
		delete(t.cancelled, requestID)
		return false
	}
	delete(t.active, requestID)
	return true
}

// WasCancelled reports whether the request was cancelled by a viewport move.
func (t *RequestTracker) WasCancelled(requestID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cancelled[requestID]
	return ok
}

// ViewportChanged cancels every pending request whose viewport no longer
// intersects the new one and returns the cancelled ids.
func (t *RequestTracker) ViewportChanged(vp tile.Viewport) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cancelled []uint32
	for id, tracked := range t.active {
		if tracked.Intersects(vp.X, vp.Y, vp.Width, vp.Height) {
			continue
		}
		delete(t.active, id)
		t.cancelled[id] = struct{}{}
		cancelled = append(cancelled, id)
	}
	return cancelled
}

// ActiveCount returns how many requests are tracked.
func (t *RequestTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
