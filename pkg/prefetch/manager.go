package prefetch

import (
	"sync"

	"github.com/raster-lab/jpipstream/pkg/bandwidth"
	"github.com/raster-lab/jpipstream/pkg/delivery"
	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
	"github.com/raster-lab/jpipstream/pkg/tile"
)

// Acceptance is a session's declared appetite for pushed data.
type Acceptance int

const (
	AcceptPush Acceptance = iota
	RejectPush
	ThrottlePush
	StopPush
)

func (a Acceptance) String() string {
	switch a {
	case RejectPush:
		return "reject"
	case ThrottlePush:
		return "throttle"
	case StopPush:
		return "stop"
	}
	return "accept"
}

// BinProvider resolves a predicted tile to an available bin payload, or nil
// when the prediction has no backing data.
type BinProvider func(p Prediction) *jpeg2000.DataBin

// ManagerStats snapshots push-manager counters.
type ManagerStats struct {
	Predictions  uint64
	Enqueued     uint64
	Pushed       uint64
	Throttled    uint64
	DeltaSavings uint64
	QueueDepth   int
}

// Manager composes the prediction engine, push queue, client-cache tracker,
// and bandwidth throttle into the server's predictive push subsystem.
type Manager struct {
	mu         sync.Mutex
	engine     *Engine
	queue      *PushQueue
	tracker    *Tracker
	throttle   *bandwidth.Throttle
	acceptance map[string]Acceptance

	predictions uint64
	enqueued    uint64
	pushed      uint64
	throttled   uint64
}

// NewManager wires the subsystem.
func NewManager(engine *Engine, queue *PushQueue, tracker *Tracker, throttle *bandwidth.Throttle) *Manager {
	return &Manager{
		engine:     engine,
		queue:      queue,
		tracker:    tracker,
		throttle:   throttle,
		acceptance: map[string]Acceptance{},
	}
}

// SetAcceptance records the session's push appetite. Stop removes whatever
// is already queued for it.
func (m *Manager) SetAcceptance(sessionID string, a Acceptance) {
	m.mu.Lock()
	m.acceptance[sessionID] = a
	m.mu.Unlock()
	if a == StopPush {
		m.queue.RemoveSession(sessionID)
	}
}

func (m *Manager) acceptanceFor(sessionID string) Acceptance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptance[sessionID]
}

// OnViewportUpdate records the viewport, generates predictions, intersects
// them with available bins, delta-filters against the tracker, and enqueues
// the survivors.
func (m *Manager) OnViewportUpdate(sessionID string, vp tile.Viewport, tiles *tile.Manager, provider BinProvider) int {
	m.engine.RecordViewport(sessionID, vp)

	if m.acceptanceFor(sessionID) == RejectPush {
		return 0
	}

	predictions := m.engine.Predict(sessionID, tiles)
	m.mu.Lock()
	m.predictions += uint64(len(predictions))
	m.mu.Unlock()

	type resolved struct {
		prediction Prediction
		bin        *jpeg2000.DataBin
	}
	var available []resolved
	var keys []string
	for _, p := range predictions {
		bin := provider(p)
		if bin == nil {
			continue
		}
		available = append(available, resolved{prediction: p, bin: bin})
		keys = append(keys, bin.Key())
	}

	missing := m.tracker.FilterMissing(sessionID, keys)
	missingSet := make(map[string]struct{}, len(missing))
	for _, key := range missing {
		missingSet[key] = struct{}{}
	}

	enqueued := 0
	for _, r := range available {
		key := r.bin.Key()
		if _, ok := missingSet[key]; !ok {
			continue
		}
		ok := m.queue.Enqueue(&PushItem{
			SessionID:  sessionID,
			Class:      r.bin.Class,
			BinID:      r.bin.ID,
			Data:       r.bin.Data,
			Confidence: r.prediction.Confidence,
			Priority:   r.prediction.Priority,
		})
		if !ok {
			continue
		}
		m.tracker.MarkPending(sessionID, key)
		enqueued++
	}
	m.mu.Lock()
	m.enqueued += uint64(enqueued)
	m.mu.Unlock()
	return enqueued
}

// DequeuePushItems pops up to max items honoring per-session acceptance and
// the bandwidth throttle. A throttling session yields one item per call; a
// stopped session has its queue drained and yields nothing. Items blocked by
// the throttle stay queued for the next cycle.
func (m *Manager) DequeuePushItems(max int) []*PushItem {
	var out []*PushItem
	var deferred []*PushItem
	throttledSessions := map[string]bool{}

	for len(out) < max {
		item := m.queue.Dequeue()
		if item == nil {
			break
		}

		switch m.acceptanceFor(item.SessionID) {
		case StopPush, RejectPush:
			m.queue.RemoveSession(item.SessionID)
			continue
		case ThrottlePush:
			if throttledSessions[item.SessionID] {
				deferred = append(deferred, item)
				continue
			}
			throttledSessions[item.SessionID] = true
		}

		if !m.throttle.CanSend(item.SessionID, int64(len(item.Data))) {
			m.mu.Lock()
			m.throttled++
			m.mu.Unlock()
			deferred = append(deferred, item)
			break
		}

		m.throttle.RecordSent(item.SessionID, int64(len(item.Data)))
		m.tracker.ConfirmDelivered(item.SessionID, item.Key())
		m.mu.Lock()
		m.pushed++
		m.mu.Unlock()
		out = append(out, item)
	}

	for _, item := range deferred {
		m.queue.requeue(item)
	}
	return out
}

// Forget clears all per-session state on session close.
func (m *Manager) Forget(sessionID string) {
	m.queue.RemoveSession(sessionID)
	m.tracker.ForgetSession(sessionID)
	m.engine.Forget(sessionID)
	m.mu.Lock()
	delete(m.acceptance, sessionID)
	m.mu.Unlock()
}

// Stats snapshots counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		Predictions:  m.predictions,
		Enqueued:     m.enqueued,
		Pushed:       m.pushed,
		Throttled:    m.throttled,
		DeltaSavings: m.tracker.DeltaSavings(),
		QueueDepth:   m.queue.Len(),
	}
}

// PredictionBinID packs a prediction's tile coordinates the same way the
// delivery planner does, so pushed and demand-delivered bins share ids.
func PredictionBinID(p Prediction) uint32 {
	return delivery.BinIDFor(p.ResolutionLevel, p.TY, p.TX)
}
