package prefetch

import (
	"sync"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

// PushItem is one queued push delivery.
type PushItem struct {
	SessionID  string
	Class      jpeg2000.BinClass
	BinID      uint32
	Data       []byte
	Confidence float64
	Priority   PredictionPriority

	seq uint64
}

// Key returns the bin key the tracker uses.
func (i *PushItem) Key() string {
	return jpeg2000.BinKey(i.Class, i.BinID)
}

// PushQueue is a bounded queue ordered by (priority desc, confidence desc),
// insertion order breaking ties. On overflow the incoming item replaces the
// last queued item only when its priority is strictly higher; otherwise the
// incoming item is dropped.
type PushQueue struct {
	mu       sync.Mutex
	capacity int
	items    []*PushItem
	nextSeq  uint64
	dropped  uint64
}

// NewPushQueue bounds the queue at capacity items.
func NewPushQueue(capacity int) *PushQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &PushQueue{capacity: capacity}
}

func pushBefore(a, b *PushItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.seq < b.seq
}

// Enqueue inserts the item at its ordered position. Returns false when the
// item was dropped.
func (q *PushQueue) Enqueue(item *PushItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		last := q.items[len(q.items)-1]
		if item.Priority <= last.Priority {
			q.dropped++
			return false
		}
		q.items = q.items[:len(q.items)-1]
		q.dropped++
	}

	item.seq = q.nextSeq
	q.nextSeq++

	pos := len(q.items)
	for i, existing := range q.items {
		if pushBefore(item, existing) {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
	return true
}

// requeue reinserts an item at its ordered position, keeping its original
// sequence number so tie order is stable across deferrals.
func (q *PushQueue) requeue(item *PushItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pos := len(q.items)
	for i, existing := range q.items {
		if pushBefore(item, existing) {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
}

// Dequeue pops the highest-ordered item, or nil.
func (q *PushQueue) Dequeue() *PushItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// Peek returns the next item without removing it.
func (q *PushQueue) Peek() *PushItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// RemoveSession drops every queued item for the session.
func (q *PushQueue) RemoveSession(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if item.SessionID == sessionID {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	return removed
}

// Len returns the queue depth.
func (q *PushQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items overflow discarded.
func (q *PushQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
