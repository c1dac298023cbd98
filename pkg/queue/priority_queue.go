// Package queue implements the server's bounded request priority queue:
// descending priority with FIFO tie-break, indexed by target.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/raster-lab/jpipstream/pkg/request"
)

// ErrQueueFull reports an enqueue against a full queue that the incoming
// priority could not displace.
var ErrQueueFull = errors.New("queue: full")

// Server-assigned priorities for incoming view-window requests.
const (
	PriorityNewChannel   = 100
	PriorityMetadataOnly = 90
	PrioritySmallRegion  = 80
	PriorityDefault      = 50

	// smallRegionArea is the region area under which a request is considered
	// small enough to jump ahead of bulk fetches.
	smallRegionArea = 10000
)

// PriorityFor derives the scheduling priority the server assigns to a
// view-window request.
func PriorityFor(w *request.ViewWindow) int {
	switch {
	case w.NewChannel:
		return PriorityNewChannel
	case w.MetadataOnly:
		return PriorityMetadataOnly
	case w.Region != nil && w.Area() < smallRegionArea:
		return PrioritySmallRegion
	}
	return PriorityDefault
}

// Item is one queued request.
type Item struct {
	Request  *request.ViewWindow
	Priority int
	Enqueued time.Time

	seq   uint64
	index int
}

// Stats snapshots the queue counters.
type Stats struct {
	Depth    int
	Dropped  uint64
	Enqueued uint64
	Dequeued uint64
}

// PriorityQueue is a bounded priority queue safe for concurrent use. When
// full, an incoming item displaces the lowest-priority queued item only if
// its priority is strictly higher; otherwise the enqueue fails.
type PriorityQueue struct {
	mu       sync.Mutex
	capacity int
	items    itemHeap
	nextSeq  uint64
	dropped  uint64
	enqueued uint64
	dequeued uint64
}

// New returns a queue bounded at capacity items.
func New(capacity int) *PriorityQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &PriorityQueue{capacity: capacity}
}

// Enqueue adds the request at the given priority.
func (q *PriorityQueue) Enqueue(w *request.ViewWindow, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		lowest := q.lowestLocked()
		if lowest == nil || priority <= lowest.Priority {
			q.dropped++
			return ErrQueueFull
		}
		heap.Remove(&q.items, lowest.index)
		q.dropped++
	}

	item := &Item{
		Request:  w,
		Priority: priority,
		Enqueued: time.Now(),
		seq:      q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.items, item)
	q.enqueued++
	return nil
}

// Dequeue removes and returns the highest-priority item, or nil when empty.
func (q *PriorityQueue) Dequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := heap.Pop(&q.items).(*Item)
	q.dequeued++
	return item
}

// PeekPriority returns the priority of the next item to dequeue.
func (q *PriorityQueue) PeekPriority() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	return q.items[0].Priority, true
}

// ForTarget returns the queued items for the target, in queue order.
func (q *PriorityQueue) ForTarget(target string) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Item
	for _, item := range q.items {
		if item.Request != nil && item.Request.Target == target {
			out = append(out, item)
		}
	}
	sortQueueOrder(out)
	return out
}

// RemoveForTarget drops every queued item for the target and returns how
// many were removed.
func (q *PriorityQueue) RemoveForTarget(target string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for i := 0; i < len(q.items); {
		if q.items[i].Request != nil && q.items[i].Request.Target == target {
			heap.Remove(&q.items, i)
			removed++
			continue
		}
		i++
	}
	return removed
}

// Len returns the queue depth.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats snapshots counters.
func (q *PriorityQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:    len(q.items),
		Dropped:  q.dropped,
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
	}
}

func (q *PriorityQueue) lowestLocked() *Item {
	var lowest *Item
	for _, item := range q.items {
		if lowest == nil ||
			item.Priority < lowest.Priority ||
			(item.Priority == lowest.Priority && item.seq > lowest.seq) {
			lowest = item
		}
	}
	return lowest
}

func sortQueueOrder(items []*Item) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && queueBefore(items[j], items[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func queueBefore(a, b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

// itemHeap orders by descending priority, ascending sequence.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool { return queueBefore(h[i], h[j]) }

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
