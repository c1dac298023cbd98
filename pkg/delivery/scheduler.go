// Package delivery turns a prioritized view window into an ordered,
// bandwidth-budgeted sequence of data-bin deliveries.
package delivery

import (
	"errors"
	"sync"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

// ErrCancelled reports emission after Cancel.
var ErrCancelled = errors.New("delivery: cancelled")

// BinRef is the metadata of one scheduled bin delivery.
type BinRef struct {
	Class           jpeg2000.BinClass
	ID              uint32
	Component       int
	ResolutionLevel int
	TX              int
	TY              int
	// Layers is how many quality layers this step delivers.
	Layers int
	// EstimatedBytes sizes the step for bandwidth budgeting.
	EstimatedBytes int64
}

// BinIDFor packs a tile's grid position into a class-scoped bin id. The
// packing is stable so client and server agree on identities.
func BinIDFor(resolutionLevel, ty, tx int) uint32 {
	return uint32(resolutionLevel)<<24 | uint32(ty&0xFFF)<<12 | uint32(tx&0xFFF)
}

// SentTracker answers whether the receiving session already has a bin.
type SentTracker interface {
	HasDataBin(class jpeg2000.BinClass, id uint32) bool
}

// SchedulerStats snapshots scheduler counters.
type SchedulerStats struct {
	Pending        int
	Released       uint64
	Skipped        uint64
	DeferredRounds uint64
	Cancelled      bool
}

// Scheduler holds a FIFO of pending bin deliveries and releases batches
// under a byte budget, skipping bins the session already acknowledged.
type Scheduler struct {
	mu        sync.Mutex
	pending   []BinRef
	cancelled bool

	released       uint64
	skipped        uint64
	deferredRounds uint64
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Enqueue appends refs in order. Enqueues after cancellation are dropped.
func (s *Scheduler) Enqueue(refs ...BinRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.pending = append(s.pending, refs...)
}

// ReleaseBatch pops pending refs in FIFO order until the byte budget is
// spent. Refs the tracker already acknowledges are skipped without charge.
// A zero budget releases nothing but records the deferred intent.
func (s *Scheduler) ReleaseBatch(budget int64, tracker SentTracker) ([]BinRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return nil, ErrCancelled
	}
	if budget <= 0 {
		if len(s.pending) > 0 {
			s.deferredRounds++
		}
		return nil, nil
	}

	var batch []BinRef
	spent := int64(0)
	for len(s.pending) > 0 {
		ref := s.pending[0]
		if tracker != nil && tracker.HasDataBin(ref.Class, ref.ID) {
			s.pending = s.pending[1:]
			s.skipped++
			continue
		}
		if spent > 0 && spent+ref.EstimatedBytes > budget {
			break
		}
		s.pending = s.pending[1:]
		batch = append(batch, ref)
		spent += ref.EstimatedBytes
		s.released++
		if spent >= budget {
			break
		}
	}
	return batch, nil
}

// PendingCount returns the queue depth.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Cancel drops all pending refs and suppresses further emission. Idempotent.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	s.pending = nil
}

// Cancelled reports the sticky flag.
func (s *Scheduler) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Reset clears the cancelled flag and pending list for a fresh run.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = false
	s.pending = nil
}

// Stats snapshots counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		Pending:        len(s.pending),
		Released:       s.released,
		Skipped:        s.skipped,
		DeferredRounds: s.deferredRounds,
		Cancelled:      s.cancelled,
	}
}
