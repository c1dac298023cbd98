package prefetch

import (
	"testing"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

func item(session string, priority PredictionPriority, confidence float64, id uint32) *PushItem {
	return &PushItem{
		SessionID:  session,
		Class:      jpeg2000.BinClassPrecinct,
		BinID:      id,
		Data:       []byte{1},
		Confidence: confidence,
		Priority:   priority,
	}
}

func TestPushQueueOrdering(t *testing.T) {
	q := NewPushQueue(10)
	q.Enqueue(item("s", PriorityQuality, 0.9, 1))
	q.Enqueue(item("s", PrioritySpatial, 0.5, 2))
	q.Enqueue(item("s", PrioritySpatial, 0.8, 3))
	q.Enqueue(item("s", PriorityResolution, 0.7, 4))

	expected := []uint32{3, 2, 4, 1}
	for i, want := range expected {
		got := q.Dequeue()
		if got == nil || got.BinID != want {
			t.Fatalf("Unexpected dequeue at %d: %+v, Expected bin %d", i, got, want)
		}
	}
}

func TestPushQueueEqualKeysKeepInsertionOrder(t *testing.T) {
	q := NewPushQueue(10)
	q.Enqueue(item("s", PrioritySpatial, 0.5, 1))
	q.Enqueue(item("s", PrioritySpatial, 0.5, 2))
	q.Enqueue(item("s", PrioritySpatial, 0.5, 3))

	for i, want := range []uint32{1, 2, 3} {
		if got := q.Dequeue(); got.BinID != want {
			t.Fatalf("Unexpected dequeue at %d: bin %d, Expected: %d", i, got.BinID, want)
		}
	}
}

func TestPushQueueOverflow(t *testing.T) {
	q := NewPushQueue(2)
	q.Enqueue(item("s", PriorityResolution, 0.5, 1))
	q.Enqueue(item("s", PriorityQuality, 0.5, 2))

	// Equal priority to the last item: dropped.
	if q.Enqueue(item("s", PriorityQuality, 0.9, 3)) {
		t.Fatal("Expected equal-priority overflow to drop the incoming item")
	}
	if q.Len() != 2 {
		t.Fatalf("Unexpected depth: %d, Expected: 2", q.Len())
	}

	// Strictly higher priority replaces the last item.
	if !q.Enqueue(item("s", PrioritySpatial, 0.1, 4)) {
		t.Fatal("Expected higher-priority overflow to be accepted")
	}
	got := []uint32{q.Dequeue().BinID, q.Dequeue().BinID}
	if got[0] != 4 || got[1] != 1 {
		t.Fatalf("Unexpected queue contents: %v, Expected: [4 1]", got)
	}
	if q.Dropped() != 2 {
		t.Fatalf("Unexpected dropped count: %d, Expected: 2", q.Dropped())
	}
}

func TestPushQueueRemoveSession(t *testing.T) {
	q := NewPushQueue(10)
	q.Enqueue(item("a", PrioritySpatial, 0.5, 1))
	q.Enqueue(item("b", PrioritySpatial, 0.5, 2))
	q.Enqueue(item("a", PriorityQuality, 0.5, 3))

	if removed := q.RemoveSession("a"); removed != 2 {
		t.Fatalf("Unexpected removed count: %d, Expected: 2", removed)
	}
	if q.Len() != 1 || q.Peek().SessionID != "b" {
		t.Fatalf("Unexpected queue state after removal")
	}
}
