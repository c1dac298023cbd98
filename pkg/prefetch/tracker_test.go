package prefetch

import (
	"testing"

	"github.com/go-test/deep"
)

func TestFilterMissingDeltaDelivery(t *testing.T) {
	tracker := NewTracker()
	tracker.ConfirmDelivered("S", "2:7")
	tracker.ConfirmDelivered("S", "2:8")

	missing := tracker.FilterMissing("S", []string{"2:7", "2:8", "2:9", "3:3"})
	if diff := deep.Equal(missing, []string{"2:9", "3:3"}); diff != nil {
		t.Fatalf("Unexpected missing set: %v", diff)
	}
	if got := tracker.DeltaSavings(); got != 2 {
		t.Fatalf("Unexpected delta savings: %d, Expected: 2", got)
	}
}

func TestFilterMissingCountsPending(t *testing.T) {
	tracker := NewTracker()
	tracker.MarkPending("S", "2:7")
	missing := tracker.FilterMissing("S", []string{"2:7", "2:8"})
	if len(missing) != 1 || missing[0] != "2:8" {
		t.Fatalf("Unexpected missing set: %v", missing)
	}
	if got := tracker.DeltaSavings(); got != 1 {
		t.Fatalf("Unexpected delta savings: %d, Expected: 1", got)
	}
}

func TestConfirmDeliveredMovesPendingToReceived(t *testing.T) {
	tracker := NewTracker()
	tracker.MarkPending("S", "2:7")
	tracker.ConfirmDelivered("S", "2:7")
	if !tracker.Has("S", "2:7") {
		t.Fatal("Expected key in received set")
	}
	if got := tracker.ReceivedCount("S"); got != 1 {
		t.Fatalf("Unexpected received count: %d, Expected: 1", got)
	}
}

func TestInvalidateAffectsAllSessions(t *testing.T) {
	tracker := NewTracker()
	tracker.ConfirmDelivered("A", "2:7")
	tracker.MarkPending("B", "2:7")
	tracker.ConfirmDelivered("B", "2:8")

	tracker.Invalidate([]string{"2:7"})
	if tracker.Has("A", "2:7") {
		t.Fatal("Expected 2:7 invalidated for session A")
	}
	missing := tracker.FilterMissing("B", []string{"2:7", "2:8"})
	if len(missing) != 1 || missing[0] != "2:7" {
		t.Fatalf("Unexpected missing set after invalidation: %v", missing)
	}
}
