package queue

import (
	"errors"
	"testing"

	"github.com/raster-lab/jpipstream/pkg/request"
)

func req(target string) *request.ViewWindow {
	w := request.New(target)
	return w
}

func TestDequeueOrderPriorityThenFIFO(t *testing.T) {
	q := New(10)
	enqueues := []struct {
		target   string
		priority int
	}{
		{"A", 50},
		{"B", 100},
		{"C", 90},
		{"D", 100},
	}
	for _, e := range enqueues {
		if err := q.Enqueue(req(e.target), e.priority); err != nil {
			t.Fatalf("Unexpected error enqueuing %s: %s", e.target, err)
		}
	}

	expected := []string{"B", "D", "C", "A"}
	for i, want := range expected {
		item := q.Dequeue()
		if item == nil {
			t.Fatalf("Unexpected empty queue at %d", i)
		}
		if item.Request.Target != want {
			t.Fatalf("Unexpected dequeue at %d: %s, Expected: %s", i, item.Request.Target, want)
		}
	}
	if q.Dequeue() != nil {
		t.Fatal("Expected empty queue")
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	q := New(2)
	q.Enqueue(req("a"), 50)
	q.Enqueue(req("b"), 60)

	// Equal or lower priority is refused.
	if err := q.Enqueue(req("c"), 50); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Unexpected error: %v, Expected: %v", err, ErrQueueFull)
	}
	if stats := q.Stats(); stats.Dropped != 1 {
		t.Fatalf("Unexpected dropped count: %d, Expected: 1", stats.Dropped)
	}

	// Strictly higher priority displaces the lowest queued item.
	if err := q.Enqueue(req("d"), 100); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	first := q.Dequeue()
	if first.Request.Target != "d" {
		t.Fatalf("Unexpected head: %s, Expected: d", first.Request.Target)
	}
	second := q.Dequeue()
	if second.Request.Target != "b" {
		t.Fatalf("Unexpected second: %s, Expected: b", second.Request.Target)
	}
}

func TestTargetIndex(t *testing.T) {
	q := New(10)
	q.Enqueue(req("x"), 50)
	q.Enqueue(req("y"), 80)
	q.Enqueue(req("x"), 90)

	forX := q.ForTarget("x")
	if len(forX) != 2 {
		t.Fatalf("Unexpected items for target: %d, Expected: 2", len(forX))
	}
	if forX[0].Priority != 90 {
		t.Fatalf("Unexpected first priority: %d, Expected: 90", forX[0].Priority)
	}

	if removed := q.RemoveForTarget("x"); removed != 2 {
		t.Fatalf("Unexpected removed count: %d, Expected: 2", removed)
	}
	if q.Len() != 1 {
		t.Fatalf("Unexpected depth: %d, Expected: 1", q.Len())
	}
}

func TestPriorityFor(t *testing.T) {
	expectations := []struct {
		name     string
		window   *request.ViewWindow
		priority int
	}{
		{name: "new channel", window: &request.ViewWindow{NewChannel: true}, priority: PriorityNewChannel},
		{name: "metadata", window: &request.ViewWindow{Target: "t", MetadataOnly: true}, priority: PriorityMetadataOnly},
		{
			name: "small region",
			window: &request.ViewWindow{Target: "t", Region: &request.Region{
				Size: request.Size{Width: 50, Height: 50},
			}},
			priority: PrioritySmallRegion,
		},
		{
			name: "large region",
			window: &request.ViewWindow{Target: "t", Region: &request.Region{
				Size: request.Size{Width: 200, Height: 200},
			}},
			priority: PriorityDefault,
		},
		{name: "plain", window: &request.ViewWindow{Target: "t"}, priority: PriorityDefault},
	}
	for _, exp := range expectations {
		exp := exp
		t.Run(exp.name, func(t *testing.T) {
			if got := PriorityFor(exp.window); got != exp.priority {
				t.Fatalf("Unexpected priority: %d, Expected: %d", got, exp.priority)
			}
		})
	}
}
