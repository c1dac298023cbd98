package bandwidth

import (
	"testing"
	"time"
)

func TestGlobalTokenBucket(t *testing.T) {
	throttle := NewThrottle(ThrottleConfig{GlobalLimitBps: 1000})

	// Bucket starts full at capacity 2000.
	if !throttle.CanSend("x", 1500) {
		t.Fatal("Expected first send of 1500 to pass")
	}
	if throttle.CanSend("x", 600) {
		t.Fatal("Expected send of 600 with 500 tokens left to fail")
	}
	if stats := throttle.Stats(); stats.GlobalThrottled != 1 {
		t.Fatalf("Unexpected throttled count: %d, Expected: 1", stats.GlobalThrottled)
	}

	// One second later the bucket refills by 1000 to 1500.
	throttle.global.lastRefill = throttle.global.lastRefill.Add(-time.Second)
	if !throttle.CanSend("x", 600) {
		t.Fatal("Expected send of 600 after refill to pass")
	}
}

func TestTokenBucketBounds(t *testing.T) {
	b := newBucket(1000)
	if b.tokens != 2000 || b.capacity != 2000 {
		t.Fatalf("Unexpected initial bucket: tokens=%d capacity=%d", b.tokens, b.capacity)
	}

	// Refill never exceeds capacity.
	b.lastRefill = b.lastRefill.Add(-time.Hour)
	b.refill(time.Now())
	if b.tokens != 2000 {
		t.Fatalf("Unexpected tokens after long refill: %d, Expected: 2000", b.tokens)
	}

	// Consumption never goes negative.
	if b.consume(3000) {
		t.Fatal("Expected oversized consume to fail")
	}
	if b.tokens != 2000 {
		t.Fatalf("Unexpected tokens after failed consume: %d, Expected: 2000", b.tokens)
	}
}

func TestPerClientBucketsAreIndependent(t *testing.T) {
	throttle := NewThrottle(ThrottleConfig{PerClientLimitBps: 1000})

	if !throttle.CanSend("a", 2000) {
		t.Fatal("Expected client a's full bucket to cover 2000")
	}
	if !throttle.CanSend("b", 2000) {
		t.Fatal("Expected client b's bucket to be unaffected by a")
	}
	if throttle.CanSend("a", 1) {
		t.Fatal("Expected client a to be drained")
	}
	if stats := throttle.Stats(); stats.PerClientThrottled != 1 {
		t.Fatalf("Unexpected per-client throttled count: %d, Expected: 1", stats.PerClientThrottled)
	}

	throttle.ReleaseClient("a")
	if stats := throttle.Stats(); stats.ActiveClients != 1 {
		t.Fatalf("Unexpected active clients: %d, Expected: 1", stats.ActiveClients)
	}
}

func TestGlobalFailureLeavesClientBucketUntouched(t *testing.T) {
	throttle := NewThrottle(ThrottleConfig{GlobalLimitBps: 100, PerClientLimitBps: 1000})
	// Global capacity is 200; a 500-byte send fails on the global bucket
	// before the client bucket is consulted.
	if throttle.CanSend("c", 500) {
		t.Fatal("Expected global bucket to refuse")
	}
	if got := throttle.clients["c"].tokens; got != 2000 {
		t.Fatalf("Unexpected client tokens: %d, Expected: 2000", got)
	}
}

func TestRecordSentIsIndependentAccounting(t *testing.T) {
	throttle := NewThrottle(ThrottleConfig{GlobalLimitBps: 1000})
	throttle.RecordSent("x", 5000)
	if stats := throttle.Stats(); stats.BytesSent != 5000 {
		t.Fatalf("Unexpected bytes sent: %d, Expected: 5000", stats.BytesSent)
	}
	// Accounting does not consume tokens.
	if !throttle.CanSend("x", 2000) {
		t.Fatal("Expected full bucket despite recorded bytes")
	}
}
