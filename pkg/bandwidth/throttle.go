package bandwidth

import (
	"sync"
	"time"
)

// bucket is a token bucket with integer refill: tokens grow by
// ⌊elapsed·rate⌋ capped at capacity and never go negative.
type bucket struct {
	capacity   int64
	refillRate int64 // tokens per second
	tokens     int64
	lastRefill time.Time
}

func newBucket(ratePerSec int64) *bucket {
	return &bucket{
		capacity:   2 * ratePerSec,
		refillRate: ratePerSec,
		tokens:     2 * ratePerSec,
		lastRefill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	added := int64(elapsed * float64(b.refillRate))
	if added <= 0 {
		return
	}
	b.tokens += added
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *bucket) consume(n int64) bool {
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// ThrottleConfig tunes the throttle.
type ThrottleConfig struct {
	// GlobalLimitBps bounds the whole server; 0 disables the global bucket.
	GlobalLimitBps int64
	// PerClientLimitBps bounds each client; 0 disables per-client buckets.
	PerClientLimitBps int64
}

// ThrottleStats snapshots throttle counters.
type ThrottleStats struct {
	GlobalThrottled    uint64
	PerClientThrottled uint64
	BytesSent          uint64
	ActiveClients      int
}

// Throttle is a token-bucket pair: one optional
// global bucket plus one per-client bucket created on demand. It is an owner
// shared across sessions; all mutation is serialized here.
type Throttle struct {
	mu      sync.Mutex
	config  ThrottleConfig
	global  *bucket
	clients map[string]*bucket

	globalThrottled    uint64
	perClientThrottled uint64
	bytesSent          uint64
}

// NewThrottle builds the throttle; either limit may be zero.
func NewThrottle(config ThrottleConfig) *Throttle {
	t := &Throttle{
		config:  config,
		clients: map[string]*bucket{},
	}
	if config.GlobalLimitBps > 0 {
		t.global = newBucket(config.GlobalLimitBps)
	}
	return t
}

// CanSend refills both buckets, then consumes n tokens from the global and
// per-client buckets in that order. A failed consumption leaves later
// buckets untouched and the caller must not send.
func (t *Throttle) CanSend(clientID string, n int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	client := t.clientBucketLocked(clientID)
	if t.global != nil {
		t.global.refill(now)
	}
	if client != nil {
		client.refill(now)
	}

	if t.global != nil && !t.global.consume(n) {
		t.globalThrottled++
		return false
	}
	if client != nil && !client.consume(n) {
		t.perClientThrottled++
		return false
	}
	return true
}

// RecordSent updates accounting only; it never consumes tokens.
func (t *Throttle) RecordSent(clientID string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesSent += uint64(n)
}

// ReleaseClient drops the client's bucket, e.g. when its session closes.
func (t *Throttle) ReleaseClient(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, clientID)
}

// Stats snapshots counters.
func (t *Throttle) Stats() ThrottleStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ThrottleStats{
		GlobalThrottled:    t.globalThrottled,
		PerClientThrottled: t.perClientThrottled,
		BytesSent:          t.bytesSent,
		ActiveClients:      len(t.clients),
	}
}

func (t *Throttle) clientBucketLocked(clientID string) *bucket {
	if t.config.PerClientLimitBps <= 0 || clientID == "" {
		return nil
	}
	b, ok := t.clients[clientID]
	if !ok {
		b = newBucket(t.config.PerClientLimitBps)
		t.clients[clientID] = b
	}
	return b
}
