package prefetch

import (
	"sync"
)

// Tracker is the server's running belief of each client's cache: the bin
// keys confirmed received and the keys currently pending push.
type Tracker struct {
	mu       sync.Mutex
	received map[string]map[string]struct{}
	pending  map[string]map[string]struct{}
	savings  uint64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		received: map[string]map[string]struct{}{},
		pending:  map[string]map[string]struct{}{},
	}
}

// FilterMissing removes keys the session already has or is about to get,
// incrementing the delta-savings counter per filtered key.
func (t *Tracker) FilterMissing(sessionID string, keys []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	received := t.received[sessionID]
	pending := t.pending[sessionID]
	missing := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := received[key]; ok {
			t.savings++
			continue
		}
		if _, ok := pending[key]; ok {
			t.savings++
			continue
		}
		missing = append(missing, key)
	}
	return missing
}

// MarkPending records a pushed-but-unconfirmed key.
func (t *Tracker) MarkPending(sessionID, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.pending[sessionID]
	if !ok {
		set = map[string]struct{}{}
		t.pending[sessionID] = set
	}
	set[key] = struct{}{}
}

// ConfirmDelivered moves a key from pending to received.
func (t *Tracker) ConfirmDelivered(sessionID, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending[sessionID], key)
	set, ok := t.received[sessionID]
	if !ok {
		set = map[string]struct{}{}
		t.received[sessionID] = set
	}
	set[key] = struct{}{}
}

// Has reports whether the session is known to hold the key.
func (t *Tracker) Has(sessionID, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.received[sessionID][key]
	return ok
}

// Invalidate removes the keys from both sets of every session, e.g. when
// the underlying target changed on disk.
func (t *Tracker) Invalidate(keys []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range keys {
		for _, set := range t.received {
			delete(set, key)
		}
		for _, set := range t.pending {
			delete(set, key)
		}
	}
}

// ForgetSession drops all state for the session.
func (t *Tracker) ForgetSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.received, sessionID)
	delete(t.pending, sessionID)
}

// DeltaSavings returns how many redundant pushes were avoided.
func (t *Tracker) DeltaSavings() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.savings
}

// ReceivedCount returns how many keys the session has confirmed.
func (t *Tracker) ReceivedCount(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.received[sessionID])
}
