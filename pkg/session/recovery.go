package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raster-lab/jpipstream/pkg/cache"
)

// RecoveryStatus classifies the outcome of a recovery attempt.
type RecoveryStatus int

const (
	RecoveryFailed RecoveryStatus = iota
	PartialRecovery
	FullRecovery
)

func (s RecoveryStatus) String() string {
	switch s {
	case FullRecovery:
		return "full"
	case PartialRecovery:
		return "partial"
	}
	return "failed"
}

// RecoveryResult reports a recovery attempt.
type RecoveryResult struct {
	Status  RecoveryStatus
	Reason  string
	Session *Client
}

// RecoverClient rebuilds a client session from its snapshot. The in-memory
// state is only produced on success; failures return a status and leave
// nothing behind.
func (p *Persister) RecoverClient(sessionID string, cacheConfig cache.Config, precinctConfig cache.PrecinctCacheConfig) (RecoveryResult, error) {
	snap, err := p.Load(KindClient, sessionID)
	if err != nil {
		if errors.Is(err, ErrNoState) {
			return RecoveryResult{Status: RecoveryFailed, Reason: "no state"}, err
		}
		return RecoveryResult{Status: RecoveryFailed, Reason: err.Error()}, err
	}

	if age := time.Since(snap.CreatedAt); age > p.config.MaxSnapshotAge {
		return RecoveryResult{Status: RecoveryFailed, Reason: "stale"},
			fmt.Errorf("%w: %s old", ErrStaleSnapshot, age.Round(time.Second))
	}
	if snap.Version != SnapshotVersion {
		return RecoveryResult{Status: RecoveryFailed, Reason: "incompatible"},
			fmt.Errorf("%w: version %d, want %d", ErrIncompatibleSnapshot, snap.Version, SnapshotVersion)
	}

	restored := NewClient(snap.SessionID, cacheConfig, precinctConfig)
	if snap.ChannelID != "" || snap.Target != "" {
		restored.Bind(snap.ChannelID, snap.Target)
	}
	truncated, reason := p.restoreCaches(restored, snap)
	if truncated {
		return RecoveryResult{Status: PartialRecovery, Reason: reason, Session: restored}, nil
	}
	return RecoveryResult{Status: FullRecovery, Session: restored}, nil
}

// RecoveryManagerConfig bounds retries.
type RecoveryManagerConfig struct {
	MaxRetryAttempts int
}

// RecoveryManager wraps the persister with per-session retry accounting so
// a corrupt snapshot cannot be retried forever.
type RecoveryManager struct {
	mu        sync.Mutex
	persister *Persister
	config    RecoveryManagerConfig
	attempts  map[string]int
}

// ErrRetriesExhausted reports too many failed recoveries for one session.
var ErrRetriesExhausted = errors.New("session: recovery retries exhausted")

// NewRecoveryManager wraps p.
func NewRecoveryManager(p *Persister, config RecoveryManagerConfig) *RecoveryManager {
	if config.MaxRetryAttempts <= 0 {
		config.MaxRetryAttempts = 3
	}
	return &RecoveryManager{
		persister: p,
		config:    config,
		attempts:  map[string]int{},
	}
}

// Recover attempts a client recovery, counting failures per session id.
func (m *RecoveryManager) Recover(sessionID string, cacheConfig cache.Config, precinctConfig cache.PrecinctCacheConfig) (RecoveryResult, error) {
	m.mu.Lock()
	if m.attempts[sessionID] >= m.config.MaxRetryAttempts {
		m.mu.Unlock()
		return RecoveryResult{Status: RecoveryFailed, Reason: "retries exhausted"}, ErrRetriesExhausted
	}
	m.mu.Unlock()

	result, err := m.persister.RecoverClient(sessionID, cacheConfig, precinctConfig)
	m.mu.Lock()
	defer m.mu.Unlock()
	if result.Status == RecoveryFailed {
		m.attempts[sessionID]++
	} else {
		delete(m.attempts, sessionID)
	}
	return result, err
}

// Attempts reports how many failed recoveries are recorded for sessionID.
func (m *RecoveryManager) Attempts(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[sessionID]
}
