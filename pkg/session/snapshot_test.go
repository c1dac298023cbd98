package session

import (
	"errors"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/raster-lab/jpipstream/pkg/cache"
	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

func newTestPersister(t *testing.T, config PersistenceConfig) *Persister {
	t.Helper()
	if config.Dir == "" {
		config.Dir = t.TempDir()
	}
	p, err := NewPersister(config)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	return p
}

func populatedClient() *Client {
	c := NewClient("sess-1", cache.Config{}, cache.PrecinctCacheConfig{})
	c.Bind("cid-1", "scan.jp2")
	c.ReceiveBin(testBin(1))
	c.ReceiveBin(testBin(2))
	c.MergePrecinct(jpeg2000.PrecinctID{Tile: 0, Resolution: 1}, []byte{5, 6}, []int{0, 1}, true)
	return c
}

func TestSnapshotSaveLoadRoundTrip(t *testing.T) {
	p := newTestPersister(t, PersistenceConfig{MaxSnapshotAge: time.Hour})
	snap := SnapshotClient(populatedClient())

	if err := p.Save(KindClient, snap); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	loaded, err := p.Load(KindClient, "sess-1")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	// Equal except the snapshot timestamp's serialization precision.
	loaded.CreatedAt = snap.CreatedAt
	if diff := deep.Equal(snap, loaded); diff != nil {
		t.Fatalf("Round trip mismatch: %v", diff)
	}
}

func TestLoadMissingSnapshot(t *testing.T) {
	p := newTestPersister(t, PersistenceConfig{MaxSnapshotAge: time.Hour})
	if _, err := p.Load(KindClient, "nope"); !errors.Is(err, ErrNoState) {
		t.Fatalf("Unexpected error: %v, Expected: %v", err, ErrNoState)
	}
}

func TestRecoverFullAndPartial(t *testing.T) {
	p := newTestPersister(t, PersistenceConfig{
		MaxSnapshotAge:        time.Hour,
		MaxDataBinsToRestore:  10,
		MaxPrecinctsToRestore: 10,
		RestorePrecinctCache:  true,
	})
	if err := p.Save(KindClient, SnapshotClient(populatedClient())); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	result, err := p.RecoverClient("sess-1", cache.Config{}, cache.PrecinctCacheConfig{})
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if result.Status != FullRecovery {
		t.Fatalf("Unexpected status: %s, Expected: full", result.Status)
	}
	if result.Session.Cache().Stats().EntryCount != 2 {
		t.Fatalf("Unexpected restored bins: %d, Expected: 2", result.Session.Cache().Stats().EntryCount)
	}
	if result.Session.Precincts().Len() != 1 {
		t.Fatalf("Unexpected restored precincts: %d, Expected: 1", result.Session.Precincts().Len())
	}
	channelID, target := result.Session.Binding()
	if channelID != "cid-1" || target != "scan.jp2" {
		t.Fatalf("Unexpected binding: %q %q", channelID, target)
	}

	// A tighter bin bound yields a partial recovery.
	tight := newTestPersister(t, PersistenceConfig{
		Dir:                  p.config.Dir,
		MaxSnapshotAge:       time.Hour,
		MaxDataBinsToRestore: 1,
		RestorePrecinctCache: false,
	})
	result, err = tight.RecoverClient("sess-1", cache.Config{}, cache.PrecinctCacheConfig{})
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if result.Status != PartialRecovery {
		t.Fatalf("Unexpected status: %s, Expected: partial", result.Status)
	}
	if result.Session.Cache().Stats().EntryCount != 1 {
		t.Fatalf("Unexpected restored bins: %d, Expected: 1", result.Session.Cache().Stats().EntryCount)
	}
}

func TestRecoverRefusesStaleAndIncompatible(t *testing.T) {
	p := newTestPersister(t, PersistenceConfig{MaxSnapshotAge: time.Minute})

	stale := SnapshotClient(populatedClient())
	stale.CreatedAt = time.Now().Add(-time.Hour)
	if err := p.Save(KindClient, stale); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	result, err := p.RecoverClient("sess-1", cache.Config{}, cache.PrecinctCacheConfig{})
	if !errors.Is(err, ErrStaleSnapshot) || result.Status != RecoveryFailed || result.Reason != "stale" {
		t.Fatalf("Unexpected stale result: %+v, %v", result, err)
	}

	incompatible := SnapshotClient(populatedClient())
	incompatible.Version = SnapshotVersion + 1
	if err := p.Save(KindClient, incompatible); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	result, err = p.RecoverClient("sess-1", cache.Config{}, cache.PrecinctCacheConfig{})
	if !errors.Is(err, ErrIncompatibleSnapshot) || result.Reason != "incompatible" {
		t.Fatalf("Unexpected incompatible result: %+v, %v", result, err)
	}
}

func TestRecoveryManagerBoundsRetries(t *testing.T) {
	p := newTestPersister(t, PersistenceConfig{MaxSnapshotAge: time.Hour})
	m := NewRecoveryManager(p, RecoveryManagerConfig{MaxRetryAttempts: 2})

	for i := 0; i < 2; i++ {
		result, err := m.Recover("ghost", cache.Config{}, cache.PrecinctCacheConfig{})
		if !errors.Is(err, ErrNoState) || result.Status != RecoveryFailed {
			t.Fatalf("Unexpected attempt %d: %+v, %v", i, result, err)
		}
	}
	if _, err := m.Recover("ghost", cache.Config{}, cache.PrecinctCacheConfig{}); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Unexpected error: %v, Expected: %v", err, ErrRetriesExhausted)
	}
	if m.Attempts("ghost") != 2 {
		t.Fatalf("Unexpected attempts: %d, Expected: 2", m.Attempts("ghost"))
	}
}
