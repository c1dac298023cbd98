package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = 2

// Snapshot kinds map to the two on-disk file families.
const (
	KindClient = "client"
	KindServer = "server"
)

var (
	// ErrNoState reports a missing snapshot.
	ErrNoState = errors.New("session: no persisted state")
	// ErrStaleSnapshot reports a snapshot older than the configured bound.
	ErrStaleSnapshot = errors.New("session: stale snapshot")
	// ErrIncompatibleSnapshot reports a format version mismatch.
	ErrIncompatibleSnapshot = errors.New("session: incompatible snapshot")
)

// SnapshotBin is one persisted data bin.
type SnapshotBin struct {
	Class        uint8  `json:"class"`
	ID           uint32 `json:"id"`
	Data         []byte `json:"data"`
	Complete     bool   `json:"complete"`
	QualityLayer int    `json:"quality_layer"`
	TileIndex    int    `json:"tile_index"`
}

// SnapshotPrecinct is one persisted precinct entry.
type SnapshotPrecinct struct {
	Tile       int    `json:"tile"`
	Component  int    `json:"component"`
	Resolution int    `json:"resolution"`
	PrecinctX  int    `json:"px"`
	PrecinctY  int    `json:"py"`
	Data       []byte `json:"data"`
	Layers     []int  `json:"layers"`
	Complete   bool   `json:"complete"`
}

// Snapshot is the versioned persisted form of a session.
type Snapshot struct {
	Version     int                `json:"version"`
	SessionID   string             `json:"session_id"`
	ChannelID   string             `json:"channel_id,omitempty"`
	Target      string             `json:"target,omitempty"`
	WasActive   bool               `json:"was_active"`
	CreatedAt   time.Time          `json:"created_at"`
	DataBins    []SnapshotBin      `json:"data_bins"`
	Precincts   []SnapshotPrecinct `json:"precincts"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	CacheHits   uint64             `json:"cache_hits"`
	CacheMisses uint64             `json:"cache_misses"`
}

// PersistenceConfig tunes snapshot saving and recovery.
type PersistenceConfig struct {
	Dir                   string
	MaxSnapshotAge        time.Duration
	MaxDataBinsToRestore  int
	MaxPrecinctsToRestore int
	RestorePrecinctCache  bool
}

// DefaultPersistenceConfig bounds restoration for interactive startup.
func DefaultPersistenceConfig(dir string) PersistenceConfig {
	return PersistenceConfig{
		Dir:                   dir,
		MaxSnapshotAge:        24 * time.Hour,
		MaxDataBinsToRestore:  2000,
		MaxPrecinctsToRestore: 5000,
		RestorePrecinctCache:  true,
	}
}

// Persister saves and loads session snapshots under a directory, one file
// per (kind, session id).
type Persister struct {
	config PersistenceConfig
}

// NewPersister creates the snapshot directory if needed.
func NewPersister(config PersistenceConfig) (*Persister, error) {
	if config.MaxSnapshotAge <= 0 {
		config.MaxSnapshotAge = 24 * time.Hour
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}
	return &Persister{config: config}, nil
}

func (p *Persister) path(kind, sessionID string) string {
	return filepath.Join(p.config.Dir, fmt.Sprintf("%s_%s.jpipsession", kind, sessionID))
}

// SnapshotClient captures a client session.
func SnapshotClient(c *Client) Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Version:   SnapshotVersion,
		SessionID: c.sessionID,
		ChannelID: c.channelID,
		Target:    c.target,
		WasActive: c.active,
		CreatedAt: time.Now(),
	}
	c.mu.Unlock()

	stats := c.cacheModel.Stats()
	snap.CacheHits = stats.Hits
	snap.CacheMisses = stats.Misses

	for _, key := range c.cacheModel.Keys() {
		class, id, ok := parseBinKey(key)
		if !ok {
			continue
		}
		bin := c.cacheModel.Get(class, id)
		if bin == nil {
			continue
		}
		snap.DataBins = append(snap.DataBins, SnapshotBin{
			Class:        uint8(bin.Class),
			ID:           bin.ID,
			Data:         bin.Data,
			Complete:     bin.Complete,
			QualityLayer: bin.QualityLayer,
			TileIndex:    bin.TileIndex,
		})
	}
	for _, entry := range c.precinctCache.Entries() {
		layers := make([]int, 0, len(entry.ReceivedLayers))
		for l := range entry.ReceivedLayers {
			layers = append(layers, l)
		}
		snap.Precincts = append(snap.Precincts, SnapshotPrecinct{
			Tile:       entry.ID.Tile,
			Component:  entry.ID.Component,
			Resolution: entry.ID.Resolution,
			PrecinctX:  entry.ID.PrecinctX,
			PrecinctY:  entry.ID.PrecinctY,
			Data:       entry.Data,
			Layers:     layers,
			Complete:   entry.Complete,
		})
	}
	return snap
}

// SnapshotServer captures a server session.
func SnapshotServer(s *Server) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Version:   SnapshotVersion,
		SessionID: s.sessionID,
		ChannelID: s.channelID,
		Target:    s.target,
		WasActive: s.active,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{},
	}
	for k, v := range s.metadata {
		snap.Metadata[k] = v
	}
	return snap
}

// Save writes the snapshot atomically: temp file, then rename.
func (p *Persister) Save(kind string, snap Snapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(p.config.Dir, ".jpipsession-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p.path(kind, snap.SessionID))
}

// Load reads a snapshot; a missing file is ErrNoState.
func (p *Persister) Load(kind, sessionID string) (Snapshot, error) {
	doc, err := os.ReadFile(p.path(kind, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, ErrNoState
		}
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

// Delete removes a persisted snapshot; missing files are not an error.
func (p *Persister) Delete(kind, sessionID string) error {
	err := os.Remove(p.path(kind, sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func parseBinKey(key string) (jpeg2000.BinClass, uint32, bool) {
	var class uint8
	var id uint32
	if _, err := fmt.Sscanf(key, "%d:%d", &class, &id); err != nil {
		return 0, 0, false
	}
	return jpeg2000.BinClass(class), id, true
}

// restoreCaches rebuilds cache contents from a snapshot, bounded by the
// persistence config. Returns whether anything was truncated and why.
func (p *Persister) restoreCaches(c *Client, snap Snapshot) (bool, string) {
	truncated := false
	reason := ""

	bins := snap.DataBins
	if p.config.MaxDataBinsToRestore > 0 && len(bins) > p.config.MaxDataBinsToRestore {
		bins = bins[:p.config.MaxDataBinsToRestore]
		truncated = true
		reason = "data bins truncated"
	}
	for _, sb := range bins {
		c.cacheModel.Add(&jpeg2000.DataBin{
			Class:        jpeg2000.BinClass(sb.Class),
			ID:           sb.ID,
			Data:         sb.Data,
			Complete:     sb.Complete,
			QualityLayer: sb.QualityLayer,
			TileIndex:    sb.TileIndex,
		})
	}

	if !p.config.RestorePrecinctCache {
		return truncated, reason
	}
	precincts := snap.Precincts
	if p.config.MaxPrecinctsToRestore > 0 && len(precincts) > p.config.MaxPrecinctsToRestore {
		precincts = precincts[:p.config.MaxPrecinctsToRestore]
		truncated = true
		if reason == "" {
			reason = "precincts truncated"
		}
	}
	for _, sp := range precincts {
		c.precinctCache.Add(jpeg2000.PrecinctID{
			Tile:       sp.Tile,
			Component:  sp.Component,
			Resolution: sp.Resolution,
			PrecinctX:  sp.PrecinctX,
			PrecinctY:  sp.PrecinctY,
		}, sp.Data, sp.Layers, sp.Complete)
	}
	return truncated, reason
}
