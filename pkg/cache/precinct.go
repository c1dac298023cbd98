package cache

import (
	"sync"
	"time"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

// PrecinctEntry is the layered payload of one precinct. The payload is
// append-only; merges union the received layers.
type PrecinctEntry struct {
	ID             jpeg2000.PrecinctID
	Data           []byte
	ReceivedLayers map[int]struct{}
	Complete       bool
	Timestamp      time.Time
}

// Layers returns the received quality layers as a set copy.
func (e *PrecinctEntry) Layers() map[int]struct{} {
	out := make(map[int]struct{}, len(e.ReceivedLayers))
	for l := range e.ReceivedLayers {
		out[l] = struct{}{}
	}
	return out
}

// PrecinctCacheConfig bounds a PrecinctCache.
type PrecinctCacheConfig struct {
	MaxSize    int
	MaxEntries int
}

// PrecinctCache stores per-precinct layered payloads keyed by
// (tile, component, resolution, px, py).
type PrecinctCache struct {
	mu        sync.Mutex
	config    PrecinctCacheConfig
	entries   map[jpeg2000.PrecinctID]*PrecinctEntry
	totalSize int
	evictions uint64
}

// NewPrecinctCache returns an empty precinct cache.
func NewPrecinctCache(config PrecinctCacheConfig) *PrecinctCache {
	if config.MaxSize <= 0 {
		config.MaxSize = 32 << 20
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 50000
	}
	return &PrecinctCache{
		config:  config,
		entries: map[jpeg2000.PrecinctID]*PrecinctEntry{},
	}
}

// Add stores a fresh precinct payload, replacing any existing entry.
func (c *PrecinctCache) Add(id jpeg2000.PrecinctID, data []byte, layers []int, complete bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[id]; ok {
		c.totalSize -= len(existing.Data)
		delete(c.entries, id)
	}
	c.makeRoomLocked(len(data))

	entry := &PrecinctEntry{
		ID:             id,
		Data:           append([]byte(nil), data...),
		ReceivedLayers: map[int]struct{}{},
		Complete:       complete,
		Timestamp:      time.Now(),
	}
	for _, l := range layers {
		entry.ReceivedLayers[l] = struct{}{}
	}
	c.entries[id] = entry
	c.totalSize += len(data)
}

// Merge appends bytes to an existing precinct, unions the layer set, and
// ors the completion flag. A merge against a missing key behaves like Add.
func (c *PrecinctCache) Merge(id jpeg2000.PrecinctID, data []byte, newLayers []int, complete bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[id]
	if !ok {
		c.makeRoomLocked(len(data))
		entry := &PrecinctEntry{
			ID:             id,
			Data:           append([]byte(nil), data...),
			ReceivedLayers: map[int]struct{}{},
			Complete:       complete,
			Timestamp:      time.Now(),
		}
		for _, l := range newLayers {
			entry.ReceivedLayers[l] = struct{}{}
		}
		c.entries[id] = entry
		c.totalSize += len(data)
		return
	}

	// Take the entry out while making room so eviction cannot pick it.
	delete(c.entries, id)
	c.totalSize -= len(existing.Data)
	c.makeRoomLocked(len(existing.Data) + len(data))

	existing.Data = append(existing.Data, data...)
	for _, l := range newLayers {
		existing.ReceivedLayers[l] = struct{}{}
	}
	existing.Complete = existing.Complete || complete
	existing.Timestamp = time.Now()
	c.entries[id] = existing
	c.totalSize += len(existing.Data)
}

// Get returns the entry for id, or nil.
func (c *PrecinctCache) Get(id jpeg2000.PrecinctID) *PrecinctEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[id]
}

// Has reports presence.
func (c *PrecinctCache) Has(id jpeg2000.PrecinctID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// IsComplete reports whether the precinct is fully delivered.
func (c *PrecinctCache) IsComplete(id jpeg2000.PrecinctID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	return ok && entry.Complete
}

// InvalidateTile drops every precinct of the tile.
func (c *PrecinctCache) InvalidateTile(tile int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for id, entry := range c.entries {
		if id.Tile == tile {
			c.totalSize -= len(entry.Data)
			delete(c.entries, id)
			dropped++
		}
	}
	return dropped
}

// InvalidateResolution drops every precinct at the resolution level.
func (c *PrecinctCache) InvalidateResolution(resolution int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for id, entry := range c.entries {
		if id.Resolution == resolution {
			c.totalSize -= len(entry.Data)
			delete(c.entries, id)
			dropped++
		}
	}
	return dropped
}

// Clear drops everything.
func (c *PrecinctCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[jpeg2000.PrecinctID]*PrecinctEntry{}
	c.totalSize = 0
}

// Len returns the entry count.
func (c *PrecinctCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TotalSize returns the summed payload bytes.
func (c *PrecinctCache) TotalSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// Entries snapshots the cached entries for persistence.
func (c *PrecinctCache) Entries() []*PrecinctEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PrecinctEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	return out
}

// makeRoomLocked evicts oldest-first until incoming bytes fit.
func (c *PrecinctCache) makeRoomLocked(incoming int) {
	for len(c.entries) > 0 && (c.totalSize+incoming > c.config.MaxSize || len(c.entries) >= c.config.MaxEntries) {
		var victimID jpeg2000.PrecinctID
		var victim *PrecinctEntry
		for id, entry := range c.entries {
			if victim == nil || entry.Timestamp.Before(victim.Timestamp) {
				victimID, victim = id, entry
			}
		}
		c.totalSize -= len(victim.Data)
		delete(c.entries, victimID)
		c.evictions++
	}
}
