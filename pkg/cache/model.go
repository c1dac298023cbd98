// Package cache holds the shared client/server cache model for JPIP data
// bins and the finer-grained precinct cache.
package cache

import (
	"sync"
	"time"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

// Entry is one cached data bin with its bookkeeping.
type Entry struct {
	Bin         *jpeg2000.DataBin
	Timestamp   time.Time
	AccessCount uint64
	ByteCount   int
}

// Config bounds a Model.
type Config struct {
	MaxSize    int
	MaxEntries int
}

// DefaultConfig is sized for an interactive client viewing one large image.
func DefaultConfig() Config {
	return Config{MaxSize: 64 << 20, MaxEntries: 10000}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	EntryCount int
	TotalSize  int
	Hits       uint64
	Misses     uint64
	Evictions  uint64
}

// Model maps "<class>:<id>" keys to data bins. All methods are safe for
// concurrent use; the model owns its state exclusively.
type Model struct {
	mu        sync.Mutex
	config    Config
	entries   map[string]*Entry
	totalSize int
	hits      uint64
	misses    uint64
	evictions uint64
}

// NewModel returns an empty cache bounded by config.
func NewModel(config Config) *Model {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultConfig().MaxSize
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}
	return &Model{
		config:  config,
		entries: map[string]*Entry{},
	}
}

// Add inserts or replaces the bin's entry. Replacing preserves the access
// count and refreshes the timestamp; total size moves by the net delta.
func (m *Model) Add(bin *jpeg2000.DataBin) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bin.Key()
	size := len(bin.Data)
	if existing, ok := m.entries[key]; ok {
		m.totalSize += size - existing.ByteCount
		existing.Bin = bin
		existing.ByteCount = size
		existing.Timestamp = time.Now()
		return
	}

	for len(m.entries) > 0 && (m.totalSize+size > m.config.MaxSize || len(m.entries) >= m.config.MaxEntries) {
		m.evictOldestLocked()
	}

	m.entries[key] = &Entry{
		Bin:       bin,
		Timestamp: time.Now(),
		ByteCount: size,
	}
	m.totalSize += size
}

// Get returns the cached bin, or nil on a miss. A hit refreshes recency.
func (m *Model) Get(class jpeg2000.BinClass, id uint32) *jpeg2000.DataBin {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[jpeg2000.BinKey(class, id)]
	if !ok {
		m.misses++
		return nil
	}
	m.hits++
	entry.AccessCount++
	entry.Timestamp = time.Now()
	return entry.Bin
}

// Has reports presence without touching hit/miss counters or recency.
func (m *Model) Has(class jpeg2000.BinClass, id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[jpeg2000.BinKey(class, id)]
	return ok
}

// InvalidateClass drops every entry of the class and returns how many.
func (m *Model) InvalidateClass(class jpeg2000.BinClass) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for key, entry := range m.entries {
		if entry.Bin.Class == class {
			m.totalSize -= entry.ByteCount
			delete(m.entries, key)
			dropped++
		}
	}
	return dropped
}

// InvalidateOlderThan drops entries whose timestamp precedes cutoff.
func (m *Model) InvalidateOlderThan(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for key, entry := range m.entries {
		if entry.Timestamp.Before(cutoff) {
			m.totalSize -= entry.ByteCount
			delete(m.entries, key)
			dropped++
		}
	}
	return dropped
}

// Clear drops everything, keeping the monotonic counters.
func (m *Model) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]*Entry{}
	m.totalSize = 0
}

// Stats snapshots the counters.
func (m *Model) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		EntryCount: len(m.entries),
		TotalSize:  m.totalSize,
		Hits:       m.hits,
		Misses:     m.misses,
		Evictions:  m.evictions,
	}
}

// Keys returns the cached bin keys, in no particular order.
func (m *Model) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	return keys
}

func (m *Model) evictOldestLocked() {
	var victimKey string
	var victim *Entry
	for key, entry := range m.entries {
		if victim == nil || entry.Timestamp.Before(victim.Timestamp) {
			victimKey, victim = key, entry
		}
	}
	if victim == nil {
		return
	}
	m.totalSize -= victim.ByteCount
	delete(m.entries, victimKey)
	m.evictions++
}
