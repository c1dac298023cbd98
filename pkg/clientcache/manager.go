// Package clientcache implements the resolution-aware client-side cache
// manager: per-image, per-resolution partitions with pinning, score-driven
// eviction, content-hash deduplication, compression of inactive entries, and
// an optional persistent tier.
package clientcache

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

// ManagedEntry is one cached bin plus the partition bookkeeping.
type ManagedEntry struct {
	Bin             *jpeg2000.DataBin
	ImageID         string
	ResolutionLevel int
	OriginalSize    int
	CurrentSize     int
	Compressed      []byte // nil while the payload is raw
	ContentHash     uint64
	Pinned          bool
	Timestamp       time.Time
	AccessCount     uint64
}

type coord struct {
	imageID    string
	resolution int
}

// Config bounds and tunes a Manager.
type Config struct {
	MaxMemory  int
	MaxEntries int
	// ResolutionWeights overrides the default 1/(r+1) eviction weight for
	// specific levels.
	ResolutionWeights map[int]float64
	EnableDeduplication bool
	// InactivityThreshold is the default idle time before an entry becomes a
	// compression candidate; per-image policies may override it.
	InactivityThreshold time.Duration
	// Store, when set, provides the persistent tier.
	Store Store
}

// DefaultConfig sizes the manager for a single interactive viewer.
func DefaultConfig() Config {
	return Config{
		MaxMemory:           128 << 20,
		MaxEntries:          20000,
		EnableDeduplication: true,
		InactivityThreshold: 30 * time.Second,
	}
}

// Stats snapshots the manager counters.
type Stats struct {
	EntryCount            int
	TotalSize             int
	PinnedEntryCount      int
	Hits                  uint64
	Misses                uint64
	Evictions             uint64
	DedupSavedBytes       uint64
	CompressionSavedBytes uint64
	PersistErrors         uint64
}

// Manager owns the partitioned client cache. All methods are safe for
// concurrent use.
type Manager struct {
	mu         sync.Mutex
	config     Config
	entries    map[string]*ManagedEntry
	partitions map[string]map[int]map[string]*ManagedEntry
	index      map[string]coord
	hashIndex  map[uint64]string
	policies   map[string]ImagePolicy

	totalSize        int
	pinnedEntryCount int

	hits                  uint64
	misses                uint64
	evictions             uint64
	dedupSavedBytes       uint64
	compressionSavedBytes uint64
	persistErrors         uint64
}

// NewManager returns an empty manager.
func NewManager(config Config) *Manager {
	if config.MaxMemory <= 0 {
		config.MaxMemory = DefaultConfig().MaxMemory
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}
	if config.InactivityThreshold <= 0 {
		config.InactivityThreshold = DefaultConfig().InactivityThreshold
	}
	return &Manager{
		config:     config,
		entries:    map[string]*ManagedEntry{},
		partitions: map[string]map[int]map[string]*ManagedEntry{},
		index:      map[string]coord{},
		hashIndex:  map[uint64]string{},
		policies:   map[string]ImagePolicy{},
	}
}

func entryKey(imageID string, class jpeg2000.BinClass, id uint32) string {
	return fmt.Sprintf("%s/%s", imageID, jpeg2000.BinKey(class, id))
}

// ContentHash is the stable 64-bit FNV-1a hash over (bin class, bytes) used
// for deduplication and persistence tagging.
func ContentHash(class jpeg2000.BinClass, data []byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte{byte(class)})
	h.Write(data)
	return h.Sum64()
}

// AddBin inserts bin into the (imageID, resolutionLevel) partition,
// evicting under the resolution-aware score until it fits.
func (m *Manager) AddBin(bin *jpeg2000.DataBin, imageID string, resolutionLevel int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryKey(imageID, bin.Class, bin.ID)
	size := len(bin.Data)

	var hash uint64
	if m.config.EnableDeduplication {
		hash = ContentHash(bin.Class, bin.Data)
		if prior, ok := m.hashIndex[hash]; ok && prior != key {
			m.dedupSavedBytes += uint64(size)
		}
	}

	if existing, ok := m.entries[key]; ok {
		m.removeLocked(key, existing)
	}

	m.makeRoomLocked(size)
	m.enforceImagePolicyLocked(imageID, size)

	entry := &ManagedEntry{
		Bin:             bin,
		ImageID:         imageID,
		ResolutionLevel: resolutionLevel,
		OriginalSize:    size,
		CurrentSize:     size,
		ContentHash:     hash,
		Pinned:          m.isPinnedLocked(imageID, resolutionLevel),
		Timestamp:       time.Now(),
	}

	m.entries[key] = entry
	m.index[key] = coord{imageID, resolutionLevel}
	byRes, ok := m.partitions[imageID]
	if !ok {
		byRes = map[int]map[string]*ManagedEntry{}
		m.partitions[imageID] = byRes
	}
	part, ok := byRes[resolutionLevel]
	if !ok {
		part = map[string]*ManagedEntry{}
		byRes[resolutionLevel] = part
	}
	part[key] = entry
	m.totalSize += size
	if entry.Pinned {
		m.pinnedEntryCount++
	}
	if m.config.EnableDeduplication {
		m.hashIndex[hash] = key
	}
}

// GetBin returns the cached bin, decompressing it if an inactivity pass
// compressed the payload. Nil on a miss.
func (m *Manager) GetBin(class jpeg2000.BinClass, id uint32, imageID string) *jpeg2000.DataBin {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[entryKey(imageID, class, id)]
	if !ok {
		m.misses++
		return nil
	}
	if entry.Compressed != nil {
		data, err := decompress(entry.Compressed)
		if err != nil {
			m.misses++
			return nil
		}
		m.totalSize += len(data) - entry.CurrentSize
		m.compressionSavedBytes -= uint64(entry.OriginalSize - entry.CurrentSize)
		entry.Compressed = nil
		entry.Bin.Data = data
		entry.CurrentSize = len(data)
	}
	m.hits++
	entry.AccessCount++
	entry.Timestamp = time.Now()
	return entry.Bin
}

// HasBin reports presence without mutating recency.
func (m *Manager) HasBin(class jpeg2000.BinClass, id uint32, imageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[entryKey(imageID, class, id)]
	return ok
}

// PrePopulate bulk-inserts bins into one partition.
func (m *Manager) PrePopulate(bins []*jpeg2000.DataBin, imageID string, resolutionLevel int) {
	for _, bin := range bins {
		m.AddBin(bin, imageID, resolutionLevel)
	}
}

// EvictImage drops the whole image and returns the entry count removed.
func (m *Manager) EvictImage(imageID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	byRes, ok := m.partitions[imageID]
	if !ok {
		return 0
	}
	dropped := 0
	for _, part := range byRes {
		for key, entry := range part {
			m.removeLocked(key, entry)
			dropped++
		}
	}
	return dropped
}

// EvictResolution drops the level across every image.
func (m *Manager) EvictResolution(resolutionLevel int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for _, byRes := range m.partitions {
		part, ok := byRes[resolutionLevel]
		if !ok {
			continue
		}
		for key, entry := range part {
			m.removeLocked(key, entry)
			dropped++
		}
	}
	return dropped
}

// EvictOlderThan drops non-pinned entries older than cutoff.
func (m *Manager) EvictOlderThan(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for key, entry := range m.entries {
		if !entry.Pinned && entry.Timestamp.Before(cutoff) {
			m.removeLocked(key, entry)
			dropped++
		}
	}
	return dropped
}

// Stats snapshots counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		EntryCount:            len(m.entries),
		TotalSize:             m.totalSize,
		PinnedEntryCount:      m.pinnedEntryCount,
		Hits:                  m.hits,
		Misses:                m.misses,
		Evictions:             m.evictions,
		DedupSavedBytes:       m.dedupSavedBytes,
		CompressionSavedBytes: m.compressionSavedBytes,
		PersistErrors:         m.persistErrors,
	}
}

// removeLocked unlinks an entry from every structure. The partition map and
// image map are removed when they empty out.
func (m *Manager) removeLocked(key string, entry *ManagedEntry) {
	delete(m.entries, key)
	delete(m.index, key)
	if entry.ContentHash != 0 {
		if owner, ok := m.hashIndex[entry.ContentHash]; ok && owner == key {
			delete(m.hashIndex, entry.ContentHash)
		}
	}
	if byRes, ok := m.partitions[entry.ImageID]; ok {
		if part, ok := byRes[entry.ResolutionLevel]; ok {
			delete(part, key)
			if len(part) == 0 {
				delete(byRes, entry.ResolutionLevel)
			}
		}
		if len(byRes) == 0 {
			delete(m.partitions, entry.ImageID)
		}
	}
	m.totalSize -= entry.CurrentSize
	if entry.Pinned {
		m.pinnedEntryCount--
	}
}

// score ranks an entry for eviction; the lowest score is the victim. Lower
// resolution levels weigh more (they reconstruct the most), recent and
// frequently used entries survive longer.
func (m *Manager) score(entry *ManagedEntry, now time.Time) float64 {
	weight, ok := m.config.ResolutionWeights[entry.ResolutionLevel]
	if !ok {
		weight = 1.0 / float64(entry.ResolutionLevel+1)
	}
	age := now.Sub(entry.Timestamp).Seconds()
	if age < 0 {
		age = 0
	}
	recency := 1.0 / (1.0 + age)
	frequency := float64(entry.AccessCount + 1)
	return weight * recency * frequency
}

func (m *Manager) makeRoomLocked(incoming int) {
	now := time.Now()
	for len(m.entries) > m.pinnedEntryCount &&
		(m.totalSize+incoming > m.config.MaxMemory || len(m.entries) >= m.config.MaxEntries) {
		if !m.evictLowestScoreLocked(now, "") {
			return
		}
	}
}

// enforceImagePolicyLocked evicts within one image until its policy's memory
// bound accommodates the incoming bytes.
func (m *Manager) enforceImagePolicyLocked(imageID string, incoming int) {
	policy, ok := m.policies[imageID]
	if !ok || policy.MaxMemory <= 0 {
		return
	}
	now := time.Now()
	for m.imageSizeLocked(imageID)+incoming > policy.MaxMemory {
		if !m.evictLowestScoreLocked(now, imageID) {
			return
		}
	}
}

// evictLowestScoreLocked removes the lowest-scoring non-pinned entry,
// optionally restricted to one image. Returns false when no candidate.
func (m *Manager) evictLowestScoreLocked(now time.Time, imageID string) bool {
	var victimKey string
	var victim *ManagedEntry
	best := 0.0
	for key, entry := range m.entries {
		if entry.Pinned {
			continue
		}
		if imageID != "" && entry.ImageID != imageID {
			continue
		}
		s := m.score(entry, now)
		if victim == nil || s < best {
			victimKey, victim, best = key, entry, s
		}
	}
	if victim == nil {
		return false
	}
	m.removeLocked(victimKey, victim)
	m.evictions++
	return true
}

func (m *Manager) imageSizeLocked(imageID string) int {
	size := 0
	for _, part := range m.partitions[imageID] {
		for _, entry := range part {
			size += entry.CurrentSize
		}
	}
	return size
}

func (m *Manager) isPinnedLocked(imageID string, resolutionLevel int) bool {
	policy, ok := m.policies[imageID]
	if !ok {
		return false
	}
	for _, r := range policy.PinnedResolutions {
		if r == resolutionLevel {
			return true
		}
	}
	return false
}
