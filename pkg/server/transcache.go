package server

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

// transcodeKey identifies one transcode result: a 64-bit FNV-1a content
// hash of the source bytes plus the direction.
type transcodeKey struct {
	contentHash uint64
	direction   jpeg2000.TranscodeDirection
}

type transcodeEntry struct {
	data      []byte
	timestamp time.Time
}

// transcodeCache memoizes on-the-fly transcodes with LRU-by-timestamp
// eviction. Hash collisions are accepted as statistically negligible; the
// direction is part of the key so a collision can only alias same-direction
// conversions.
type transcodeCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[transcodeKey]*transcodeEntry
	hits       uint64
	misses     uint64
}

func newTranscodeCache(maxEntries int) *transcodeCache {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	return &transcodeCache{
		maxEntries: maxEntries,
		entries:    map[transcodeKey]*transcodeEntry{},
	}
}

func contentHash(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

func (c *transcodeCache) get(source []byte, direction jpeg2000.TranscodeDirection) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := transcodeKey{contentHash: contentHash(source), direction: direction}
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	entry.timestamp = time.Now()
	return entry.data, true
}

func (c *transcodeCache) put(source []byte, direction jpeg2000.TranscodeDirection, result []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.entries) >= c.maxEntries {
		var victimKey transcodeKey
		var victim *transcodeEntry
		for key, entry := range c.entries {
			if victim == nil || entry.timestamp.Before(victim.timestamp) {
				victimKey, victim = key, entry
			}
		}
		delete(c.entries, victimKey)
	}
	c.entries[transcodeKey{contentHash: contentHash(source), direction: direction}] = &transcodeEntry{
		data:      result,
		timestamp: time.Now(),
	}
}
