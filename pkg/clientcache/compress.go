package clientcache

import (
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func decompress(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}

// CompressInactiveEntries replaces the payload of idle, non-pinned entries
// with a zstd-compressed copy when that shrinks them. Returns how many
// entries were compressed.
func (m *Manager) CompressInactiveEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	compressed := 0
	for _, entry := range m.entries {
		if entry.Pinned || entry.Compressed != nil {
			continue
		}
		threshold := m.config.InactivityThreshold
		if policy, ok := m.policies[entry.ImageID]; ok {
			if !policy.CompressInactive {
				continue
			}
			if policy.InactivityThreshold > 0 {
				threshold = policy.InactivityThreshold
			}
		}
		if now.Sub(entry.Timestamp) < threshold {
			continue
		}
		packed := compress(entry.Bin.Data)
		if len(packed) >= entry.CurrentSize {
			continue
		}
		delta := entry.CurrentSize - len(packed)
		entry.Compressed = packed
		entry.Bin.Data = nil
		entry.CurrentSize = len(packed)
		m.totalSize -= delta
		m.compressionSavedBytes += uint64(delta)
		compressed++
	}
	return compressed
}
