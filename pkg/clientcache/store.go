package clientcache

import (
	"context"
	"strconv"
	"time"

	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
)

// StoredMetadata rides alongside a persisted payload so warm-up can rebuild
// the partition placement without re-parsing the bytes.
type StoredMetadata struct {
	ImageID         string `json:"image_id"`
	ResolutionLevel int    `json:"resolution_level"`
	BinClass        uint8  `json:"bin_class"`
	BinID           uint32 `json:"bin_id"`
	Complete        bool   `json:"complete"`
	ContentHash     uint64 `json:"content_hash,string"`
	SavedAt         int64  `json:"saved_at"`
}

// Store is the asynchronous key-value persistent tier. Implementations must
// make Save atomic: a concurrent Load never observes a partial write.
type Store interface {
	Save(ctx context.Context, key string, data []byte, meta StoredMetadata) error
	Load(ctx context.Context, key string) ([]byte, StoredMetadata, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// SaveToPersistent writes every resident entry to the store. Per-entry
// failures are counted and skipped; the first error is returned after the
// sweep so the caller can report it.
func (m *Manager) SaveToPersistent(ctx context.Context) error {
	if m.config.Store == nil {
		return nil
	}

	type pending struct {
		key  string
		data []byte
		meta StoredMetadata
	}
	m.mu.Lock()
	batch := make([]pending, 0, len(m.entries))
	for key, entry := range m.entries {
		data := entry.Bin.Data
		if entry.Compressed != nil {
			raw, err := decompress(entry.Compressed)
			if err != nil {
				m.persistErrors++
				continue
			}
			data = raw
		}
		batch = append(batch, pending{
			key:  key,
			data: data,
			meta: StoredMetadata{
				ImageID:         entry.ImageID,
				ResolutionLevel: entry.ResolutionLevel,
				BinClass:        uint8(entry.Bin.Class),
				BinID:           entry.Bin.ID,
				Complete:        entry.Bin.Complete,
				ContentHash:     entry.ContentHash,
				SavedAt:         time.Now().Unix(),
			},
		})
	}
	m.mu.Unlock()

	var firstErr error
	for _, p := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.config.Store.Save(ctx, p.key, p.data, p.meta); err != nil {
			m.mu.Lock()
			m.persistErrors++
			m.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// WarmUpFromPersistent loads entries until the memory budget is reached.
// Per-entry load failures are tolerated with a counter increment. Returns
// how many entries were restored.
func (m *Manager) WarmUpFromPersistent(ctx context.Context) (int, error) {
	if m.config.Store == nil {
		return 0, nil
	}
	keys, err := m.config.Store.Keys(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return restored, ctx.Err()
		}
		m.mu.Lock()
		full := m.totalSize >= m.config.MaxMemory || len(m.entries) >= m.config.MaxEntries
		m.mu.Unlock()
		if full {
			break
		}

		data, meta, err := m.config.Store.Load(ctx, key)
		if err != nil {
			m.mu.Lock()
			m.persistErrors++
			m.mu.Unlock()
			continue
		}
		bin := &jpeg2000.DataBin{
			Class:        jpeg2000.BinClass(meta.BinClass),
			ID:           meta.BinID,
			Data:         data,
			Complete:     meta.Complete,
			QualityLayer: -1,
			TileIndex:    -1,
		}
		m.AddBin(bin, meta.ImageID, meta.ResolutionLevel)
		restored++
	}
	return restored, nil
}

// FormatHash renders a content hash as unpadded lowercase hexadecimal.
func FormatHash(hash uint64) string {
	return strconv.FormatUint(hash, 16)
}
