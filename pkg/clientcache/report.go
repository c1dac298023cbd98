package clientcache

import (
	"fmt"
	"sort"
	"strings"
)

// ImageUsage aggregates one image's footprint.
type ImageUsage struct {
	ImageID          string
	MemoryBytes      int
	EntryCount       int
	ResolutionLevels int
}

// ResolutionUsage aggregates one resolution level across images.
type ResolutionUsage struct {
	ResolutionLevel int
	MemoryBytes     int
	EntryCount      int
	ImageCount      int
}

// UsageReport aggregates cache usage per image and per resolution level.
type UsageReport struct {
	Images      []ImageUsage
	Resolutions []ResolutionUsage
	Stats       Stats
}

// GenerateUsageReport aggregates memory and entry counts per image and per
// resolution level, plus the global counters.
func (m *Manager) GenerateUsageReport() UsageReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report UsageReport
	byResolution := map[int]*ResolutionUsage{}

	imageIDs := make([]string, 0, len(m.partitions))
	for imageID := range m.partitions {
		imageIDs = append(imageIDs, imageID)
	}
	sort.Strings(imageIDs)

	for _, imageID := range imageIDs {
		byRes := m.partitions[imageID]
		usage := ImageUsage{ImageID: imageID, ResolutionLevels: len(byRes)}
		for level, part := range byRes {
			ru, ok := byResolution[level]
			if !ok {
				ru = &ResolutionUsage{ResolutionLevel: level}
				byResolution[level] = ru
			}
			ru.ImageCount++
			for _, entry := range part {
				usage.MemoryBytes += entry.CurrentSize
				usage.EntryCount++
				ru.MemoryBytes += entry.CurrentSize
				ru.EntryCount++
			}
		}
		report.Images = append(report.Images, usage)
	}

	levels := make([]int, 0, len(byResolution))
	for level := range byResolution {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	for _, level := range levels {
		report.Resolutions = append(report.Resolutions, *byResolution[level])
	}

	report.Stats = Stats{
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
	return report
}

// String renders the report for the CLI's --cache-report flag.
func (r UsageReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cache: %d entries, %d bytes (%d pinned)\n",
		r.Stats.EntryCount, r.Stats.TotalSize, r.Stats.PinnedEntryCount)
	fmt.Fprintf(&b, "hits=%d misses=%d evictions=%d dedup-saved=%d compression-saved=%d\n",
		r.Stats.Hits, r.Stats.Misses, r.Stats.Evictions, r.Stats.DedupSavedBytes, r.Stats.CompressionSavedBytes)
	for _, img := range r.Images {
		fmt.Fprintf(&b, "image %s: %d bytes in %d entries across %d levels\n",
			img.ImageID, img.MemoryBytes, img.EntryCount, img.ResolutionLevels)
	}
	for _, res := range r.Resolutions {
		fmt.Fprintf(&b, "level %d: %d bytes in %d entries across %d images\n",
			res.ResolutionLevel, res.MemoryBytes, res.EntryCount, res.ImageCount)
	}
	return b.String()
}
