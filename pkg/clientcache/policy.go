package clientcache

import "time"

// ImagePolicy tunes caching for one image.
type ImagePolicy struct {
	MaxMemory         int
	MaxDisk           int
	PinnedResolutions []int
	CompressInactive  bool
	// InactivityThreshold overrides the manager default when positive.
	InactivityThreshold time.Duration
}

func (p ImagePolicy) pins(resolutionLevel int) bool {
	for _, r := range p.PinnedResolutions {
		if r == resolutionLevel {
			return true
		}
	}
	return false
}

// SetImagePolicy installs the policy and atomically reconciles the pinned
// flag of the image's existing entries with the pinned-entry counter.
func (m *Manager) SetImagePolicy(imageID string, policy ImagePolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.policies[imageID] = policy
	for _, part := range m.partitions[imageID] {
		for _, entry := range part {
			pinned := policy.pins(entry.ResolutionLevel)
			if pinned == entry.Pinned {
				continue
			}
			entry.Pinned = pinned
			if pinned {
				m.pinnedEntryCount++
			} else {
				m.pinnedEntryCount--
			}
		}
	}
}

// ImagePolicyFor returns the installed policy, if any.
func (m *Manager) ImagePolicyFor(imageID string) (ImagePolicy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[imageID]
	return p, ok
}
