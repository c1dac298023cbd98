package delivery

import (
	"github.com/raster-lab/jpipstream/pkg/tile"
)

// ProgressionMode selects the order bins are emitted in.
type ProgressionMode int

const (
	ResolutionFirst ProgressionMode = iota
	QualityFirst
	Hybrid
	SliceForward
	SliceReverse
	SliceBidirectional
	ViewDependent
	DistanceOrdered
	Adaptive
)

func (m ProgressionMode) String() string {
	switch m {
	case ResolutionFirst:
		return "resolution-first"
	case QualityFirst:
		return "quality-first"
	case Hybrid:
		return "hybrid"
	case SliceForward:
		return "slice-forward"
	case SliceReverse:
		return "slice-reverse"
	case SliceBidirectional:
		return "slice-bidirectional"
	case ViewDependent:
		return "view-dependent"
	case DistanceOrdered:
		return "distance-ordered"
	case Adaptive:
		return "adaptive"
	}
	return "unknown"
}

// perLayerEstimate sizes one layer of one tile for budgeting. The scheduler
// only needs relative weight, not byte accuracy.
const perLayerEstimate = 4096

func refFor(t *tile.Tile, layers int) BinRef {
	return BinRef{
		Class:           jpegPrecinctClass,
		ID:              BinIDFor(t.ResolutionLevel, t.TY, t.TX),
		Component:       t.Component,
		ResolutionLevel: t.ResolutionLevel,
		TX:              t.TX,
		TY:              t.TY,
		Layers:          layers,
		EstimatedBytes:  int64(layers) * perLayerEstimate,
	}
}

// orderResolutionFirst walks levels coarse to target, delivering the
// minimum initial layers for the top tiles of each level.
func (p *Pipeline) orderResolutionFirst(targetResolution int) []BinRef {
	var refs []BinRef
	for r := 0; r <= targetResolution; r++ {
		tiles := p.tiles.TilesByPriority(r)
		count := 0
		for _, t := range tiles {
			if t.Priority == tile.PriorityBackground {
				continue
			}
			if count >= p.config.MaxConcurrentDeliveries {
				break
			}
			refs = append(refs, refFor(t, p.config.MinimumInitialLayers))
			count++
		}
	}
	return refs
}

// orderQualityFirst fixes the target resolution and raises layers stepwise
// until each tile reaches its per-tile target.
func (p *Pipeline) orderQualityFirst(targetResolution, targetLayers int) []BinRef {
	tiles := p.tiles.TilesByPriority(targetResolution)
	var refs []BinRef
	for layer := 1; layer <= targetLayers; layer++ {
		for _, t := range tiles {
			if t.Priority == tile.PriorityBackground {
				continue
			}
			if layer > t.TargetLayers {
				continue
			}
			ref := refFor(t, 1)
			ref.Layers = layer
			ref.EstimatedBytes = perLayerEstimate
			refs = append(refs, ref)
		}
	}
	return refs
}

// orderHybrid emits a coarse preview pass, then the target-resolution pass
// restricted to tiles of at least normal priority.
func (p *Pipeline) orderHybrid(targetResolution, targetLayers int) []BinRef {
	preview := targetResolution - 2
	if preview < 0 {
		preview = 0
	}
	var refs []BinRef
	for _, t := range p.tiles.TilesByPriority(preview) {
		if t.Priority == tile.PriorityBackground {
			continue
		}
		refs = append(refs, refFor(t, p.config.MinimumInitialLayers))
	}
	for _, t := range p.tiles.TilesByPriority(targetResolution) {
		if t.Priority < tile.PriorityNormal {
			continue
		}
		layers := t.TargetLayers
		if layers > targetLayers {
			layers = targetLayers
		}
		refs = append(refs, refFor(t, layers))
	}
	return refs
}

// orderAdaptive walks the (resolution, layer) product in ascending order.
func (p *Pipeline) orderAdaptive(targetResolution, targetLayers int) []BinRef {
	var refs []BinRef
	for r := 0; r <= targetResolution; r++ {
		for layer := 1; layer <= targetLayers; layer++ {
			for _, t := range p.tiles.TilesByPriority(r) {
				if t.Priority == tile.PriorityBackground {
					continue
				}
				if layer > t.TargetLayers {
					continue
				}
				ref := refFor(t, 1)
				ref.Layers = layer
				ref.EstimatedBytes = perLayerEstimate
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// orderSlices emits one step per Z slice of the region in the indicated
// order; bidirectional expands outward from the middle slice.
func orderSlices(region tile.StreamingRegion, mode ProgressionMode) []BinRef {
	if !region.IsValid() {
		return nil
	}
	lo, hi := region.Z.Lo, region.Z.Hi
	var order []int
	switch mode {
	case SliceReverse:
		for z := hi - 1; z >= lo; z-- {
			order = append(order, z)
		}
	case SliceBidirectional:
		mid := lo + (hi-lo)/2
		order = append(order, mid)
		for step := 1; ; step++ {
			added := false
			if mid+step < hi {
				order = append(order, mid+step)
				added = true
			}
			if mid-step >= lo {
				order = append(order, mid-step)
				added = true
			}
			if !added {
				break
			}
		}
	default:
		for z := lo; z < hi; z++ {
			order = append(order, z)
		}
	}

	refs := make([]BinRef, 0, len(order))
	for _, z := range order {
		refs = append(refs, BinRef{
			Class:           jpegTileClass,
			ID:              uint32(z),
			ResolutionLevel: region.TargetResolution,
			Layers:          region.TargetQuality,
			EstimatedBytes:  int64(max(1, region.TargetQuality)) * perLayerEstimate,
		})
	}
	return refs
}

// orderViewDependent emits a single highest-quality pass over slices whose
// box intersects the frustum; DistanceOrdered sorts by ascending distance.
func orderViewDependent(region tile.StreamingRegion, frustum *tile.Frustum, byDistance bool) []BinRef {
	if !region.IsValid() || frustum == nil {
		return nil
	}
	type candidate struct {
		z        int
		distance float64
	}
	var candidates []candidate
	for z := region.Z.Lo; z < region.Z.Hi; z++ {
		box := tile.AABB{
			Min: tile.Vec3{X: float64(region.X.Lo), Y: float64(region.Y.Lo), Z: float64(z)},
			Max: tile.Vec3{X: float64(region.X.Hi), Y: float64(region.Y.Hi), Z: float64(z + 1)},
		}
		if !frustum.IntersectsAABB(box) {
			continue
		}
		candidates = append(candidates, candidate{z: z, distance: frustum.DistanceTo(box)})
	}
	if byDistance {
		for i := 1; i < len(candidates); i++ {
			for j := i; j > 0 && candidates[j].distance < candidates[j-1].distance; j-- {
				candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
			}
		}
	}
	refs := make([]BinRef, 0, len(candidates))
	for _, c := range candidates {
		refs = append(refs, BinRef{
			Class:           jpegTileClass,
			ID:              uint32(c.z),
			ResolutionLevel: region.TargetResolution,
			Layers:          max(1, region.TargetQuality),
			EstimatedBytes:  int64(max(1, region.TargetQuality)) * perLayerEstimate,
		})
	}
	return refs
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
