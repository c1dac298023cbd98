package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/raster-lab/jpipstream/pkg/bandwidth"
	"github.com/raster-lab/jpipstream/pkg/jpeg2000"
	"github.com/raster-lab/jpipstream/pkg/quality"
	"github.com/raster-lab/jpipstream/pkg/tile"
)

const (
	jpegPrecinctClass = jpeg2000.BinClassPrecinct
	jpegTileClass     = jpeg2000.BinClassTile
)

// interactiveTileCount is how many delivered tiles mark the view usable.
const interactiveTileCount = 10

// PipelineConfig tunes the progressive pipeline.
type PipelineConfig struct {
	Mode ProgressionMode
	// MinimumInitialLayers is delivered per tile on preview passes.
	MinimumInitialLayers int
	// MaxConcurrentDeliveries bounds tiles per level on resolution passes.
	MaxConcurrentDeliveries int
	// BatchInterval paces delivery rounds.
	BatchInterval time.Duration
}

// DefaultPipelineConfig suits interactive panning.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Mode:                    Hybrid,
		MinimumInitialLayers:    1,
		MaxConcurrentDeliveries: 8,
		BatchInterval:           20 * time.Millisecond,
	}
}

// PipelineStats snapshots pipeline progress.
type PipelineStats struct {
	TilesDelivered uint64
	BytesPlanned   uint64
	FirstByteAt    time.Duration
	InteractiveAt  time.Duration
	Scheduler      SchedulerStats
}

// Pipeline composes the tile manager, bandwidth estimator, and quality
// engine into an ordered, budgeted stream of bin deliveries.
type Pipeline struct {
	mu     sync.Mutex
	config PipelineConfig

	tiles     *tile.Manager
	estimator *bandwidth.Estimator
	engine    *quality.Engine
	scheduler *Scheduler

	started        time.Time
	tilesDelivered uint64
	bytesPlanned   uint64
	firstByteAt    time.Duration
	firstByteSet   bool
	interactiveAt  time.Duration
	interactiveSet bool

	// 3D state, used by the slice and view-dependent modes.
	region3D *tile.StreamingRegion
	frustum  *tile.Frustum
}

// NewPipeline wires the pipeline.
func NewPipeline(config PipelineConfig, tiles *tile.Manager, estimator *bandwidth.Estimator, engine *quality.Engine) *Pipeline {
	if config.MinimumInitialLayers <= 0 {
		config.MinimumInitialLayers = 1
	}
	if config.MaxConcurrentDeliveries <= 0 {
		config.MaxConcurrentDeliveries = DefaultPipelineConfig().MaxConcurrentDeliveries
	}
	if config.BatchInterval <= 0 {
		config.BatchInterval = DefaultPipelineConfig().BatchInterval
	}
	return &Pipeline{
		config:    config,
		tiles:     tiles,
		estimator: estimator,
		engine:    engine,
		scheduler: NewScheduler(),
		started:   time.Now(),
	}
}

// SetMode switches the progression mode for subsequent plans.
func (p *Pipeline) SetMode(mode ProgressionMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.Mode = mode
}

// SetRegion3D installs the 3D region and optional frustum used by the
// slice-order and view-dependent modes.
func (p *Pipeline) SetRegion3D(region tile.StreamingRegion, frustum *tile.Frustum) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.region3D = &region
	p.frustum = frustum
}

// UpdateViewport reprioritizes tiles and appends a freshly ordered plan for
// the adapted (resolution, layers) target to the scheduler; refs still
// pending from an earlier update stay queued ahead of it.
func (p *Pipeline) UpdateViewport(vp tile.Viewport) error {
	if err := p.tiles.UpdateViewport(vp); err != nil {
		return err
	}

	est := p.estimator.Current()
	decision := p.engine.Decide(est.BandwidthBps, est.AvgRTTMillis, est.CongestionDetected)

	p.mu.Lock()
	mode := p.config.Mode
	region := p.region3D
	frustum := p.frustum
	p.mu.Unlock()

	var refs []BinRef
	switch mode {
	case ResolutionFirst:
		refs = p.orderResolutionFirst(decision.TargetResolutionLevel)
	case QualityFirst:
		refs = p.orderQualityFirst(decision.TargetResolutionLevel, decision.TargetQualityLayers)
	case Hybrid:
		refs = p.orderHybrid(decision.TargetResolutionLevel, decision.TargetQualityLayers)
	case SliceForward, SliceReverse, SliceBidirectional:
		if region != nil {
			refs = orderSlices(*region, mode)
		}
	case ViewDependent:
		if region != nil {
			refs = orderViewDependent(*region, frustum, false)
		}
	case DistanceOrdered:
		if region != nil {
			refs = orderViewDependent(*region, frustum, true)
		}
	default:
		refs = p.orderAdaptive(decision.TargetResolutionLevel, decision.TargetQualityLayers)
	}

	if p.scheduler.Cancelled() {
		return ErrCancelled
	}
	p.scheduler.Enqueue(refs...)
	return nil
}

// StartDelivery drains the scheduler under the predicted bandwidth, passing
// each batch to emit. It returns after the pending plan is exhausted, the
// context ends, or the pipeline is cancelled; cancellation returns after
// the in-flight step.
func (p *Pipeline) StartDelivery(ctx context.Context, tracker SentTracker, emit func([]BinRef) error) error {
	ticker := time.NewTicker(p.config.BatchInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		est := p.estimator.Current()
		rounds := int64(time.Second / p.config.BatchInterval)
		if rounds < 1 {
			rounds = 1
		}
		budget := est.PredictedBps / rounds

		batch, err := p.scheduler.ReleaseBatch(budget, tracker)
		if err != nil {
			return err
		}
		if len(batch) > 0 {
			p.recordBatch(batch)
			if emit != nil {
				if err := emit(batch); err != nil {
					return err
				}
			}
		}
		if p.scheduler.PendingCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel drops all pending work; further emission is suppressed until
// Reset. Idempotent.
func (p *Pipeline) Cancel() {
	p.scheduler.Cancel()
}

// Reset re-arms the pipeline after a cancellation.
func (p *Pipeline) Reset() {
	p.scheduler.Reset()
}

func (p *Pipeline) recordBatch(batch []BinRef) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.firstByteSet {
		p.firstByteAt = time.Since(p.started)
		p.firstByteSet = true
		p.engine.QoE().MarkFirstByte(p.firstByteAt)
	}
	for _, ref := range batch {
		p.tilesDelivered++
		p.bytesPlanned += uint64(ref.EstimatedBytes)
	}
	if !p.interactiveSet && p.tilesDelivered >= interactiveTileCount {
		p.interactiveAt = time.Since(p.started)
		p.interactiveSet = true
		p.engine.QoE().MarkInteractive(p.interactiveAt)
	}
}

// Stats snapshots progress.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PipelineStats{
		TilesDelivered: p.tilesDelivered,
		BytesPlanned:   p.bytesPlanned,
		FirstByteAt:    p.firstByteAt,
		InteractiveAt:  p.interactiveAt,
		Scheduler:      p.scheduler.Stats(),
	}
}
