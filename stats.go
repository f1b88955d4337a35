package flare

import (
	"fmt"
	"time"

	"github.com/gogpu/flare/geom"
)

// RendererStats are the per-frame counters of one Render call.
type RendererStats struct {
	TotalDrawCalls      int
	AlphaTargetCount    int
	ColorTargetCount    int
	TextureUploadBytes  int64
	GPUCacheRowsFlushed int
	GPUCacheBlocksSent  int
	FrameTime           time.Duration
}

// String returns a compact single-line summary for overlays and logs.
func (s RendererStats) String() string {
	return fmt.Sprintf("draws=%d alpha=%d color=%d cacheRows=%d frame=%s",
		s.TotalDrawCalls, s.AlphaTargetCount, s.ColorTargetCount,
		s.GPUCacheRowsFlushed, s.FrameTime)
}

// RecordedDirtyRegion is the dirty region one document produced this frame.
type RecordedDirtyRegion struct {
	Document DocumentID
	Rects    []geom.IntRect
}

// RenderResults is the outbound result of one Render call.
type RenderResults struct {
	Stats RendererStats

	// RecordedDirtyRegions are per-document dirty regions, for capture
	// and diagnostics consumers.
	RecordedDirtyRegions []RecordedDirtyRegion

	// DirtyRects are the screen rectangles the embedder must present.
	// Never empty after an on-screen frame: partial present requires at
	// least one rect.
	DirtyRects []geom.IntRect
}

// PipelineInfo accumulates pipeline epochs and removals between
// FlushPipelineInfo calls.
type PipelineInfo struct {
	Epochs           map[PipelineID]Epoch
	RemovedPipelines []PipelineID
}

// merge folds other into p.
func (p *PipelineInfo) merge(other PipelineInfo) {
	if len(other.Epochs) > 0 && p.Epochs == nil {
		p.Epochs = make(map[PipelineID]Epoch, len(other.Epochs))
	}
	for id, epoch := range other.Epochs {
		p.Epochs[id] = epoch
	}
	p.RemovedPipelines = append(p.RemovedPipelines, other.RemovedPipelines...)
}

// MemoryReport is a byte-accurate snapshot of engine GPU memory, split by
// owner.
type MemoryReport struct {
	GPUCacheTextureBytes     int64
	TextureCacheTextureBytes int64
	RenderTargetPoolBytes    int64
	SavedTargetBytes         int64
}

// Total returns the sum of all categories.
func (r MemoryReport) Total() int64 {
	return r.GPUCacheTextureBytes + r.TextureCacheTextureBytes +
		r.RenderTargetPoolBytes + r.SavedTargetBytes
}
