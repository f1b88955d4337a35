package flare

import (
	"github.com/gogpu/flare/device"
	"github.com/gogpu/flare/geom"
)

// Frame is one pre-built pass/target graph, produced upstream once per
// transaction and consumed by exactly one drawFrame call. The engine never
// constructs frames; it only executes them.
type Frame struct {
	// Layer orders documents front to back; lower layers draw first.
	Layer int

	// Passes execute in order. Each pass may read the previous pass's
	// alpha and color outputs through fixed sampler slots.
	Passes []RenderPass

	// DeviceRect is the frame's output rectangle in device pixels.
	DeviceRect geom.IntRect

	// ContentOrigin offsets frame content within DeviceRect.
	ContentOrigin geom.IntPoint

	// Composite describes how the main framebuffer pass presents.
	Composite CompositeState

	// CacheFrameID is the GPU-cache epoch this frame was built against.
	CacheFrameID CacheFrameID

	// DeferredResolves are external images whose UV rects resolve at draw
	// time, during prepareGPUCache.
	DeferredResolves []DeferredResolve

	// HasTextureCacheTasks marks frames carrying texture-cache-affecting
	// content that must reach the GPU even if the frame never presents.
	HasTextureCacheTasks bool

	// HasBeenRendered flips on the first drawFrame; texture-cache and
	// picture-cache targets are not re-drawn after that.
	HasBeenRendered bool
}

// MustBeDrawn reports whether dropping the frame without drawing would lose
// texture-cache content that later frames depend on.
func (f *Frame) MustBeDrawn() bool {
	return f.HasTextureCacheTasks && !f.HasBeenRendered
}

// RenderPassKind discriminates the two pass variants.
type RenderPassKind uint8

const (
	// PassOffScreen renders into pooled, cached, or saved targets.
	PassOffScreen RenderPassKind = iota

	// PassMainFramebuffer composites into the window framebuffer.
	PassMainFramebuffer
)

// String returns the pass kind name.
func (k RenderPassKind) String() string {
	if k == PassMainFramebuffer {
		return "MainFramebuffer"
	}
	return "OffScreen"
}

// TextureCacheKey addresses one layer of a persistent cache texture that a
// pass renders into.
type TextureCacheKey struct {
	ID    CacheTextureID
	Layer int
}

// RenderPass is one stage of frame execution.
type RenderPass struct {
	Kind RenderPassKind

	// Off-screen targets. Alpha and Color draw every frame; TextureCache
	// and PictureCache draw only while the frame is unrendered.
	Alpha        RenderTargetList
	Color        RenderTargetList
	TextureCache map[TextureCacheKey]*RenderTarget
	PictureCache []*PictureCacheTarget
}

// RenderTargetList collects the same-format targets of one pass layer stack.
type RenderTargetList struct {
	// Format is the texel format shared by every target in the list.
	Format device.TextureFormat

	// MaxDynamicSize is the union of the targets' used rects; the backing
	// texture is allocated at this size rounded up to the pool grid.
	MaxDynamicSize geom.IntSize

	// Targets hold the accumulated work, one per array layer.
	Targets []*RenderTarget

	// SavedIndex extends the backing texture's life past this pass when
	// not SavedTargetNone.
	SavedIndex SavedTargetIndex
}

// IsEmpty reports whether the list needs no backing texture.
func (l *RenderTargetList) IsEmpty() bool {
	return len(l.Targets) == 0 || l.MaxDynamicSize.IsEmpty()
}

// RenderTarget is the accumulated work of one target layer.
type RenderTarget struct {
	// UsedRect bounds the texels this target actually writes.
	UsedRect geom.IntRect

	// ClearColor, when set, clears the target before drawing.
	ClearColor *geom.ColorF

	// NeedsDepth requests a depth channel for occlusion culling.
	NeedsDepth bool

	Batches         []DrawBatch
	Blits           []BlitJob
	VerticalBlurs   []BlurInstance
	HorizontalBlurs []BlurInstance
	Scalings        []ScalingInstance
}

// BatchKind selects the program a batch draws with.
type BatchKind uint8

const (
	// BatchComposite draws textured, blended quads.
	BatchComposite BatchKind = iota

	// BatchSolid draws untextured quads (solid colors, clears).
	BatchSolid
)

// DrawBatch is one instanced draw: packed per-instance records plus the
// textures its program samples. InstanceData layout is program-defined and
// opaque to the executor.
type DrawBatch struct {
	Kind          BatchKind
	Textures      [3]TextureSource
	InstanceData  []byte
	InstanceCount int
}

// BlitJob copies a source rectangle into the target.
type BlitJob struct {
	Source     TextureSource
	SourceRect geom.IntRect
	TargetRect geom.IntRect
}

// BlurInstance is one separable blur pass over a target region.
type BlurInstance struct {
	Region geom.IntRect
	Radius float32
}

// ScalingInstance samples a source rectangle into a differently sized
// destination rectangle.
type ScalingInstance struct {
	Source     TextureSource
	SourceRect geom.IntRect
	DestRect   geom.IntRect
}

// PictureCacheTarget renders one persistent picture-cache tile.
type PictureCacheTarget struct {
	// Texture is the cache entry the tile renders into.
	Texture TextureSource
	Layer   int

	ClearColor *geom.ColorF

	// DirtyRect bounds the content that changed since the tile last drew.
	DirtyRect geom.IntRect

	Batches []DrawBatch
}
