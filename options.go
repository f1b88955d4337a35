package flare

// GCParams are the render-target pool collection thresholds.
//
// The pool is left alone while it stays under SoftBytes. Over SoftBytes,
// targets unused for FrameThreshold frames are dropped; over HardBytes,
// oldest targets are dropped regardless of age. The defaults are heuristic
// and platform-dependent — tune them per deployment rather than trusting
// them.
type GCParams struct {
	SoftBytes      int64
	HardBytes      int64
	FrameThreshold int
}

// RendererOption configures a Renderer during creation.
type RendererOption func(*rendererOptions)

// rendererOptions holds optional configuration for Renderer creation.
type rendererOptions struct {
	gc              GCParams
	targetRounding  int
	enableScatter   bool
	stress          bool
	maxProfiles     int
	pictureCaching  bool
	channelCapacity int
	shaderCache     *ShaderCache
	overlay         OverlayRenderer
	compositor      NativeCompositor
	externalImages  ExternalImageHandler
}

// defaultOptions returns the default renderer options.
func defaultOptions() rendererOptions {
	return rendererOptions{
		gc: GCParams{
			SoftBytes:      32 * 1024 * 1024,
			HardBytes:      320 * 1024 * 1024,
			FrameThreshold: 60,
		},
		targetRounding:  256,
		enableScatter:   true,
		maxProfiles:     8,
		pictureCaching:  true,
		channelCapacity: 64,
	}
}

// WithGCParams sets the render-target pool collection thresholds.
func WithGCParams(p GCParams) RendererOption {
	return func(o *rendererOptions) {
		o.gc = p
	}
}

// WithTargetRounding sets the grid (in pixels) that off-screen target
// dimensions are rounded up to. Rounding reduces pool churn under window
// resizing; 1 disables it.
func WithTargetRounding(px int) RendererOption {
	return func(o *rendererOptions) {
		if px < 1 {
			px = 1
		}
		o.targetRounding = px
	}
}

// WithScatterBus enables or disables the GPU-scatter cache bus. Even when
// enabled the bus is only used if the device reports scatter support; the
// engine falls back to the CPU-mirrored pixel-buffer bus otherwise.
func WithScatterBus(enable bool) RendererOption {
	return func(o *rendererOptions) {
		o.enableScatter = enable
	}
}

// WithStressTest enables the GPU-cache growth stress mode: one harmless
// extra cache update is injected per frame purely to exercise the resize
// path.
func WithStressTest(enable bool) RendererOption {
	return func(o *rendererOptions) {
		o.stress = enable
	}
}

// WithMaxRecordedProfiles sets the capacity of the frame-profile ring.
func WithMaxRecordedProfiles(n int) RendererOption {
	return func(o *rendererOptions) {
		if n < 1 {
			n = 1
		}
		o.maxProfiles = n
	}
}

// WithPictureCaching toggles picture-cache compositing. When disabled the
// main framebuffer pass draws the whole scene directly every frame.
func WithPictureCaching(enable bool) RendererOption {
	return func(o *rendererOptions) {
		o.pictureCaching = enable
	}
}

// WithChannelCapacity sets the producer message channel depth.
func WithChannelCapacity(n int) RendererOption {
	return func(o *rendererOptions) {
		if n < 1 {
			n = 1
		}
		o.channelCapacity = n
	}
}

// WithSharedShaderCache makes the renderer use an existing shader cache.
// Multiple renderers on the same device may share one cache; the last
// holder to close it performs the device-side cleanup.
func WithSharedShaderCache(c *ShaderCache) RendererOption {
	return func(o *rendererOptions) {
		o.shaderCache = c
	}
}

// WithOverlay installs a debug-overlay renderer, invoked after every
// on-screen frame. Overlay failures are logged, never propagated.
func WithOverlay(ov OverlayRenderer) RendererOption {
	return func(o *rendererOptions) {
		o.overlay = ov
	}
}

// WithNativeCompositor installs the OS compositor used when a frame's
// composite state selects CompositorNative.
func WithNativeCompositor(nc NativeCompositor) RendererOption {
	return func(o *rendererOptions) {
		o.compositor = nc
	}
}

// WithExternalImageHandler installs the handler used to lock and unlock
// external images during deferred resolves.
func WithExternalImageHandler(h ExternalImageHandler) RendererOption {
	return func(o *rendererOptions) {
		o.externalImages = h
	}
}
