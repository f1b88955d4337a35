package flare

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gogpu/flare/device"
	"github.com/gogpu/flare/geom"
)

// initialized is the process-wide "has a renderer ever been constructed"
// flag. Explicit state with an accessor, so tests can reset it, rather than
// ambient globals scattered through the package.
var initialized atomic.Bool

// HasBeenInitialized reports whether any Renderer was ever constructed in
// this process.
func HasBeenInitialized() bool { return initialized.Load() }

func markInitialized() { initialized.Store(true) }

// resetInitialized is test support.
func resetInitialized() { initialized.Store(false) }

// slowFrameThreshold flags frames that exceed one 60Hz vsync interval.
const slowFrameThreshold = 16 * time.Millisecond

// OverlayRenderer draws debug and profiler overlays after every on-screen
// frame. The engine brackets the call; overlay errors are logged, never
// propagated, and never fail the frame.
type OverlayRenderer interface {
	Render(dev device.Device, size geom.IntSize, stats RendererStats) error
}

// document is one active document on the render thread.
type document struct {
	id      DocumentID
	frame   *Frame
	profile ProfileCounters

	// pendingResourceUpdates apply inside the next render's device
	// bracket, strictly before the frame draws.
	pendingResourceUpdates []ResourceUpdate
}

// Renderer is the top-level frame-execution orchestrator. It owns the
// Device, the GPU cache, and the TextureResolver, consumes the producer
// message channel, and executes published frames.
//
// Renderer is confined to one goroutine (the render thread): the underlying
// graphics context is thread-affine, so single-goroutine ownership replaces
// locking on all GPU state. Producers talk to it only through Channel.
type Renderer struct {
	dev  device.Device
	rx   chan Msg
	opts rendererOptions

	resolver *TextureResolver
	gpuCache *GpuCacheTexture
	shaders  *ShaderCache

	compositeProgram *device.Program
	blitProgram      *device.Program
	blurProgram      *device.Program
	scaleProgram     *device.Program

	activeDocuments []*document

	pendingGPUCacheUpdates []GpuCacheUpdateList
	pendingGPUCacheClear   bool
	debugChunks            []GpuDebugChunk
	gpuCacheFrameID        CacheFrameID
	gpuCacheOverflow       bool

	notifications []NotificationRequest
	pipelineInfo  PipelineInfo

	// rendererErrors accumulate during a frame and drain through Render.
	rendererErrors []error

	profiles  *profileRing
	gpuTimers []device.GPUTimer

	stats          RendererStats
	frameID        device.FrameID
	lastRenderTime time.Time
	slowFrames     int

	compositorKind CompositorKind
	forceRedraw    bool
	stress         bool
	stressHeight   int

	closed bool
}

// NewRenderer creates a renderer on dev. Program compilation failure is the
// one fatal path: it fails construction instead of accumulating.
func NewRenderer(dev device.Device, options ...RendererOption) (*Renderer, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	caps := dev.Capabilities()
	if caps.MaxTextureSize < MaxVertexTextureWidth {
		return nil, fmt.Errorf("%w: device maximum %d is below the required %d",
			ErrMaxTextureSize, caps.MaxTextureSize, MaxVertexTextureWidth)
	}

	shaders := opts.shaderCache
	if shaders == nil {
		shaders = NewSharedShaderCache()
	} else {
		shaders.Retain()
	}

	r := &Renderer{
		dev:      dev,
		rx:       make(chan Msg, opts.channelCapacity),
		opts:     opts,
		shaders:  shaders,
		profiles: newProfileRing(opts.maxProfiles),
		stress:   opts.stress,
	}

	var err error
	if r.compositeProgram, err = shaders.Get(dev, ProgramComposite); err == nil {
		if r.blitProgram, err = shaders.Get(dev, ProgramBlit); err == nil {
			if r.blurProgram, err = shaders.Get(dev, ProgramBlur); err == nil {
				r.scaleProgram, err = shaders.Get(dev, ProgramScale)
			}
		}
	}
	if err == nil {
		r.gpuCache, err = newGpuCacheTexture(dev, shaders, opts.enableScatter)
	}
	if err != nil {
		shaders.Release(dev)
		return nil, err
	}

	if r.resolver, err = newTextureResolver(dev); err != nil {
		shaders.Release(dev)
		return nil, err
	}

	markInitialized()
	Logger().Info("flare: renderer created",
		"vendor", caps.VendorName,
		"device", caps.DeviceName,
		"maxTextureSize", caps.MaxTextureSize,
		"scatter", r.gpuCache.usesScatter())
	return r, nil
}

// Channel returns the producer message channel. Senders must tolerate a
// full channel (the render thread drains it only at Update).
func (r *Renderer) Channel() chan<- Msg { return r.rx }

// Update drains the producer channel without blocking and applies every
// pending message. Called from the render thread before Render.
func (r *Renderer) Update() {
	if r.closed {
		return
	}
	for {
		select {
		case msg := <-r.rx:
			r.handleMsg(msg)
		default:
			return
		}
	}
}

func (r *Renderer) handleMsg(msg Msg) {
	switch m := msg.(type) {
	case MsgPublishDocument:
		r.publishDocument(m)

	case MsgUpdateGPUCache:
		for i := range m.Lists {
			if m.Lists[i].Clear {
				r.pendingGPUCacheClear = true
			}
			r.debugChunks = append(r.debugChunks, m.Lists[i].DebugChunks...)
		}
		r.pendingGPUCacheUpdates = append(r.pendingGPUCacheUpdates, m.Lists...)

	case MsgUpdateResources:
		// Under memory pressure a free could invalidate textures an
		// undrawn frame still needs; force its off-screen render first.
		if m.MemoryPressure && r.anyMustBeDrawn() {
			r.renderOffscreen()
		}
		r.dev.BeginFrame()
		r.applyResourceUpdates(m.Updates)
		r.dev.EndFrame()
		if m.MemoryPressure {
			// Abandon this frame's screen output to guarantee cache
			// correctness.
			r.activeDocuments = r.activeDocuments[:0]
			Logger().Warn("flare: memory pressure, dropped active documents")
		}

	case MsgPublishPipelineInfo:
		r.pipelineInfo.merge(m.Info)

	case MsgAppendNotificationRequests:
		for _, req := range m.Requests {
			// Scene and frame builds completed before the producer could
			// publish; those checkpoints are already satisfied.
			if req.When == CheckpointSceneBuilt || req.When == CheckpointFrameBuilt {
				req.notify(req.When)
				continue
			}
			r.notifications = append(r.notifications, req)
		}

	case MsgForceRedraw:
		r.forceRedraw = true

	case MsgRefreshShader:
		if err := r.shaders.Refresh(r.dev, m.Name); err != nil {
			r.rendererErrors = append(r.rendererErrors, err)
			return
		}
		r.rebindProgram(m.Name)

	case MsgDebugCommand:
		r.handleDebugCommand(m.Command)

	case MsgDebugOutput:
		Logger().Debug("flare: debug output", "text", m.Text)
	}
}

func (r *Renderer) publishDocument(m MsgPublishDocument) {
	for _, doc := range r.activeDocuments {
		if doc.id != m.DocumentID {
			continue
		}
		// Replacing a frame with undrawn texture-cache content: render it
		// off-screen first, or the incoming resource updates could free
		// textures the old frame still needs.
		if doc.frame.MustBeDrawn() {
			r.renderOffscreen()
		}
		doc.frame = m.Frame
		doc.profile = m.Profile
		doc.pendingResourceUpdates = append(doc.pendingResourceUpdates, m.ResourceUpdates...)
		return
	}
	r.activeDocuments = append(r.activeDocuments, &document{
		id:                     m.DocumentID,
		frame:                  m.Frame,
		profile:                m.Profile,
		pendingResourceUpdates: m.ResourceUpdates,
	})
}

func (r *Renderer) handleDebugCommand(cmd DebugCommand) {
	switch cmd {
	case DebugInvalidateGPUCache:
		r.gpuCache.invalidate()
	case DebugEnableStress:
		r.stress = true
	case DebugDisableStress:
		r.stress = false
	default:
		Logger().Debug("flare: ignoring debug command", "command", cmd)
	}
}

// rebindProgram refreshes the renderer's pointer to a recompiled program.
// The scatter bus keeps its own pointer; a cache swap picks up the new one.
func (r *Renderer) rebindProgram(name string) {
	p, err := r.shaders.Get(r.dev, name)
	if err != nil {
		r.rendererErrors = append(r.rendererErrors, err)
		return
	}
	switch name {
	case ProgramComposite:
		r.compositeProgram = p
	case ProgramBlit:
		r.blitProgram = p
	case ProgramBlur:
		r.blurProgram = p
	case ProgramScale:
		r.scaleProgram = p
	case ProgramCacheScatter:
		if bus, ok := r.gpuCache.bus.(*scatterBus); ok {
			bus.program = p
		}
	}
}

func (r *Renderer) anyMustBeDrawn() bool {
	for _, doc := range r.activeDocuments {
		if doc.frame.MustBeDrawn() {
			return true
		}
	}
	return false
}

// Render executes the active documents against the given window size, fires
// frame-rendered notifications, and returns the frame's results plus every
// error accumulated since the last call. Errors are one-shot; the renderer
// keeps running.
func (r *Renderer) Render(deviceSize geom.IntSize) (RenderResults, []error) {
	if r.closed {
		return RenderResults{}, []error{ErrRendererClosed}
	}
	results := r.renderImpl(deviceSize, true)

	// Deliver frame-rendered notifications, then drop the rest: requests
	// are one-shot and never retried.
	for i := range r.notifications {
		req := &r.notifications[i]
		if req.When == CheckpointFrameRendered {
			req.notify(CheckpointFrameRendered)
		} else {
			req.notify(CheckpointTransactionDropped)
		}
	}
	r.notifications = r.notifications[:0]

	errs := r.rendererErrors
	r.rendererErrors = nil
	return results, errs
}

// renderOffscreen runs the frame algorithm without a target size: cache and
// texture-cache work reaches the GPU, nothing reaches the screen. Used for
// forced must-draw renders; errors accumulate as usual.
func (r *Renderer) renderOffscreen() {
	r.renderImpl(geom.IntSize{}, false)
}

// renderImpl is the per-frame algorithm. See the package documentation for
// the ordering constraints it maintains.
func (r *Renderer) renderImpl(deviceSize geom.IntSize, onScreen bool) RenderResults {
	start := time.Now()
	r.stats = RendererStats{}
	var results RenderResults

	if len(r.activeDocuments) == 0 {
		r.lastRenderTime = start
		return results
	}

	// Compositor reconfiguration happens before any GPU work: the debug
	// overlay surface belongs to the outgoing compositor.
	if kind := r.activeDocuments[0].frame.Composite.Kind; kind != r.compositorKind {
		Logger().Info("flare: compositor reconfigured",
			"from", r.compositorKind, "to", kind)
		r.compositorKind = kind
	}

	r.resolver.BeginFrame()
	r.gpuTimers = r.dev.CollectTimers()

	r.frameID = r.dev.BeginFrame()

	// Texture-cache and native-surface mutations must land after any
	// forced must-draw render (already done in Update) and before any
	// document draws.
	r.flushPendingTextureUpdates()
	r.flushNativeSurfaceOps()

	sort.SliceStable(r.activeDocuments, func(i, j int) bool {
		return r.activeDocuments[i].frame.Layer < r.activeDocuments[j].frame.Layer
	})

	for i, doc := range r.activeDocuments {
		if doc.frame.Composite.Kind != r.compositorKind {
			panic("flare: document compositor kind diverges from active compositor")
		}
		r.prepareGPUCache(doc)
		r.drawFrame(doc.frame, deviceSize, onScreen, &results, i == 0)

		if len(doc.frame.Composite.DirtyRects) > 0 {
			results.RecordedDirtyRegions = append(results.RecordedDirtyRegions, RecordedDirtyRegion{
				Document: doc.id,
				Rects:    doc.frame.Composite.DirtyRects,
			})
		}
		// The last document's pass outputs stay bound so overlays drawn
		// below can still sample them; EndFrame retires them.
		if i != len(r.activeDocuments)-1 {
			r.resolver.EndPass(r.dev, nil, nil)
		}
	}

	if onScreen {
		r.forceRedraw = false
	}

	for _, ref := range r.resolver.UnlockExternals(r.dev) {
		if r.opts.externalImages != nil {
			r.opts.externalImages.Unlock(ref.ID, ref.Channel)
		}
	}

	if onScreen && r.opts.overlay != nil {
		if err := r.opts.overlay.Render(r.dev, deviceSize, r.stats); err != nil {
			Logger().Warn("flare: overlay render failed", "error", err)
		}
	}

	elapsed := time.Since(start)
	r.stats.FrameTime = elapsed
	if elapsed > slowFrameThreshold {
		r.slowFrames++
		Logger().Debug("flare: slow frame", "elapsed", elapsed)
	}
	var producer ProfileCounters
	if len(r.activeDocuments) > 0 {
		producer = r.activeDocuments[len(r.activeDocuments)-1].profile
	}
	r.profiles.push(FrameProfile{
		FrameID:   r.frameID,
		CPUTime:   elapsed,
		GPUTimers: r.gpuTimers,
		DrawCalls: r.stats.TotalDrawCalls,
		Producer:  producer,
	})
	r.lastRenderTime = start

	r.resolver.EndFrame(r.dev, r.frameID, r.opts.gc)
	r.dev.EndFrame()

	results.Stats = r.stats
	return results
}

// prepareGPUCache brings the cache texture up to the epoch doc's frame was
// built against: applies a pending full clear, resolves deferred external
// images into one extra update list, flushes pending updates, and then
// asserts causality — the frame's epoch must already be satisfied.
func (r *Renderer) prepareGPUCache(doc *document) {
	if r.pendingGPUCacheClear {
		fresh, err := newGpuCacheTexture(r.dev, r.shaders, r.gpuCache.usesScatter())
		if err != nil {
			r.rendererErrors = append(r.rendererErrors, err)
		} else {
			r.gpuCache.deinit(r.dev)
			r.gpuCache = fresh
		}
		r.pendingGPUCacheClear = false
	}

	if len(doc.frame.DeferredResolves) > 0 {
		if list := r.resolveDeferred(doc); list != nil {
			r.pendingGPUCacheUpdates = append(r.pendingGPUCacheUpdates, *list)
		}
	}

	r.updateGPUCache()

	if doc.frame.CacheFrameID > r.gpuCacheFrameID {
		panic(fmt.Sprintf("flare: frame requires gpu cache epoch %d, only %d applied",
			doc.frame.CacheFrameID, r.gpuCacheFrameID))
	}
}

// resolveDeferred locks each deferred external image, registers its texture
// for SourceExternal binds, and emits one cache update per image carrying
// its UV rect. Lock failures substitute filler content — the frame must
// complete even when an image is gone.
func (r *Renderer) resolveDeferred(doc *document) *GpuCacheUpdateList {
	list := &GpuCacheUpdateList{
		FrameID: r.gpuCacheFrameID,
		Height:  r.gpuCache.height(),
	}

	for _, d := range doc.frame.DeferredResolves {
		var img ExternalImage
		if r.opts.externalImages != nil {
			img = r.opts.externalImages.Lock(d.Image.ID, d.Image.Channel)
		}

		switch img.Source {
		case ExternalSourceNativeTexture:
			r.resolver.RegisterExternal(d.Image, img.Texture, false)

		case ExternalSourceRawData:
			tex, err := r.uploadExternal(img.Size, img.Data)
			if err != nil {
				r.rendererErrors = append(r.rendererErrors, err)
				continue
			}
			r.resolver.RegisterExternal(d.Image, tex, true)

		default:
			// Lock failed: substitute filler matching the expected size so
			// the frame still completes.
			Logger().Warn("flare: external image lock failed, substituting filler",
				"image", d.Image.ID, "channel", d.Image.Channel)
			size := d.ExpectedSize
			if size.IsEmpty() {
				size = geom.Sz(1, 1)
			}
			tex, err := r.uploadExternal(size, make([]byte, size.Area()*4))
			if err != nil {
				r.rendererErrors = append(r.rendererErrors, err)
				continue
			}
			r.resolver.RegisterExternal(d.Image, tex, true)
			img.UV = [4]float32{0, 0, 1, 1}
		}

		idx := len(list.Blocks)
		list.Blocks = append(list.Blocks, GPUBlockData(img.UV))
		list.Updates = append(list.Updates, GpuCacheUpdate{
			BlockIndex: idx,
			BlockCount: 1,
			Address:    d.Address,
		})
		if d.Address.V+1 > list.Height {
			list.Height = d.Address.V + 1
		}
	}

	if len(list.Updates) == 0 {
		return nil
	}
	return list
}

func (r *Renderer) uploadExternal(size geom.IntSize, data []byte) (*device.Texture, error) {
	tex, err := r.dev.CreateTexture(device.TextureDescriptor{
		Label:  "external",
		Size:   size,
		Layers: 1,
		Format: device.FormatRGBA8,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: external image: %w", ErrResource, err)
	}
	up := r.dev.Uploader(tex)
	n := up.Upload(geom.IntRect{Size: size}, 0, 0, data)
	up.Close()
	r.stats.TextureUploadBytes += int64(n)
	return tex, nil
}

// updateGPUCache grows the cache texture to the tallest pending request,
// applies every pending list in order, flushes the bus, and advances the
// applied epoch. Overflow latches and degrades instead of aborting.
func (r *Renderer) updateGPUCache() {
	if r.stress {
		// Stress mode: request one extra row each frame so the growth
		// path runs constantly. The written block is never referenced.
		r.stressHeight = r.gpuCache.height() + 1
		r.pendingGPUCacheUpdates = append(r.pendingGPUCacheUpdates, GpuCacheUpdateList{
			FrameID: r.gpuCacheFrameID,
			Height:  r.stressHeight,
			Blocks:  []GPUBlockData{{}},
			Updates: []GpuCacheUpdate{{BlockCount: 1, Address: GPUCacheAddress{V: r.stressHeight - 1}}},
		})
	}

	height := r.gpuCache.height()
	for i := range r.pendingGPUCacheUpdates {
		if h := r.pendingGPUCacheUpdates[i].Height; h > height {
			height = h
		}
	}

	maxSize := r.dev.Capabilities().MaxTextureSize
	if height > maxSize {
		if !r.gpuCacheOverflow {
			r.gpuCacheOverflow = true
		}
		r.rendererErrors = append(r.rendererErrors, fmt.Errorf(
			"%w: gpu cache requires %d rows, device maximum is %d", ErrMaxTextureSize, height, maxSize))
		height = maxSize
	}

	if height > 0 {
		if err := r.gpuCache.ensureTexture(r.dev, height); err != nil {
			r.rendererErrors = append(r.rendererErrors, err)
			r.pendingGPUCacheUpdates = r.pendingGPUCacheUpdates[:0]
			return
		}
	}

	blocks := 0
	for i := range r.pendingGPUCacheUpdates {
		list := &r.pendingGPUCacheUpdates[i]
		r.gpuCache.apply(list)
		blocks += len(list.Blocks)
		if list.FrameID > r.gpuCacheFrameID {
			r.gpuCacheFrameID = list.FrameID
		}
	}
	r.pendingGPUCacheUpdates = r.pendingGPUCacheUpdates[:0]

	r.stats.GPUCacheBlocksSent += blocks
	r.stats.GPUCacheRowsFlushed += r.gpuCache.flush(r.dev)
}

// applyResourceUpdates applies texture-cache mutations in order. Must run
// inside a device frame bracket.
func (r *Renderer) applyResourceUpdates(updates []ResourceUpdate) {
	for _, u := range updates {
		switch u.Kind {
		case ResourceAllocate:
			tex, err := r.dev.CreateTexture(u.Desc)
			if err != nil {
				r.rendererErrors = append(r.rendererErrors, fmt.Errorf(
					"%w: texture cache %d: %w", ErrResource, u.ID, err))
				continue
			}
			r.resolver.UpdateTextureCache(r.dev, u.ID, tex)

		case ResourceUpload:
			tex := r.resolver.TextureCacheEntry(u.ID)
			if tex == nil {
				r.rendererErrors = append(r.rendererErrors, fmt.Errorf(
					"%w: upload to unknown texture cache entry %d", ErrResource, u.ID))
				continue
			}
			data := u.Data
			if u.External != nil {
				data = r.lockExternalBytes(*u.External, u.Rect.Size, tex.Format())
			}
			up := r.dev.Uploader(tex)
			n := up.Upload(u.Rect, u.Layer, u.Stride, data)
			up.Close()
			r.stats.TextureUploadBytes += int64(n)
			if u.External != nil && r.opts.externalImages != nil {
				r.opts.externalImages.Unlock(u.External.ID, u.External.Channel)
			}

		case ResourceFree:
			r.resolver.FreeTextureCache(r.dev, u.ID)
		}
	}
}

// lockExternalBytes locks an external image for a texture-cache upload,
// substituting a filler buffer of the expected size when the lock fails.
func (r *Renderer) lockExternalBytes(ref ExternalImageRef, size geom.IntSize, format device.TextureFormat) []byte {
	if r.opts.externalImages != nil {
		img := r.opts.externalImages.Lock(ref.ID, ref.Channel)
		if img.Source == ExternalSourceRawData {
			return img.Data
		}
	}
	Logger().Warn("flare: external upload source unavailable, substituting filler",
		"image", ref.ID, "channel", ref.Channel)
	return make([]byte, size.Area()*int64(format.BytesPerPixel()))
}

// flushPendingTextureUpdates applies every document's staged resource
// updates, then fires textures-updated notifications.
func (r *Renderer) flushPendingTextureUpdates() {
	for _, doc := range r.activeDocuments {
		if len(doc.pendingResourceUpdates) == 0 {
			continue
		}
		r.applyResourceUpdates(doc.pendingResourceUpdates)
		doc.pendingResourceUpdates = nil
	}
	kept := r.notifications[:0]
	for i := range r.notifications {
		req := &r.notifications[i]
		if req.When == CheckpointFrameTexturesUpdated {
			req.notify(CheckpointFrameTexturesUpdated)
			continue
		}
		kept = append(kept, *req)
	}
	r.notifications = kept
}

// flushNativeSurfaceOps forwards pending OS-surface mutations to the native
// compositor.
func (r *Renderer) flushNativeSurfaceOps() {
	nc := r.opts.compositor
	for _, doc := range r.activeDocuments {
		ops := doc.frame.Composite.NativeSurfaceOps
		if len(ops) == 0 {
			continue
		}
		doc.frame.Composite.NativeSurfaceOps = nil
		if nc == nil {
			continue
		}
		for _, op := range ops {
			switch op.Kind {
			case NativeOpCreateSurface:
				nc.CreateSurface(op.Surface, op.TileSize, op.IsOpaque)
			case NativeOpDestroySurface:
				nc.DestroySurface(op.Surface)
			case NativeOpCreateTile:
				nc.CreateTile(op.Tile)
			case NativeOpDestroyTile:
				nc.DestroyTile(op.Tile)
			}
		}
	}
}

// FlushPipelineInfo returns the pipeline epochs and removals accumulated
// since the last call, and resets the accumulator.
func (r *Renderer) FlushPipelineInfo() PipelineInfo {
	info := r.pipelineInfo
	r.pipelineInfo = PipelineInfo{}
	return info
}

// ReportMemory returns a byte-accurate snapshot of engine GPU memory.
func (r *Renderer) ReportMemory() MemoryReport {
	report := r.resolver.ReportMemory()
	report.GPUCacheTextureBytes = r.gpuCache.reportBytes()
	return report
}

// Profiles returns the recorded frame profiles, oldest first.
func (r *Renderer) Profiles() []FrameProfile { return r.profiles.slice() }

// Close releases everything the renderer owns. The device itself belongs to
// the embedder and stays open.
func (r *Renderer) Close() {
	if r.closed {
		return
	}
	for i := range r.notifications {
		r.notifications[i].notify(CheckpointTransactionDropped)
	}
	r.notifications = nil
	r.resolver.Deinit(r.dev)
	r.gpuCache.deinit(r.dev)
	r.shaders.Release(r.dev)
	r.closed = true
}
