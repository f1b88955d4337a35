package flare

import (
	"fmt"

	"github.com/gogpu/flare/device"
	"github.com/gogpu/flare/geom"
)

// Per-instance record sizes, matching the WGSL vertex layouts.
const (
	quadInstanceBytes = 32 // rect (4 f32) + color or uv rect (4 f32)
	blurInstanceBytes = 24 // region (4 f32) + direction + radius
)

// drawFrame executes one frame's passes in order. Off-screen passes draw
// into pooled, cached, and saved targets; the main framebuffer pass
// composites on screen. clearFramebuffer is set for the first document only,
// so later documents layer over earlier ones.
func (r *Renderer) drawFrame(frame *Frame, deviceSize geom.IntSize, onScreen bool, results *RenderResults, clearFramebuffer bool) {
	if tex := r.gpuCache.texture; tex != nil {
		r.dev.BindTexture(SlotGPUCache, tex)
	} else {
		r.resolver.Bind(TextureSource{Kind: SourceDummy}, SlotGPUCache, r.dev)
	}

	for i := range frame.Passes {
		pass := &frame.Passes[i]

		// Every pass samples the previous pass's outputs through fixed
		// slots; the first pass (and any absent output) gets the dummy.
		r.resolver.Bind(TextureSource{Kind: SourcePrevPassAlpha}, SlotPrevPassAlpha, r.dev)
		r.resolver.Bind(TextureSource{Kind: SourcePrevPassColor}, SlotPrevPassColor, r.dev)

		switch pass.Kind {
		case PassMainFramebuffer:
			if onScreen {
				r.drawMainFramebuffer(frame, deviceSize, results, clearFramebuffer)
			}

		case PassOffScreen:
			// Persistent targets carry their content across frames; a
			// re-executed frame must not redraw them.
			if !frame.HasBeenRendered {
				for key, target := range pass.TextureCache {
					r.drawTextureCacheTarget(key, target)
				}
				for _, pc := range pass.PictureCache {
					r.drawPictureCacheTarget(pc)
				}
			}
			alpha := r.drawTargetList(&pass.Alpha, true)
			color := r.drawTargetList(&pass.Color, false)
			r.resolver.EndPass(r.dev, alpha, color)
		}
	}

	frame.HasBeenRendered = true
}

// drawTargetList allocates one pooled texture for the list and draws each
// target into its own layer. Returns nil for empty lists.
func (r *Renderer) drawTargetList(list *RenderTargetList, isAlpha bool) *ActiveTexture {
	if list.IsEmpty() {
		return nil
	}
	sel := TargetSelector{
		Size:      list.MaxDynamicSize.RoundUpTo(r.opts.targetRounding),
		NumLayers: len(list.Targets),
		Format:    list.Format,
	}
	tex, err := r.resolver.AcquireTarget(r.dev, sel, r.frameID)
	if err != nil {
		r.rendererErrors = append(r.rendererErrors, err)
		return nil
	}
	for layer, target := range list.Targets {
		r.drawTargetContent(tex, layer, target)
		if isAlpha {
			r.stats.AlphaTargetCount++
		} else {
			r.stats.ColorTargetCount++
		}
	}
	return &ActiveTexture{Texture: tex, SavedIndex: list.SavedIndex}
}

// drawTargetContent executes one target's accumulated work into a texture
// layer: clear, blits, separable blurs, scalings, then batches.
func (r *Renderer) drawTargetContent(tex *device.Texture, layer int, t *RenderTarget) {
	r.dev.BindDrawTarget(tex, layer, tex.FullRect())

	if t.ClearColor != nil {
		var depth *float32
		if t.NeedsDepth {
			d := float32(1)
			depth = &d
		}
		rect := t.UsedRect
		r.dev.ClearTarget(t.ClearColor, depth, &rect)
	}

	for _, b := range t.Blits {
		src := r.resolver.resolve(b.Source)
		r.dev.Blit(src, 0, b.SourceRect, tex, layer, b.TargetRect)
	}

	r.drawBlurs(t.VerticalBlurs, 1)
	r.drawBlurs(t.HorizontalBlurs, 0)

	for _, s := range t.Scalings {
		r.resolver.Bind(s.Source, SlotColor0, r.dev)
		data := encodeRect(nil, s.DestRect)
		data = encodeRect(data, s.SourceRect)
		r.drawInstanced(r.scaleProgram, data, 1)
	}

	r.drawBatches(t.Batches)
}

// drawBlurs issues one instanced draw for a blur direction, sampling the
// previous pass's color output bound at its fixed slot.
func (r *Renderer) drawBlurs(blurs []BlurInstance, direction float32) {
	if len(blurs) == 0 {
		return
	}
	data := make([]byte, 0, len(blurs)*blurInstanceBytes)
	for _, b := range blurs {
		data = encodeRect(data, b.Region)
		data = appendF32(data, direction, b.Radius)
	}
	r.drawInstanced(r.blurProgram, data, len(blurs))
}

// drawBatches binds each batch's textures and issues its instanced draw.
func (r *Renderer) drawBatches(batches []DrawBatch) {
	for i := range batches {
		b := &batches[i]
		for s, src := range b.Textures {
			if src.Kind != SourceInvalid {
				r.resolver.Bind(src, SlotColor0+device.TextureSlot(s), r.dev)
			}
		}
		prog := r.compositeProgram
		if b.Kind == BatchSolid {
			prog = r.blitProgram
		}
		r.drawInstanced(prog, b.InstanceData, b.InstanceCount)
	}
}

// drawTextureCacheTarget draws into one layer of a persistent cache texture.
func (r *Renderer) drawTextureCacheTarget(key TextureCacheKey, t *RenderTarget) {
	tex := r.resolver.TextureCacheEntry(key.ID)
	if tex == nil {
		r.rendererErrors = append(r.rendererErrors, fmt.Errorf(
			"%w: render into unknown texture cache entry %d", ErrResource, key.ID))
		return
	}
	r.drawTargetContent(tex, key.Layer, t)
}

// drawPictureCacheTarget redraws a picture-cache tile's dirty region.
func (r *Renderer) drawPictureCacheTarget(pc *PictureCacheTarget) {
	tex := r.resolver.resolve(pc.Texture)
	r.dev.BindDrawTarget(tex, pc.Layer, tex.FullRect())
	if pc.ClearColor != nil {
		rect := pc.DirtyRect
		r.dev.ClearTarget(pc.ClearColor, nil, &rect)
	}
	r.drawBatches(pc.Batches)
}

// drawMainFramebuffer presents the frame: through the OS compositor under
// CompositorNative, or by self-compositing tiles with draws.
func (r *Renderer) drawMainFramebuffer(frame *Frame, deviceSize geom.IntSize, results *RenderResults, clearFramebuffer bool) {
	cs := &frame.Composite
	if cs.Kind == CompositorNative {
		r.compositeNative(frame, results)
		return
	}

	r.dev.BindMainFramebuffer(deviceSize)
	if clearFramebuffer {
		clear := geom.Transparent
		r.dev.ClearTarget(&clear, nil, nil)
	}

	full := geom.IntRect{Size: deviceSize}
	dirty := cs.DirtyRects
	partial := r.opts.pictureCaching && !r.forceRedraw && len(dirty) > 0
	if !partial {
		// Full redraw: without picture caching (or under a forced redraw)
		// every tile draws and the whole framebuffer presents.
		dirty = []geom.IntRect{full}
	}

	for _, tile := range cs.Tiles() {
		if partial && !intersectsAny(tile.Rect, dirty) {
			continue
		}
		r.drawCompositeTile(&tile)
	}

	// Partial present needs at least one rect even for a static frame.
	if len(dirty) == 0 {
		dirty = []geom.IntRect{full}
	}
	results.DirtyRects = append(results.DirtyRects, dirty...)
}

// drawCompositeTile draws one screen tile of the final composite.
func (r *Renderer) drawCompositeTile(tile *CompositeTile) {
	rect := tile.Rect.Intersect(tile.ClipRect)
	if rect.Size.IsEmpty() {
		return
	}
	switch tile.Surface.Kind {
	case TileSurfaceClear:
		clear := geom.Transparent
		r.dev.ClearTarget(&clear, nil, &rect)

	case TileSurfaceColor:
		r.resolver.Bind(TextureSource{Kind: SourceDummy}, SlotColor0, r.dev)
		data := encodeRect(nil, rect)
		c := tile.Surface.Color
		data = appendF32(data, c.R, c.G, c.B, c.A)
		r.drawInstanced(r.compositeProgram, data, 1)

	case TileSurfaceTexture:
		r.resolver.Bind(tile.Surface.Texture, SlotColor0, r.dev)
		data := encodeRect(nil, rect)
		data = encodeRect(data, geom.IntRect{Size: rect.Size})
		r.drawInstanced(r.compositeProgram, data, 1)
	}
}

// compositeNative hands dirty tiles to the OS compositor: bind, draw the
// tile's content into the bound region, unbind, then place each surface.
func (r *Renderer) compositeNative(frame *Frame, results *RenderResults) {
	cs := &frame.Composite
	nc := r.opts.compositor
	if nc == nil {
		Logger().Warn("flare: native compositing requested without a compositor")
		return
	}

	nc.BeginFrame()
	var surfaces []NativeSurfaceID
	for _, tile := range cs.Tiles() {
		if !containsSurface(surfaces, tile.NativeSurface) {
			surfaces = append(surfaces, tile.NativeSurface)
		}
		if tile.DirtyRect.Size.IsEmpty() {
			continue
		}
		id := NativeTileID{
			Surface: tile.NativeSurface,
			X:       tile.Rect.Origin.X,
			Y:       tile.Rect.Origin.Y,
		}
		binding := nc.Bind(id, tile.DirtyRect)
		bound := tile
		bound.Rect = binding.Rect
		bound.ClipRect = binding.Rect
		r.drawCompositeTile(&bound)
		nc.Unbind()
	}
	for _, id := range surfaces {
		nc.AddSurface(id, frame.ContentOrigin, frame.DeviceRect)
	}
	nc.EndFrame()

	dirty := cs.DirtyRects
	if len(dirty) == 0 {
		dirty = []geom.IntRect{frame.DeviceRect}
	}
	results.DirtyRects = append(results.DirtyRects, dirty...)
}

// drawInstanced binds prog and issues one instanced draw, skipping empty
// batches so draw-call stats stay meaningful.
func (r *Renderer) drawInstanced(prog *device.Program, data []byte, count int) {
	if count == 0 {
		return
	}
	r.dev.BindProgram(prog)
	r.dev.DrawInstanced(data, count)
	r.stats.TotalDrawCalls++
}

// encodeRect appends a rectangle as four little-endian float32 values.
func encodeRect(dst []byte, rect geom.IntRect) []byte {
	return appendF32(dst,
		float32(rect.Origin.X), float32(rect.Origin.Y),
		float32(rect.Size.Width), float32(rect.Size.Height))
}

func intersectsAny(rect geom.IntRect, rects []geom.IntRect) bool {
	for _, q := range rects {
		if !rect.Intersect(q).Size.IsEmpty() {
			return true
		}
	}
	return false
}

func containsSurface(ids []NativeSurfaceID, id NativeSurfaceID) bool {
	for _, have := range ids {
		if have == id {
			return true
		}
	}
	return false
}
