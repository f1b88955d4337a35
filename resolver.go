package flare

import (
	"fmt"
	"sort"

	"github.com/gogpu/flare/device"
	"github.com/gogpu/flare/geom"
)

// TargetSelector is the render-target pool's matching key: two textures with
// equal selectors are interchangeable.
type TargetSelector struct {
	Size      geom.IntSize
	NumLayers int
	Format    device.TextureFormat
}

// selectorOf returns the selector a texture satisfies.
func selectorOf(t *device.Texture) TargetSelector {
	return TargetSelector{Size: t.Size(), NumLayers: t.Layers(), Format: t.Format()}
}

// ActiveTexture is a render-target lease held by the pass executor. A texture
// is never simultaneously in the pool and inside an ActiveTexture.
type ActiveTexture struct {
	Texture *device.Texture

	// SavedIndex extends the texture's life past its pass when not
	// SavedTargetNone.
	SavedIndex SavedTargetIndex
}

// resolverCounters track pool traffic for tests and profiles.
type resolverCounters struct {
	targetsCreated int
	targetsUsed    int
	targetsFreed   int
}

// TextureResolver maps logical TextureSources to concrete GPU textures. It
// owns the render-target reuse pool, the previous-pass outputs, the saved
// cross-pass targets, the persistent texture-cache map, and the resolved
// external images of the current frame. Render-goroutine only.
type TextureResolver struct {
	// textureCache holds persistent entries mutated by ResourceUpdates.
	textureCache map[CacheTextureID]*device.Texture

	// external holds this frame's locked external-image textures.
	external map[ExternalImageRef]*device.Texture

	// externalOwned marks external entries the resolver allocated itself
	// (raw-data and filler uploads) and must free at unlock.
	externalOwned map[ExternalImageRef]bool

	// dummy is the 1x1 placeholder bound for Invalid/Dummy sources and for
	// previous-pass sources before the first pass.
	dummy *device.Texture

	prevPassAlpha *ActiveTexture
	prevPassColor *ActiveTexture

	// savedTargets are appended in strictly increasing SavedIndex order.
	savedTargets []*device.Texture

	pool []*device.Texture

	counters resolverCounters
}

// newTextureResolver creates the resolver and its placeholder texture.
func newTextureResolver(dev device.Device) (*TextureResolver, error) {
	dev.BeginFrame()
	dummy, err := dev.CreateTexture(device.TextureDescriptor{
		Label:  "dummy",
		Size:   geom.Sz(1, 1),
		Layers: 1,
		Format: device.FormatRGBA8,
	})
	dev.EndFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: dummy texture: %w", ErrResource, err)
	}
	return &TextureResolver{
		textureCache:  make(map[CacheTextureID]*device.Texture),
		external:      make(map[ExternalImageRef]*device.Texture),
		externalOwned: make(map[ExternalImageRef]bool),
		dummy:         dummy,
	}, nil
}

// BeginFrame asserts the per-frame invariant: no previous-pass state may
// survive from the last frame. Leftovers mean EndFrame was skipped, which is
// a programming error upstream.
func (tr *TextureResolver) BeginFrame() {
	if tr.prevPassAlpha != nil || tr.prevPassColor != nil {
		panic("flare: previous-pass targets leaked across frames")
	}
	if len(tr.savedTargets) != 0 {
		panic("flare: saved targets leaked across frames")
	}
}

// EndFrame returns every remaining pooled and saved target to the pool and
// collects the pool against the GC thresholds.
func (tr *TextureResolver) EndFrame(dev device.Device, frameID device.FrameID, gc GCParams) {
	tr.EndPass(dev, nil, nil)
	for _, t := range tr.savedTargets {
		tr.returnToPool(dev, t)
	}
	tr.savedTargets = tr.savedTargets[:0]
	tr.GCTargets(dev, frameID, gc)
}

// Bind resolves source to a concrete texture and binds it at slot.
func (tr *TextureResolver) Bind(source TextureSource, slot device.TextureSlot, dev device.Device) {
	dev.BindTexture(slot, tr.resolve(source))
}

// resolve maps a TextureSource to the texture Bind will use.
func (tr *TextureResolver) resolve(source TextureSource) *device.Texture {
	switch source.Kind {
	case SourceInvalid, SourceDummy:
		return tr.dummy
	case SourcePrevPassAlpha:
		if tr.prevPassAlpha == nil {
			return tr.dummy
		}
		return tr.prevPassAlpha.Texture
	case SourcePrevPassColor:
		if tr.prevPassColor == nil {
			return tr.dummy
		}
		return tr.prevPassColor.Texture
	case SourceExternal:
		t, ok := tr.external[source.External]
		if !ok {
			// Unresolved external binds are producer bugs, not runtime
			// conditions: the deferred resolve must run first.
			panic(fmt.Sprintf("flare: unresolved external image %d/%d",
				source.External.ID, source.External.Channel))
		}
		return t
	case SourceTextureCache:
		t, ok := tr.textureCache[source.Cache]
		if !ok {
			panic(fmt.Sprintf("flare: unknown texture cache entry %d", source.Cache))
		}
		return t
	case SourceRenderTaskCache:
		idx := int(source.SavedIndex)
		if idx < 0 || idx >= len(tr.savedTargets) {
			panic(fmt.Sprintf("flare: saved target index %d out of range", idx))
		}
		return tr.savedTargets[idx]
	default:
		return tr.dummy
	}
}

// EndPass retires the current previous-pass outputs — back to the pool, or
// into savedTargets when leased with a SavedIndex — and installs newAlpha
// and newColor as the next pass's inputs.
//
// Saved targets must arrive in push order: a SavedIndex that does not equal
// the next slot would corrupt addressing for every later pass that samples
// the saved target.
func (tr *TextureResolver) EndPass(dev device.Device, newAlpha, newColor *ActiveTexture) {
	for _, prev := range []*ActiveTexture{tr.prevPassAlpha, tr.prevPassColor} {
		if prev == nil {
			continue
		}
		if prev.SavedIndex == SavedTargetNone {
			tr.returnToPool(dev, prev.Texture)
			continue
		}
		if int(prev.SavedIndex) != len(tr.savedTargets) {
			panic(fmt.Sprintf("flare: saved target pushed out of order: index %d, have %d",
				prev.SavedIndex, len(tr.savedTargets)))
		}
		tr.savedTargets = append(tr.savedTargets, prev.Texture)
	}
	tr.prevPassAlpha = newAlpha
	tr.prevPassColor = newColor
}

// AcquireTarget leases a pooled texture matching the selector, creating one
// when the pool has no match.
func (tr *TextureResolver) AcquireTarget(dev device.Device, sel TargetSelector, frameID device.FrameID) (*device.Texture, error) {
	for i, t := range tr.pool {
		if selectorOf(t) == sel {
			tr.pool = append(tr.pool[:i], tr.pool[i+1:]...)
			t.MarkUsed(frameID)
			tr.counters.targetsUsed++
			return t, nil
		}
	}
	t, err := dev.CreateTexture(device.TextureDescriptor{
		Label:        "render-target",
		Size:         sel.Size,
		Layers:       sel.NumLayers,
		Format:       sel.Format,
		RenderTarget: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: render target %dx%dx%d: %w",
			ErrResource, sel.Size.Width, sel.Size.Height, sel.NumLayers, err)
	}
	t.MarkUsed(frameID)
	tr.counters.targetsCreated++
	tr.counters.targetsUsed++
	return t, nil
}

// returnToPool discards the texture's contents and makes it reusable.
// Invalidation (not deletion) lets the driver skip preserving content the
// engine will overwrite anyway.
func (tr *TextureResolver) returnToPool(dev device.Device, t *device.Texture) {
	dev.InvalidateRenderTarget(t)
	tr.pool = append(tr.pool, t)
}

// GCTargets collects the render-target pool.
//
// Under SoftBytes nothing happens. Above it, entries are visited oldest
// first: everything goes while the pool exceeds HardBytes, and entries
// unused for FrameThreshold frames go while the pool still exceeds
// SoftBytes. Recently-used textures therefore survive a soft overage
// indefinitely — pages with a large natural working set should not churn —
// but nothing survives a hard overage.
func (tr *TextureResolver) GCTargets(dev device.Device, frameID device.FrameID, gc GCParams) {
	total := tr.poolBytes()
	if total <= gc.SoftBytes {
		return
	}
	sort.SliceStable(tr.pool, func(i, j int) bool {
		return tr.pool[i].LastFrameUsed() < tr.pool[j].LastFrameUsed()
	})

	kept := tr.pool[:0]
	for _, t := range tr.pool {
		size := t.SizeInBytes()
		expired := frameID > t.LastFrameUsed() &&
			int(frameID-t.LastFrameUsed()) > gc.FrameThreshold
		switch {
		case total > gc.HardBytes,
			total > gc.SoftBytes && expired:
			dev.DeleteTexture(t)
			tr.counters.targetsFreed++
			total -= size
		default:
			kept = append(kept, t)
		}
	}
	tr.pool = kept
	Logger().Debug("flare: render target pool collected",
		"bytes", total, "targets", len(tr.pool))
}

// UpdateTextureCache inserts or replaces a persistent texture-cache entry.
func (tr *TextureResolver) UpdateTextureCache(dev device.Device, id CacheTextureID, t *device.Texture) {
	if old, ok := tr.textureCache[id]; ok {
		dev.DeleteTexture(old)
	}
	tr.textureCache[id] = t
}

// TextureCacheEntry returns the texture of one cache entry, or nil.
func (tr *TextureResolver) TextureCacheEntry(id CacheTextureID) *device.Texture {
	return tr.textureCache[id]
}

// FreeTextureCache deletes a persistent entry. Unknown ids are ignored:
// frees can race document replacement upstream.
func (tr *TextureResolver) FreeTextureCache(dev device.Device, id CacheTextureID) {
	if t, ok := tr.textureCache[id]; ok {
		dev.DeleteTexture(t)
		delete(tr.textureCache, id)
	}
}

// RegisterExternal records a resolved external image for SourceExternal
// binds. owned marks textures the resolver allocated and must free at
// UnlockExternals.
func (tr *TextureResolver) RegisterExternal(ref ExternalImageRef, t *device.Texture, owned bool) {
	tr.external[ref] = t
	tr.externalOwned[ref] = owned
}

// UnlockExternals drops every resolved external image, freeing the ones the
// resolver allocated, and reports which refs were held so the caller can
// unlock them with the handler.
func (tr *TextureResolver) UnlockExternals(dev device.Device) []ExternalImageRef {
	refs := make([]ExternalImageRef, 0, len(tr.external))
	for ref, t := range tr.external {
		if tr.externalOwned[ref] {
			dev.DeleteTexture(t)
		}
		refs = append(refs, ref)
	}
	clear(tr.external)
	clear(tr.externalOwned)
	return refs
}

// ReportMemory sums resolver-owned texture bytes, exactly.
func (tr *TextureResolver) ReportMemory() MemoryReport {
	var report MemoryReport
	for _, t := range tr.textureCache {
		report.TextureCacheTextureBytes += t.SizeInBytes()
	}
	report.RenderTargetPoolBytes = tr.poolBytes()
	for _, t := range tr.savedTargets {
		report.SavedTargetBytes += t.SizeInBytes()
	}
	return report
}

func (tr *TextureResolver) poolBytes() int64 {
	var total int64
	for _, t := range tr.pool {
		total += t.SizeInBytes()
	}
	return total
}

// Deinit frees everything the resolver owns.
func (tr *TextureResolver) Deinit(dev device.Device) {
	tr.EndPass(dev, nil, nil)
	for _, t := range tr.savedTargets {
		dev.DeleteTexture(t)
	}
	tr.savedTargets = nil
	for _, t := range tr.pool {
		dev.DeleteTexture(t)
	}
	tr.pool = nil
	for id, t := range tr.textureCache {
		dev.DeleteTexture(t)
		delete(tr.textureCache, id)
	}
	for ref, t := range tr.external {
		if tr.externalOwned[ref] {
			dev.DeleteTexture(t)
		}
	}
	clear(tr.external)
	clear(tr.externalOwned)
	dev.DeleteTexture(tr.dummy)
	tr.dummy = nil
}
