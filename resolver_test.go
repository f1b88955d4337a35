package flare

import (
	"testing"

	"github.com/gogpu/flare/device"
	"github.com/gogpu/flare/geom"
)

func newTestResolver(t *testing.T) (*TextureResolver, *device.RecordingDevice) {
	t.Helper()
	dev := device.NewRecordingDevice(0)
	t.Cleanup(dev.Close)
	tr, err := newTextureResolver(dev)
	if err != nil {
		t.Fatalf("newTextureResolver: %v", err)
	}
	return tr, dev
}

func TestAcquireTargetReusesPool(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	sel := TargetSelector{Size: geom.Sz(256, 256), NumLayers: 2, Format: device.FormatRGBA8}
	first, err := tr.AcquireTarget(dev, sel, 1)
	if err != nil {
		t.Fatalf("AcquireTarget: %v", err)
	}
	tr.returnToPool(dev, first)

	second, err := tr.AcquireTarget(dev, sel, 2)
	if err != nil {
		t.Fatalf("AcquireTarget: %v", err)
	}
	if second != first {
		t.Error("matching selector did not reuse the pooled texture")
	}
	if tr.counters.targetsCreated != 1 || tr.counters.targetsUsed != 2 {
		t.Errorf("counters = created %d used %d, want 1/2",
			tr.counters.targetsCreated, tr.counters.targetsUsed)
	}
	if dev.Counters.TargetsDiscarded != 1 {
		t.Errorf("TargetsDiscarded = %d, want 1", dev.Counters.TargetsDiscarded)
	}
}

func TestAcquireTargetSelectorMismatch(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	a, _ := tr.AcquireTarget(dev, TargetSelector{Size: geom.Sz(256, 256), NumLayers: 1, Format: device.FormatRGBA8}, 1)
	tr.returnToPool(dev, a)

	b, err := tr.AcquireTarget(dev, TargetSelector{Size: geom.Sz(512, 256), NumLayers: 1, Format: device.FormatRGBA8}, 1)
	if err != nil {
		t.Fatalf("AcquireTarget: %v", err)
	}
	if b == a {
		t.Error("mismatched selector reused a pooled texture")
	}
	if tr.counters.targetsCreated != 2 {
		t.Errorf("targetsCreated = %d, want 2", tr.counters.targetsCreated)
	}
}

// fillPool parks n render targets of the given size in the pool, all last
// used at frameID.
func fillPool(t *testing.T, tr *TextureResolver, dev *device.RecordingDevice, n int, size geom.IntSize, frameID device.FrameID) {
	t.Helper()
	targets := make([]*device.Texture, n)
	for i := range targets {
		// Distinct layer counts keep the selectors unique so every call
		// allocates instead of reusing.
		tex, err := tr.AcquireTarget(dev, TargetSelector{
			Size: size, NumLayers: i + 1, Format: device.FormatRGBA8,
		}, frameID)
		if err != nil {
			t.Fatalf("AcquireTarget: %v", err)
		}
		targets[i] = tex
	}
	for _, tex := range targets {
		tr.returnToPool(dev, tex)
	}
}

func TestGCTargetsExpiredOverSoft(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	// Ten single-layer-equivalent targets, 1 MiB per layer, all idle since
	// frame 1. At frame 100 with a 60-frame threshold every entry is
	// expired, so the pool must collect down to the soft limit.
	fillPool(t, tr, dev, 4, geom.Sz(512, 512), 1)
	total := tr.poolBytes()
	gc := GCParams{SoftBytes: total / 2, HardBytes: 1 << 40, FrameThreshold: 60}

	tr.GCTargets(dev, 100, gc)
	if got := tr.poolBytes(); got > gc.SoftBytes {
		t.Errorf("pool = %d bytes after GC, want <= %d", got, gc.SoftBytes)
	}
	if tr.counters.targetsFreed == 0 {
		t.Error("no targets freed despite expired soft overage")
	}
}

func TestGCTargetsHardLimit(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	// Recently used targets survive a soft overage but not a hard one.
	fillPool(t, tr, dev, 4, geom.Sz(512, 512), 5)
	total := tr.poolBytes()
	gc := GCParams{SoftBytes: 1, HardBytes: total / 2, FrameThreshold: 60}

	tr.GCTargets(dev, 6, gc)
	if got := tr.poolBytes(); got > gc.HardBytes {
		t.Errorf("pool = %d bytes after GC, want <= %d", got, gc.HardBytes)
	}
}

func TestGCTargetsRecentSurviveSoft(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	fillPool(t, tr, dev, 4, geom.Sz(512, 512), 5)
	gc := GCParams{SoftBytes: 1, HardBytes: 1 << 40, FrameThreshold: 60}

	// One frame later nothing has expired and the hard limit is distant.
	tr.GCTargets(dev, 6, gc)
	if tr.counters.targetsFreed != 0 {
		t.Errorf("freed %d recently-used targets", tr.counters.targetsFreed)
	}
}

func TestGCTargetsUnderSoftIsNoop(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	fillPool(t, tr, dev, 2, geom.Sz(64, 64), 1)
	tr.GCTargets(dev, 1000, GCParams{SoftBytes: 1 << 40, HardBytes: 1 << 41, FrameThreshold: 1})
	if tr.counters.targetsFreed != 0 {
		t.Errorf("freed %d targets under the soft limit", tr.counters.targetsFreed)
	}
}

func TestResolveFallbacks(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	for _, src := range []TextureSource{
		{Kind: SourceInvalid},
		{Kind: SourceDummy},
		{Kind: SourcePrevPassAlpha},
		{Kind: SourcePrevPassColor},
	} {
		if got := tr.resolve(src); got != tr.dummy {
			t.Errorf("resolve(%v) != dummy", src.Kind)
		}
	}
}

func TestResolveUnknownCachePanics(t *testing.T) {
	tr, _ := newTestResolver(t)
	defer func() {
		if recover() == nil {
			t.Error("resolve of an unknown cache entry did not panic")
		}
	}()
	tr.resolve(SourceOfTextureCache(42))
}

func TestEndPassInstallsPrevPassOutputs(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	sel := TargetSelector{Size: geom.Sz(128, 128), NumLayers: 1, Format: device.FormatRGBA8}
	color, _ := tr.AcquireTarget(dev, sel, 1)
	tr.EndPass(dev, nil, &ActiveTexture{Texture: color, SavedIndex: SavedTargetNone})

	if got := tr.resolve(TextureSource{Kind: SourcePrevPassColor}); got != color {
		t.Error("previous-pass color did not resolve to the installed target")
	}

	// Retiring without a saved index returns the texture to the pool.
	tr.EndPass(dev, nil, nil)
	reused, _ := tr.AcquireTarget(dev, sel, 2)
	if reused != color {
		t.Error("retired target was not pooled")
	}
}

func TestSavedTargetLifecycle(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	sel := TargetSelector{Size: geom.Sz(64, 64), NumLayers: 1, Format: device.FormatRGBA8}
	saved, _ := tr.AcquireTarget(dev, sel, 1)
	tr.EndPass(dev, nil, &ActiveTexture{Texture: saved, SavedIndex: 0})
	tr.EndPass(dev, nil, nil)

	if got := tr.resolve(SourceOfSavedTarget(0)); got != saved {
		t.Error("saved target did not resolve by index")
	}

	// EndFrame returns saved targets to the pool; the next frame may not
	// see leftovers.
	tr.EndFrame(dev, 1, GCParams{SoftBytes: 1 << 40, HardBytes: 1 << 41, FrameThreshold: 60})
	tr.BeginFrame()
	reused, _ := tr.AcquireTarget(dev, sel, 2)
	if reused != saved {
		t.Error("saved target was not pooled at frame end")
	}
}

func TestSavedTargetOutOfOrderPanics(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	sel := TargetSelector{Size: geom.Sz(64, 64), NumLayers: 1, Format: device.FormatRGBA8}
	tex, _ := tr.AcquireTarget(dev, sel, 1)
	tr.EndPass(dev, nil, &ActiveTexture{Texture: tex, SavedIndex: 1})

	defer func() {
		if recover() == nil {
			t.Error("out-of-order saved index did not panic")
		}
	}()
	tr.EndPass(dev, nil, nil)
}

func TestBeginFrameLeakPanics(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	sel := TargetSelector{Size: geom.Sz(64, 64), NumLayers: 1, Format: device.FormatRGBA8}
	tex, _ := tr.AcquireTarget(dev, sel, 1)
	tr.EndPass(dev, &ActiveTexture{Texture: tex, SavedIndex: SavedTargetNone}, nil)

	defer func() {
		if recover() == nil {
			t.Error("leaked previous-pass target did not panic BeginFrame")
		}
	}()
	tr.BeginFrame()
}

func TestTextureCacheLifecycle(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	tex, err := dev.CreateTexture(device.TextureDescriptor{
		Size: geom.Sz(64, 64), Layers: 1, Format: device.FormatRGBA8,
	})
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	tr.UpdateTextureCache(dev, 7, tex)
	if tr.TextureCacheEntry(7) != tex {
		t.Fatal("cache entry not retrievable")
	}
	if got := tr.resolve(SourceOfTextureCache(7)); got != tex {
		t.Error("SourceTextureCache did not resolve to the cache entry")
	}

	// Replacing frees the old texture.
	repl, _ := dev.CreateTexture(device.TextureDescriptor{
		Size: geom.Sz(64, 64), Layers: 1, Format: device.FormatRGBA8,
	})
	tr.UpdateTextureCache(dev, 7, repl)
	if !tex.IsDestroyed() {
		t.Error("replaced cache texture was not freed")
	}

	tr.FreeTextureCache(dev, 7)
	if tr.TextureCacheEntry(7) != nil {
		t.Error("freed cache entry still present")
	}
	// Unknown ids are ignored.
	tr.FreeTextureCache(dev, 99)
}

func TestUnlockExternals(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	owned, _ := dev.CreateTexture(device.TextureDescriptor{
		Size: geom.Sz(8, 8), Layers: 1, Format: device.FormatRGBA8,
	})
	borrowed, _ := dev.CreateTexture(device.TextureDescriptor{
		Size: geom.Sz(8, 8), Layers: 1, Format: device.FormatRGBA8,
	})

	tr.RegisterExternal(ExternalImageRef{ID: 1}, owned, true)
	tr.RegisterExternal(ExternalImageRef{ID: 2}, borrowed, false)

	refs := tr.UnlockExternals(dev)
	if len(refs) != 2 {
		t.Fatalf("unlocked %d refs, want 2", len(refs))
	}
	if !owned.IsDestroyed() {
		t.Error("owned external texture was not freed")
	}
	if borrowed.IsDestroyed() {
		t.Error("borrowed external texture was freed")
	}
}

func TestReportMemory(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()
	defer dev.EndFrame()

	cacheTex, _ := dev.CreateTexture(device.TextureDescriptor{
		Size: geom.Sz(64, 64), Layers: 1, Format: device.FormatRGBA8,
	})
	tr.UpdateTextureCache(dev, 1, cacheTex)

	pooled, _ := tr.AcquireTarget(dev, TargetSelector{
		Size: geom.Sz(32, 32), NumLayers: 1, Format: device.FormatRGBA8,
	}, 1)
	tr.returnToPool(dev, pooled)

	report := tr.ReportMemory()
	if report.TextureCacheTextureBytes != 64*64*4 {
		t.Errorf("TextureCacheTextureBytes = %d, want %d", report.TextureCacheTextureBytes, 64*64*4)
	}
	if report.RenderTargetPoolBytes != 32*32*4 {
		t.Errorf("RenderTargetPoolBytes = %d, want %d", report.RenderTargetPoolBytes, 32*32*4)
	}
	if report.Total() != report.TextureCacheTextureBytes+report.RenderTargetPoolBytes {
		t.Errorf("Total() = %d, inconsistent with fields", report.Total())
	}
}

func TestDeinitFreesEverything(t *testing.T) {
	tr, dev := newTestResolver(t)
	dev.BeginFrame()

	cacheTex, _ := dev.CreateTexture(device.TextureDescriptor{
		Size: geom.Sz(64, 64), Layers: 1, Format: device.FormatRGBA8,
	})
	tr.UpdateTextureCache(dev, 1, cacheTex)
	pooled, _ := tr.AcquireTarget(dev, TargetSelector{
		Size: geom.Sz(32, 32), NumLayers: 1, Format: device.FormatRGBA8,
	}, 1)
	tr.returnToPool(dev, pooled)
	dev.EndFrame()

	tr.Deinit(dev)
	if dev.LiveTextures() != 0 {
		t.Errorf("%d textures leaked after Deinit", dev.LiveTextures())
	}
}
