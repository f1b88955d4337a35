package flare

import "github.com/gogpu/flare/geom"

// CompositorKind selects how the main framebuffer pass presents.
type CompositorKind uint8

const (
	// CompositorDraw self-composites picture-cache tiles with draws.
	CompositorDraw CompositorKind = iota

	// CompositorNative hands tiles to the OS compositor.
	CompositorNative
)

// String returns the compositor kind name.
func (k CompositorKind) String() string {
	if k == CompositorNative {
		return "Native"
	}
	return "Draw"
}

// CompositeTileSurfaceKind discriminates what a composite tile samples.
type CompositeTileSurfaceKind uint8

const (
	// TileSurfaceColor fills the tile with a solid color.
	TileSurfaceColor CompositeTileSurfaceKind = iota

	// TileSurfaceTexture samples a picture-cache texture.
	TileSurfaceTexture

	// TileSurfaceClear punches a transparent hole (used by video overlays).
	TileSurfaceClear
)

// CompositeTileSurface is the closed surface variant of one composite tile.
type CompositeTileSurface struct {
	Kind    CompositeTileSurfaceKind
	Color   geom.ColorF   // TileSurfaceColor
	Texture TextureSource // TileSurfaceTexture
	Layer   int           // TileSurfaceTexture
}

// CompositeTile is one screen-space tile of the final composite.
type CompositeTile struct {
	Surface  CompositeTileSurface
	Rect     geom.IntRect
	ClipRect geom.IntRect

	// DirtyRect bounds the tile content that changed since the last
	// present; empty means the tile is unchanged.
	DirtyRect geom.IntRect

	// NativeSurface addresses the OS surface under CompositorNative.
	NativeSurface NativeSurfaceID
}

// NativeSurfaceOpKind discriminates pending native-surface mutations.
type NativeSurfaceOpKind uint8

const (
	NativeOpCreateSurface NativeSurfaceOpKind = iota
	NativeOpDestroySurface
	NativeOpCreateTile
	NativeOpDestroyTile
)

// NativeSurfaceOp is one pending mutation of OS compositor state. Ops are
// flushed inside the device frame bracket, after any forced must-draw
// render and before any document draws.
type NativeSurfaceOp struct {
	Kind     NativeSurfaceOpKind
	Surface  NativeSurfaceID
	Tile     NativeTileID
	TileSize geom.IntSize
	IsOpaque bool
}

// CompositeState describes how a frame's main framebuffer pass presents.
type CompositeState struct {
	Kind CompositorKind

	// OpaqueTiles draw front-to-back before AlphaTiles draw back-to-front.
	OpaqueTiles []CompositeTile
	AlphaTiles  []CompositeTile

	// DirtyRects are the screen regions that changed this frame, for
	// partial present.
	DirtyRects []geom.IntRect

	// NativeSurfaceOps are flushed before the frame draws.
	NativeSurfaceOps []NativeSurfaceOp
}

// Tiles returns the opaque tiles followed by the alpha tiles, in draw order.
func (s *CompositeState) Tiles() []CompositeTile {
	tiles := make([]CompositeTile, 0, len(s.OpaqueTiles)+len(s.AlphaTiles))
	tiles = append(tiles, s.OpaqueTiles...)
	tiles = append(tiles, s.AlphaTiles...)
	return tiles
}

// NativeSurfaceBinding is what the OS compositor returns from Bind: the
// target rectangle to draw into, in surface pixels.
type NativeSurfaceBinding struct {
	Rect geom.IntRect
}

// NativeCompositor is the OS compositor consumed under CompositorNative.
// All calls happen on the render goroutine, between the compositor's own
// BeginFrame and EndFrame.
type NativeCompositor interface {
	CreateSurface(id NativeSurfaceID, tileSize geom.IntSize, isOpaque bool)
	DestroySurface(id NativeSurfaceID)
	CreateTile(id NativeTileID)
	DestroyTile(id NativeTileID)

	// Bind makes a tile the draw destination for its dirty region.
	Bind(id NativeTileID, dirtyRect geom.IntRect) NativeSurfaceBinding
	Unbind()

	BeginFrame()
	// AddSurface places a surface into this frame's composition.
	AddSurface(id NativeSurfaceID, position geom.IntPoint, clip geom.IntRect)
	EndFrame()
}
