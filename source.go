package flare

import "github.com/gogpu/flare/device"

// TextureSourceKind discriminates the closed TextureSource variant set.
type TextureSourceKind uint8

const (
	// SourceInvalid is the zero value; binding it samples the dummy texture.
	SourceInvalid TextureSourceKind = iota

	// SourceDummy explicitly samples the 1x1 placeholder.
	SourceDummy

	// SourcePrevPassAlpha samples the previous pass's alpha output.
	SourcePrevPassAlpha

	// SourcePrevPassColor samples the previous pass's color output.
	SourcePrevPassColor

	// SourceExternal samples a locked external image.
	SourceExternal

	// SourceTextureCache samples a persistent texture-cache entry.
	SourceTextureCache

	// SourceRenderTaskCache samples a saved cross-pass target.
	SourceRenderTaskCache
)

// String returns the source kind name.
func (k TextureSourceKind) String() string {
	switch k {
	case SourceDummy:
		return "Dummy"
	case SourcePrevPassAlpha:
		return "PrevPassAlpha"
	case SourcePrevPassColor:
		return "PrevPassColor"
	case SourceExternal:
		return "External"
	case SourceTextureCache:
		return "TextureCache"
	case SourceRenderTaskCache:
		return "RenderTaskCache"
	default:
		return "Invalid"
	}
}

// TextureSource is a logical texture reference resolved to a concrete GPU
// texture at bind time by the TextureResolver. The variant set is closed;
// resolution switches exhaustively on Kind.
type TextureSource struct {
	Kind       TextureSourceKind
	Cache      CacheTextureID    // SourceTextureCache
	External   ExternalImageRef  // SourceExternal
	SavedIndex SavedTargetIndex  // SourceRenderTaskCache
}

// Shorthand constructors for the common sources.

func SourceOfTextureCache(id CacheTextureID) TextureSource {
	return TextureSource{Kind: SourceTextureCache, Cache: id}
}

func SourceOfExternal(id ExternalImageID, channel int) TextureSource {
	return TextureSource{Kind: SourceExternal, External: ExternalImageRef{ID: id, Channel: channel}}
}

func SourceOfSavedTarget(index SavedTargetIndex) TextureSource {
	return TextureSource{Kind: SourceRenderTaskCache, SavedIndex: index}
}

// Fixed sampler slot assignments shared by every engine program.
const (
	SlotColor0 device.TextureSlot = iota
	SlotColor1
	SlotColor2
	SlotPrevPassAlpha
	SlotPrevPassColor
	SlotGPUCache
)
