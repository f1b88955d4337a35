package flare

import (
	"github.com/gogpu/flare/device"
	"github.com/gogpu/flare/geom"
)

// ResourceUpdateKind discriminates the closed ResourceUpdate variant set.
type ResourceUpdateKind uint8

const (
	// ResourceAllocate creates (or replaces) a texture-cache entry.
	ResourceAllocate ResourceUpdateKind = iota

	// ResourceUpload writes texels into an existing entry.
	ResourceUpload

	// ResourceFree deletes an entry.
	ResourceFree
)

// ResourceUpdate is one texture-cache mutation. Updates apply in order,
// inside a device frame bracket, strictly before any frame that depends on
// them draws.
type ResourceUpdate struct {
	Kind ResourceUpdateKind
	ID   CacheTextureID

	// Allocate.
	Desc device.TextureDescriptor

	// Upload.
	Rect   geom.IntRect
	Layer  int
	Stride int
	Data   []byte

	// External, when set, sources the upload from a locked external image
	// instead of Data.
	External *ExternalImageRef
}

// ExternalImageRef names one channel of an embedder-owned image.
type ExternalImageRef struct {
	ID      ExternalImageID
	Channel int
}

// ExternalImageSource discriminates what a lock returned.
type ExternalImageSource uint8

const (
	// ExternalSourceInvalid means the lock failed; the engine substitutes
	// filler content and keeps the frame.
	ExternalSourceInvalid ExternalImageSource = iota

	// ExternalSourceRawData is CPU-resident texel bytes.
	ExternalSourceRawData

	// ExternalSourceNativeTexture is an already-resident GPU texture.
	ExternalSourceNativeTexture
)

// ExternalImage is the result of locking an external image: its normalized
// UV rectangle plus the pixel source.
type ExternalImage struct {
	// UV is (u0, v0, u1, v1) in normalized texture coordinates.
	UV [4]float32

	Source ExternalImageSource

	// Size is the image size in pixels, valid for every source kind (for
	// ExternalSourceInvalid it sizes the filler buffer).
	Size geom.IntSize

	// Data holds texels for ExternalSourceRawData.
	Data []byte

	// Texture is the resident texture for ExternalSourceNativeTexture.
	Texture *device.Texture
}

// ExternalImageHandler locks embedder-owned images for the duration of one
// frame. Lock/Unlock pairs bracket renderImpl: every image locked during
// deferred resolution is unlocked after the last document draws.
type ExternalImageHandler interface {
	Lock(id ExternalImageID, channel int) ExternalImage
	Unlock(id ExternalImageID, channel int)
}

// DeferredResolve is an external image whose UV rect is only known at draw
// time. prepareGPUCache locks the image, writes the UV rect to Address, and
// registers the texture for SourceExternal binds.
type DeferredResolve struct {
	Image   ExternalImageRef
	Address GPUCacheAddress

	// ExpectedSize sizes the filler buffer when the lock fails.
	ExpectedSize geom.IntSize
}
