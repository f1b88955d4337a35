package flare

// DocumentID identifies one independent document (for example, a browser
// tab's content area versus its chrome). Documents render in layer order.
type DocumentID uint32

// PipelineID identifies one content pipeline within a document.
type PipelineID struct {
	Namespace uint32
	ID        uint32
}

// Epoch is a pipeline content generation counter.
type Epoch uint32

// CacheFrameID is the GPU-cache epoch: the generation of cache contents a
// frame was built against. A frame must never draw before its epoch has been
// applied to the cache texture.
type CacheFrameID uint32

// SavedTargetIndex addresses a render target whose lifetime was extended
// past its producing pass. Indices are assigned in strictly increasing push
// order; SavedTargetNone marks an unsaved target.
type SavedTargetIndex int

// SavedTargetNone is the SavedTargetIndex of a target that is not saved.
const SavedTargetNone SavedTargetIndex = -1

// CacheTextureID identifies an entry in the persistent texture-cache map.
type CacheTextureID uint64

// ExternalImageID identifies an image owned by the embedder and locked on
// demand through the ExternalImageHandler.
type ExternalImageID uint64

// NativeSurfaceID identifies a surface owned by the OS compositor.
type NativeSurfaceID uint64

// NativeTileID identifies one tile of a native compositor surface.
type NativeTileID struct {
	Surface NativeSurfaceID
	X, Y    int
}
