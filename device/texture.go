// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"github.com/gogpu/flare/geom"
)

// Texture is a GPU texture array tracked by the frame-execution engine.
//
// The struct is created only by a Device and owned by exactly one holder at
// a time: the render-target pool, an active-texture lease, or a persistent
// texture-cache map. The engine moves ownership between those holders; the
// Device only allocates and frees.
type Texture struct {
	size         geom.IntSize
	layers       int
	format       TextureFormat
	filter       Filter
	renderTarget bool

	// lastFrameUsed tags the texture for pool eviction decisions.
	lastFrameUsed FrameID

	// backend is the device-private resource handle.
	backend any

	destroyed bool
}

// Size returns the texture dimensions in pixels.
func (t *Texture) Size() geom.IntSize { return t.size }

// Layers returns the array layer count.
func (t *Texture) Layers() int { return t.layers }

// Format returns the texel format.
func (t *Texture) Format() TextureFormat { return t.format }

// Filter returns the sampling filter.
func (t *Texture) Filter() Filter { return t.filter }

// IsRenderTarget reports whether the texture may be bound as a draw target.
func (t *Texture) IsRenderTarget() bool { return t.renderTarget }

// SizeInBytes returns the total texel byte size across all layers.
func (t *Texture) SizeInBytes() int64 {
	if t == nil {
		return 0
	}
	return t.size.Area() * int64(t.format.BytesPerPixel()) * int64(t.layers)
}

// LastFrameUsed returns the frame id recorded by the last MarkUsed call.
func (t *Texture) LastFrameUsed() FrameID { return t.lastFrameUsed }

// MarkUsed records that the texture was used during frame id.
func (t *Texture) MarkUsed(id FrameID) { t.lastFrameUsed = id }

// IsDestroyed reports whether the owning device has freed the texture.
func (t *Texture) IsDestroyed() bool { return t == nil || t.destroyed }

// FullRect returns the rectangle covering the whole texture.
func (t *Texture) FullRect() geom.IntRect {
	return geom.IntRect{Size: t.size}
}
