// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package device defines the thread-affine GPU abstraction consumed by the
// flare frame-execution engine.
//
// A Device owns concrete GPU resources: textures, compiled programs, and the
// command stream. All calls except program management and capability queries
// must happen between BeginFrame and EndFrame, and all calls must come from
// the single goroutine that owns the device — the underlying graphics context
// is thread-affine and the engine relies on that affinity instead of locks.
//
// Two implementations ship with the package:
//
//   - HALDevice executes against gogpu/wgpu (Vulkan and friends) and compiles
//     WGSL programs through gogpu/naga.
//   - RecordingDevice is a deterministic in-memory device used by tests and
//     headless tools; it tracks live resources, counts draws, and keeps
//     uploaded texel bytes readable.
package device

import (
	"errors"

	"github.com/gogpu/flare/geom"
)

// Device errors.
var (
	// ErrDeviceClosed is returned when operating on a closed device.
	ErrDeviceClosed = errors.New("device: device is closed")

	// ErrInvalidTextureSize is returned when texture dimensions are not positive.
	ErrInvalidTextureSize = errors.New("device: invalid texture size")

	// ErrTextureTooLarge is returned when a requested texture exceeds the
	// device's maximum dimension.
	ErrTextureTooLarge = errors.New("device: texture exceeds device limits")

	// ErrProgramCompile is returned when program compilation fails.
	ErrProgramCompile = errors.New("device: program compilation failed")

	// ErrNoAdapter is returned when no usable GPU adapter is found.
	ErrNoAdapter = errors.New("device: no GPU adapter available")
)

// FrameID identifies one device frame. It increases by one per
// BeginFrame/EndFrame bracket and tags resource usage for pool eviction.
type FrameID uint64

// Next returns the id of the following frame.
func (id FrameID) Next() FrameID {
	return id + 1
}

// TextureSlot is a sampler binding index. The engine assigns fixed slots to
// its inputs (batch color textures, previous-pass outputs, the GPU cache).
type TextureSlot int

// TextureFormat is the texel format of a device texture.
type TextureFormat uint8

const (
	// FormatInvalid is the zero value and never a valid texture format.
	FormatInvalid TextureFormat = iota

	// FormatR8 is single-channel 8-bit (alpha masks).
	FormatR8

	// FormatRGBA8 is 8-bit RGBA.
	FormatRGBA8

	// FormatBGRA8 is 8-bit BGRA, the usual swapchain order.
	FormatBGRA8

	// FormatRGBAF32 is 32-bit float RGBA (the GPU data cache).
	FormatRGBAF32
)

// String returns the format name.
func (f TextureFormat) String() string {
	switch f {
	case FormatR8:
		return "R8"
	case FormatRGBA8:
		return "RGBA8"
	case FormatBGRA8:
		return "BGRA8"
	case FormatRGBAF32:
		return "RGBAF32"
	default:
		return "Invalid"
	}
}

// BytesPerPixel returns the texel size in bytes.
func (f TextureFormat) BytesPerPixel() int {
	switch f {
	case FormatR8:
		return 1
	case FormatRGBA8, FormatBGRA8:
		return 4
	case FormatRGBAF32:
		return 16
	default:
		return 0
	}
}

// Filter is the sampling filter of a texture.
type Filter uint8

const (
	// FilterLinear is bilinear sampling.
	FilterLinear Filter = iota

	// FilterNearest is point sampling.
	FilterNearest
)

// String returns the filter name.
func (f Filter) String() string {
	if f == FilterNearest {
		return "Nearest"
	}
	return "Linear"
}

// TextureDescriptor describes a texture to create. Layers picks the array
// layer count (1 for plain 2D textures); RenderTarget allocates the texture
// so it can be bound as a draw target.
type TextureDescriptor struct {
	Label        string
	Size         geom.IntSize
	Layers       int
	Format       TextureFormat
	Filter       Filter
	RenderTarget bool
}

// TextureUploader batches rectangle uploads into one texture. Multiple
// Upload calls may coalesce into a single transfer; Close flushes anything
// still pending. Upload returns the number of payload bytes consumed.
type TextureUploader interface {
	Upload(rect geom.IntRect, layer int, stride int, data []byte) int
	Close()
}

// Capabilities reports what the adapter can do. Probed once at device
// creation and constant afterwards.
type Capabilities struct {
	// MaxTextureSize is the maximum texture dimension in pixels.
	MaxTextureSize int

	// SupportsScatter reports whether the device can run the point-scatter
	// path that writes GPU-cache blocks from a vertex stream.
	SupportsScatter bool

	// SupportsDualSourceBlending reports dual-source blend support
	// (subpixel text compositing).
	SupportsDualSourceBlending bool

	// VendorName and DeviceName identify the adapter for logs.
	VendorName string
	DeviceName string
}

// GPUTimer is one resolved GPU timer query from a finished frame.
type GPUTimer struct {
	Label       string
	Nanoseconds uint64
}

// Program is a compiled device program (shader pair). The concrete contents
// are backend-owned; the engine only binds and releases it.
type Program struct {
	name    string
	backend any
}

// Name returns the program's debug name.
func (p *Program) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

// Device is the GPU contract the frame-execution engine draws through.
//
// Resource and draw calls (textures, binds, uploads, blits, clears, draws)
// are only legal between BeginFrame and EndFrame. Program management and
// Capabilities are legal at any time before Close.
type Device interface {
	// BeginFrame opens a frame bracket and returns its id.
	BeginFrame() FrameID

	// EndFrame closes the bracket and submits pending work.
	EndFrame()

	// CreateTexture allocates a texture per the descriptor.
	CreateTexture(desc TextureDescriptor) (*Texture, error)

	// DeleteTexture releases a texture. Safe on nil.
	DeleteTexture(t *Texture)

	// InvalidateRenderTarget discards target contents without freeing the
	// texture, so the driver can skip preserving them.
	InvalidateRenderTarget(t *Texture)

	// BindTexture binds t for sampling at the given slot.
	BindTexture(slot TextureSlot, t *Texture)

	// BindDrawTarget directs draws into one layer of a render-target
	// texture, viewport-limited to rect.
	BindDrawTarget(t *Texture, layer int, rect geom.IntRect)

	// BindMainFramebuffer directs draws into the window framebuffer.
	BindMainFramebuffer(size geom.IntSize)

	// Uploader starts a batched upload session into t.
	Uploader(t *Texture) TextureUploader

	// Blit copies a rectangle between renderable textures.
	Blit(src *Texture, srcLayer int, srcRect geom.IntRect, dst *Texture, dstLayer int, dstRect geom.IntRect)

	// ClearTarget clears the bound draw target. Nil color or depth skips
	// that channel; nil rect clears the full target.
	ClearTarget(color *geom.ColorF, depth *float32, rect *geom.IntRect)

	// CreateProgram compiles WGSL source into a bindable program.
	CreateProgram(name, source string) (*Program, error)

	// DeleteProgram releases a program. Safe on nil.
	DeleteProgram(p *Program)

	// BindProgram makes p current for subsequent draws.
	BindProgram(p *Program)

	// DrawInstanced issues an instanced quad draw. instanceData carries the
	// packed per-instance records; instanceCount is their number.
	DrawInstanced(instanceData []byte, instanceCount int)

	// DrawPoints issues a non-indexed point draw with the packed vertex
	// stream (the GPU-cache scatter path).
	DrawPoints(vertexData []byte, count int)

	// Capabilities returns the probed adapter capabilities.
	Capabilities() Capabilities

	// CollectTimers returns the previous frame's resolved GPU timers.
	// The call never blocks on in-flight queries.
	CollectTimers() []GPUTimer

	// Close releases all device resources. The device is unusable after.
	Close()
}
