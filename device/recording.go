// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"fmt"

	"github.com/gogpu/flare/geom"
)

// RecordingCounters are the cumulative operation counts of a RecordingDevice.
type RecordingCounters struct {
	TexturesCreated  int
	TexturesDeleted  int
	UploadCalls      int
	UploadedBytes    int64
	BlitCalls        int
	ClearCalls       int
	DrawCalls        int
	DrawnInstances   int
	PointDraws       int
	DrawnPoints      int
	ProgramsCreated  int
	ProgramsDeleted  int
	TargetsDiscarded int
	FramesBegun      int
}

// RecordingDevice is a deterministic in-memory Device used by tests and
// headless tools. It tracks live resources, counts every operation, and keeps
// uploaded texel bytes readable so tests can verify GPU-cache round trips.
//
// Like every Device it is single-goroutine; it additionally panics on misuse
// (resource calls outside a frame bracket, operating on freed textures) so
// tests catch ordering bugs instead of recording garbage.
type RecordingDevice struct {
	caps    Capabilities
	frame   FrameID
	inFrame bool
	closed  bool

	// texels holds per-layer texel bytes for every live texture.
	texels map[*Texture][][]byte

	programs map[*Program]string

	boundProgram *Program
	boundTarget  *Texture
	boundLayer   int
	boundSamples map[TextureSlot]*Texture

	// CompileErr, when set, fails every CreateProgram call with this error.
	// Tests use it to exercise the construction-time fatal path.
	CompileErr error

	Counters RecordingCounters
}

var _ Device = (*RecordingDevice)(nil)

// NewRecordingDevice creates a recording device with the given maximum
// texture dimension. A maxTextureSize of 0 defaults to 8192. The device
// reports a scatter-capable adapter so both GPU-cache buses are testable.
func NewRecordingDevice(maxTextureSize int) *RecordingDevice {
	if maxTextureSize <= 0 {
		maxTextureSize = 8192
	}
	return &RecordingDevice{
		caps: Capabilities{
			MaxTextureSize:             maxTextureSize,
			SupportsScatter:            true,
			SupportsDualSourceBlending: true,
			VendorName:                 "flare",
			DeviceName:                 "recording",
		},
		texels:       make(map[*Texture][][]byte),
		programs:     make(map[*Program]string),
		boundSamples: make(map[TextureSlot]*Texture),
	}
}

// BeginFrame opens a frame bracket and returns its id.
func (d *RecordingDevice) BeginFrame() FrameID {
	if d.inFrame {
		panic("device: BeginFrame inside an open frame bracket")
	}
	d.inFrame = true
	d.frame++
	d.Counters.FramesBegun++
	return d.frame
}

// EndFrame closes the bracket.
func (d *RecordingDevice) EndFrame() {
	if !d.inFrame {
		panic("device: EndFrame without BeginFrame")
	}
	d.inFrame = false
	d.boundTarget = nil
	d.boundProgram = nil
	clear(d.boundSamples)
}

// FrameID returns the id of the current (or last) frame bracket.
func (d *RecordingDevice) FrameID() FrameID { return d.frame }

// InFrame reports whether a frame bracket is open.
func (d *RecordingDevice) InFrame() bool { return d.inFrame }

// CreateTexture allocates an in-memory texture.
func (d *RecordingDevice) CreateTexture(desc TextureDescriptor) (*Texture, error) {
	d.requireFrame("CreateTexture")
	if desc.Size.IsEmpty() || desc.Layers <= 0 {
		return nil, fmt.Errorf("%w: %dx%d, %d layers",
			ErrInvalidTextureSize, desc.Size.Width, desc.Size.Height, desc.Layers)
	}
	if desc.Size.Width > d.caps.MaxTextureSize || desc.Size.Height > d.caps.MaxTextureSize {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d",
			ErrTextureTooLarge, desc.Size.Width, desc.Size.Height, d.caps.MaxTextureSize)
	}
	t := &Texture{
		size:          desc.Size,
		layers:        desc.Layers,
		format:        desc.Format,
		filter:        desc.Filter,
		renderTarget:  desc.RenderTarget,
		lastFrameUsed: d.frame,
	}
	layerBytes := desc.Size.Area() * int64(desc.Format.BytesPerPixel())
	layers := make([][]byte, desc.Layers)
	for i := range layers {
		layers[i] = make([]byte, layerBytes)
	}
	d.texels[t] = layers
	d.Counters.TexturesCreated++
	return t, nil
}

// DeleteTexture frees a texture. Safe on nil.
func (d *RecordingDevice) DeleteTexture(t *Texture) {
	if t == nil {
		return
	}
	if _, ok := d.texels[t]; !ok {
		panic("device: DeleteTexture on unknown or freed texture")
	}
	delete(d.texels, t)
	t.destroyed = true
	d.Counters.TexturesDeleted++
}

// InvalidateRenderTarget records a content discard without freeing.
func (d *RecordingDevice) InvalidateRenderTarget(t *Texture) {
	if t == nil {
		return
	}
	d.mustLive(t)
	d.Counters.TargetsDiscarded++
}

// BindTexture binds t for sampling at slot. A nil texture clears the slot.
func (d *RecordingDevice) BindTexture(slot TextureSlot, t *Texture) {
	if t == nil {
		delete(d.boundSamples, slot)
		return
	}
	d.mustLive(t)
	d.boundSamples[slot] = t
}

// BoundTexture returns the texture currently bound at slot, or nil.
func (d *RecordingDevice) BoundTexture(slot TextureSlot) *Texture {
	return d.boundSamples[slot]
}

// BindDrawTarget directs draws into one layer of t.
func (d *RecordingDevice) BindDrawTarget(t *Texture, layer int, rect geom.IntRect) {
	d.requireFrame("BindDrawTarget")
	d.mustLive(t)
	if !t.renderTarget {
		panic("device: BindDrawTarget on a non-renderable texture")
	}
	if layer < 0 || layer >= t.layers {
		panic("device: BindDrawTarget layer out of range")
	}
	_ = rect
	d.boundTarget = t
	d.boundLayer = layer
}

// BindMainFramebuffer directs draws into the window framebuffer.
func (d *RecordingDevice) BindMainFramebuffer(size geom.IntSize) {
	d.requireFrame("BindMainFramebuffer")
	_ = size
	d.boundTarget = nil
	d.boundLayer = 0
}

// BoundTarget returns the current draw-target texture (nil for the main
// framebuffer) and layer.
func (d *RecordingDevice) BoundTarget() (*Texture, int) {
	return d.boundTarget, d.boundLayer
}

// Uploader starts a batched upload session into t.
func (d *RecordingDevice) Uploader(t *Texture) TextureUploader {
	d.requireFrame("Uploader")
	d.mustLive(t)
	return &recordingUploader{dev: d, tex: t}
}

// Blit copies texels between renderable textures.
func (d *RecordingDevice) Blit(src *Texture, srcLayer int, srcRect geom.IntRect, dst *Texture, dstLayer int, dstRect geom.IntRect) {
	d.requireFrame("Blit")
	d.mustLive(src)
	d.mustLive(dst)
	d.Counters.BlitCalls++
	if src.format != dst.format || srcRect.Size != dstRect.Size {
		// Format conversion and stretch blits go through a draw on real
		// hardware; the recording device only replays same-size copies.
		return
	}
	bpp := src.format.BytesPerPixel()
	from := d.texels[src][srcLayer]
	to := d.texels[dst][dstLayer]
	for row := 0; row < srcRect.Size.Height; row++ {
		srcOff := ((srcRect.Origin.Y+row)*src.size.Width + srcRect.Origin.X) * bpp
		dstOff := ((dstRect.Origin.Y+row)*dst.size.Width + dstRect.Origin.X) * bpp
		n := srcRect.Size.Width * bpp
		copy(to[dstOff:dstOff+n], from[srcOff:srcOff+n])
	}
}

// ClearTarget clears the bound draw target.
func (d *RecordingDevice) ClearTarget(color *geom.ColorF, depth *float32, rect *geom.IntRect) {
	d.requireFrame("ClearTarget")
	_ = color
	_ = depth
	_ = rect
	d.Counters.ClearCalls++
}

// CreateProgram records a compiled program, or fails with CompileErr.
func (d *RecordingDevice) CreateProgram(name, source string) (*Program, error) {
	if d.CompileErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProgramCompile, name, d.CompileErr)
	}
	p := &Program{name: name}
	d.programs[p] = source
	d.Counters.ProgramsCreated++
	return p, nil
}

// DeleteProgram forgets a program. Safe on nil.
func (d *RecordingDevice) DeleteProgram(p *Program) {
	if p == nil {
		return
	}
	delete(d.programs, p)
	d.Counters.ProgramsDeleted++
}

// BindProgram makes p current.
func (d *RecordingDevice) BindProgram(p *Program) {
	d.boundProgram = p
}

// DrawInstanced counts an instanced draw.
func (d *RecordingDevice) DrawInstanced(instanceData []byte, instanceCount int) {
	d.requireFrame("DrawInstanced")
	if d.boundProgram == nil {
		panic("device: DrawInstanced without a bound program")
	}
	_ = instanceData
	d.Counters.DrawCalls++
	d.Counters.DrawnInstances += instanceCount
}

// DrawPoints counts a point draw (the GPU-cache scatter path).
func (d *RecordingDevice) DrawPoints(vertexData []byte, count int) {
	d.requireFrame("DrawPoints")
	if d.boundProgram == nil {
		panic("device: DrawPoints without a bound program")
	}
	_ = vertexData
	d.Counters.PointDraws++
	d.Counters.DrawnPoints += count
}

// Capabilities returns the synthetic adapter capabilities.
func (d *RecordingDevice) Capabilities() Capabilities { return d.caps }

// SetScatterSupport overrides the scatter capability, letting tests force
// the pixel-buffer bus.
func (d *RecordingDevice) SetScatterSupport(on bool) {
	d.caps.SupportsScatter = on
}

// CollectTimers returns one synthetic timer per completed frame.
func (d *RecordingDevice) CollectTimers() []GPUTimer {
	if d.frame == 0 {
		return nil
	}
	return []GPUTimer{{Label: "frame", Nanoseconds: 1_000_000}}
}

// Close frees every live resource.
func (d *RecordingDevice) Close() {
	if d.closed {
		return
	}
	for t := range d.texels {
		t.destroyed = true
	}
	d.texels = nil
	d.programs = nil
	d.closed = true
}

// LiveTextures returns the number of textures currently allocated.
func (d *RecordingDevice) LiveTextures() int { return len(d.texels) }

// TexturePixels returns the stored texel bytes of one layer of t. The
// returned slice aliases device memory; tests must not hold it across a
// DeleteTexture.
func (d *RecordingDevice) TexturePixels(t *Texture, layer int) []byte {
	layers, ok := d.texels[t]
	if !ok {
		panic("device: TexturePixels on unknown or freed texture")
	}
	return layers[layer]
}

func (d *RecordingDevice) requireFrame(op string) {
	if d.closed {
		panic("device: " + op + " on a closed device")
	}
	if !d.inFrame {
		panic("device: " + op + " outside a frame bracket")
	}
}

func (d *RecordingDevice) mustLive(t *Texture) {
	if t == nil {
		panic("device: nil texture")
	}
	if _, ok := d.texels[t]; !ok {
		panic("device: use of freed texture")
	}
}

// recordingUploader writes rect uploads straight into the texel store.
type recordingUploader struct {
	dev *RecordingDevice
	tex *Texture
}

func (u *recordingUploader) Upload(rect geom.IntRect, layer int, stride int, data []byte) int {
	u.dev.mustLive(u.tex)
	bpp := u.tex.format.BytesPerPixel()
	if stride <= 0 {
		stride = rect.Size.Width * bpp
	}
	dst := u.dev.texels[u.tex][layer]
	rowBytes := rect.Size.Width * bpp
	for row := 0; row < rect.Size.Height; row++ {
		srcOff := row * stride
		dstOff := ((rect.Origin.Y+row)*u.tex.size.Width + rect.Origin.X) * bpp
		copy(dst[dstOff:dstOff+rowBytes], data[srcOff:srcOff+rowBytes])
	}
	n := rect.Size.Height * rowBytes
	u.dev.Counters.UploadCalls++
	u.dev.Counters.UploadedBytes += int64(n)
	return n
}

func (u *recordingUploader) Close() {}
