//go:build !nogpu

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
	types "github.com/gogpu/gputypes"

	"github.com/gogpu/flare/geom"
)

// DeviceHandle provides GPU device access from the host application.
//
// The host (e.g. gogpu.App) owns the adapter and swapchain; flare receives
// the handle and never creates a device of its own. DeviceHandle is an alias
// for gpucontext.DeviceProvider so any gpucontext host plugs in directly.
type DeviceHandle = gpucontext.DeviceProvider

// halTextureSlots is the number of sampler slots the backend snapshots.
// Covers every fixed slot the engine assigns.
const halTextureSlots = 8

// halUniformSize is the projection uniform block: one mat4x4<f32>.
const halUniformSize = 64

// halClearSource clears a scissored region by drawing a fullscreen triangle
// in a uniform color. Load-op clears cover the whole attachment; this covers
// the partial-rect case.
const halClearSource = `
struct ClearColor {
    color: vec4<f32>,
};

@group(0) @binding(0) var<uniform> clear: ClearColor;

@vertex
fn vs_main(@builtin(vertex_index) vi: u32) -> @builtin(position) vec4<f32> {
    let x = f32(i32(vi) / 2) * 4.0 - 1.0;
    let y = f32(i32(vi) % 2) * 4.0 - 1.0;
    return vec4<f32>(x, y, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return clear.color;
}
`

// halTexture is the backend payload of a Texture on the HAL device.
type halTexture struct {
	texture hal.Texture
	// views are per-layer 2D views, created lazily for render attachment
	// and sampling alike.
	views map[int]hal.TextureView
}

// halProgram is the backend payload of a Program on the HAL device.
type halProgram struct {
	module hal.ShaderModule
	// pipelines are built lazily per (target format, instance stride,
	// topology) as draws using this program reach the flush.
	pipelines map[halPipelineKey]hal.RenderPipeline
}

// halPipelineKey identifies one pipeline variant of a program.
type halPipelineKey struct {
	format types.TextureFormat
	stride int
	points bool
}

type halOpKind uint8

const (
	halOpDraw halOpKind = iota
	halOpClear
	halOpBlit
)

// halOp is one operation staged during the frame bracket. Draws, clears, and
// blits share a single stream so they encode in submission order.
type halOp struct {
	kind   halOpKind
	target *Texture // nil for the main framebuffer
	layer  int
	size   geom.IntSize // bound target size at stage time

	// draw
	program    *Program
	buffer     hal.Buffer
	stride     int
	count      int
	points     bool
	texture    *Texture // sampled color input at stage time
	filter     Filter
	projection [16]float32

	// clear
	clearColor gputypes.Color
	clearRect  *geom.IntRect // nil clears the whole target

	// blit
	blitSrc  *Texture
	blitDst  *Texture
	srcLayer int
	dstLayer int
	srcRect  geom.IntRect
	dstRect  geom.IntRect
}

// HALDevice implements Device over gogpu/wgpu's hardware abstraction layer,
// compiling WGSL programs through gogpu/naga. It is thread-affine like every
// Device; the HAL resources it creates belong to the render goroutine.
type HALDevice struct {
	device hal.Device
	queue  hal.Queue
	host   DeviceHandle
	caps   Capabilities

	// surfaceFormat is the host swapchain format the main framebuffer
	// pass renders into.
	surfaceFormat TextureFormat

	frame   FrameID
	inFrame bool
	closed  bool

	textures map[*Texture]*halTexture
	programs map[*Program]*halProgram

	boundProgram  *Program
	boundTarget   *Texture
	boundLayer    int
	boundTextures [halTextureSlots]*Texture
	targetSize    geom.IntSize
	projection    [16]float32

	// ops staged this frame, encoded and submitted at EndFrame.
	ops          []halOp
	frameBuffers []hal.Buffer
	frameGroups  []hal.BindGroup

	// mainTex stands in for the swapchain image: the host presents it
	// after EndFrame. gpucontext exposes no surface view, so the backend
	// owns the presentation target.
	mainTex  hal.Texture
	mainView hal.TextureView
	mainSize geom.IntSize

	// Shared pipeline plumbing, created on first flush.
	drawLayout      hal.BindGroupLayout
	drawPipeLayout  hal.PipelineLayout
	pointPipeLayout hal.PipelineLayout
	clearLayout     hal.BindGroupLayout
	clearPipeLayout hal.PipelineLayout
	clearModule     hal.ShaderModule
	clearPipelines  map[types.TextureFormat]hal.RenderPipeline

	samplerLinear  hal.Sampler
	samplerNearest hal.Sampler

	// dummyTex backs draws whose program samples nothing meaningful.
	dummyTex  hal.Texture
	dummyView hal.TextureView
}

var _ Device = (*HALDevice)(nil)

// NewHALDevice wraps an already-acquired HAL device and queue. The limits
// come from the adapter probe (core.GetDeviceLimits); nil falls back to the
// WebGPU defaults. host may be nil when flare owns the whole device.
func NewHALDevice(dev hal.Device, queue hal.Queue, limits *types.Limits, host DeviceHandle) (*HALDevice, error) {
	if dev == nil || queue == nil {
		return nil, ErrNoAdapter
	}
	lim := types.DefaultLimits()
	if limits != nil {
		lim = *limits
	}
	d := &HALDevice{
		device: dev,
		queue:  queue,
		host:   host,
		caps: Capabilities{
			MaxTextureSize: int(lim.MaxTextureDimension2D),
			// The scatter path needs renderable float targets, which the
			// wgpu HAL guarantees on every backend it exposes.
			SupportsScatter:            true,
			SupportsDualSourceBlending: false,
			VendorName:                 "wgpu",
			DeviceName:                 "hal",
		},
		textures:       make(map[*Texture]*halTexture),
		programs:       make(map[*Program]*halProgram),
		clearPipelines: make(map[types.TextureFormat]hal.RenderPipeline),
		surfaceFormat:  FormatBGRA8,
	}
	if host != nil {
		d.surfaceFormat = formatFromSurface(host.SurfaceFormat())
	}
	return d, nil
}

// SurfaceFormat returns the texel format of the host swapchain, which the
// main framebuffer composite renders into. Without a host it defaults to
// BGRA8, the common swapchain order.
func (d *HALDevice) SurfaceFormat() TextureFormat { return d.surfaceFormat }

// FrameTexture returns the texture the main framebuffer pass rendered into.
// The host copies or presents it after EndFrame. Nil before the first frame
// that drew to the main framebuffer.
func (d *HALDevice) FrameTexture() hal.Texture { return d.mainTex }

// formatFromSurface maps the host's gputypes swapchain format onto an
// engine format. Unhandled formats fall back to BGRA8.
func formatFromSurface(f gputypes.TextureFormat) TextureFormat {
	switch f {
	case gputypes.TextureFormatRGBA8Unorm:
		return FormatRGBA8
	case gputypes.TextureFormatBGRA8Unorm:
		return FormatBGRA8
	default:
		return FormatBGRA8
	}
}

// BeginFrame opens a frame bracket.
func (d *HALDevice) BeginFrame() FrameID {
	d.frame++
	d.inFrame = true
	return d.frame
}

// EndFrame encodes the staged ops into one command buffer, submits it with
// a fence, waits bounded for completion, then frees per-frame resources.
func (d *HALDevice) EndFrame() {
	d.inFrame = false
	d.flushOps()
	for _, g := range d.frameGroups {
		d.device.DestroyBindGroup(g)
	}
	d.frameGroups = d.frameGroups[:0]
	for _, b := range d.frameBuffers {
		d.device.DestroyBuffer(b)
	}
	d.frameBuffers = d.frameBuffers[:0]
	if d.host != nil {
		if dev, ok := d.host.Device().(interface{ Poll(wait bool) bool }); ok {
			dev.Poll(false)
		}
	}
}

// flushOps replays the staged op stream: blits encode as texture copies,
// runs of draws and clears sharing a target become one render pass each.
// The stream always resets before returning; its vertex buffers die with
// the frame, so ops must never outlive it.
func (d *HALDevice) flushOps() {
	if len(d.ops) == 0 {
		return
	}
	ops := d.ops
	defer func() { d.ops = d.ops[:0] }()

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "flare-frame"})
	if err != nil {
		return
	}
	if err := encoder.BeginEncoding("flare-frame"); err != nil {
		return
	}

	i := 0
	for i < len(ops) {
		if ops[i].kind == halOpBlit {
			d.encodeBlit(encoder, &ops[i])
			i++
			continue
		}
		end := halPassEnd(ops, i)
		if err := d.encodePass(encoder, ops[i:end]); err != nil {
			encoder.DiscardEncoding()
			return
		}
		i = end
	}

	cmd, err := encoder.EndEncoding()
	if err != nil {
		return
	}
	defer d.device.FreeCommandBuffer(cmd)

	fence, err := d.device.CreateFence()
	if err != nil {
		_ = d.queue.Submit([]hal.CommandBuffer{cmd}, nil, 0)
		return
	}
	defer d.device.DestroyFence(fence)
	if err := d.queue.Submit([]hal.CommandBuffer{cmd}, fence, 1); err != nil {
		return
	}
	_, _ = d.device.Wait(fence, 1, 5_000_000_000)
}

// halPassEnd returns the index one past the last op that can join the render
// pass starting at start: draws and clears on the same target and layer.
// Blits always break a pass, copies cannot encode inside one.
func halPassEnd(ops []halOp, start int) int {
	end := start + 1
	for end < len(ops) &&
		ops[end].kind != halOpBlit &&
		ops[end].target == ops[start].target &&
		ops[end].layer == ops[start].layer {
		end++
	}
	return end
}

// foldLeadingClear folds a whole-target clear at the head of a pass into the
// pass load op, which is cheaper than a scissored clear draw. Returns the
// remaining ops and the load op to begin the pass with.
func foldLeadingClear(ops []halOp, size geom.IntSize) ([]halOp, gputypes.LoadOp, gputypes.Color) {
	if len(ops) == 0 || ops[0].kind != halOpClear {
		return ops, gputypes.LoadOpLoad, gputypes.Color{}
	}
	r := ops[0].clearRect
	full := r == nil || (r.Origin.X <= 0 && r.Origin.Y <= 0 &&
		r.Origin.X+r.Size.Width >= size.Width && r.Origin.Y+r.Size.Height >= size.Height)
	if !full {
		return ops, gputypes.LoadOpLoad, gputypes.Color{}
	}
	return ops[1:], gputypes.LoadOpClear, ops[0].clearColor
}

// encodePass encodes one run of draws and clears into a render pass on the
// run's shared target.
func (d *HALDevice) encodePass(encoder hal.CommandEncoder, ops []halOp) error {
	view, format, size, err := d.targetView(ops[0].target, ops[0].layer, ops[0].size)
	if err != nil {
		return err
	}
	if view == nil {
		// Target deleted before the flush; drop the run.
		return nil
	}
	if err := d.ensureSharedState(); err != nil {
		return err
	}

	ops, loadOp, clearValue := foldLeadingClear(ops, size)

	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "flare-pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     loadOp,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: clearValue,
		}},
	})

	var uniform hal.Buffer
	for i := range ops {
		op := &ops[i]
		var err error
		switch op.kind {
		case halOpClear:
			err = d.encodeClear(rp, op, format, size)
		case halOpDraw:
			err = d.encodeDraw(rp, op, format, &uniform)
		}
		if err != nil {
			rp.End()
			return err
		}
	}
	rp.End()
	return nil
}

// encodeBlit records a staged rectangle copy. Skipped silently when either
// side was deleted before the flush.
func (d *HALDevice) encodeBlit(encoder hal.CommandEncoder, op *halOp) {
	hs, ok := d.textures[op.blitSrc]
	if !ok {
		return
	}
	hd, ok := d.textures[op.blitDst]
	if !ok {
		return
	}
	encoder.CopyTextureToTexture(hs.texture, hd.texture, []hal.TextureCopy{{
		SrcBase: hal.ImageCopyTexture{
			Texture:  hs.texture,
			MipLevel: 0,
			Origin:   hal.Origin3D{X: uint32(op.srcRect.Origin.X), Y: uint32(op.srcRect.Origin.Y), Z: uint32(op.srcLayer)},
			Aspect:   types.TextureAspectAll,
		},
		DstBase: hal.ImageCopyTexture{
			Texture:  hd.texture,
			MipLevel: 0,
			Origin:   hal.Origin3D{X: uint32(op.dstRect.Origin.X), Y: uint32(op.dstRect.Origin.Y), Z: uint32(op.dstLayer)},
			Aspect:   types.TextureAspectAll,
		},
		Size: hal.Extent3D{
			Width:              uint32(op.srcRect.Size.Width),
			Height:             uint32(op.srcRect.Size.Height),
			DepthOrArrayLayers: 1,
		},
	}})
}

// encodeDraw sets the program's pipeline variant, the projection and sampler
// bind group, and the staged vertex buffer, then issues the draw. The pass
// shares one projection uniform, the whole run binds the same target.
func (d *HALDevice) encodeDraw(rp hal.RenderPassEncoder, op *halOp, format types.TextureFormat, uniform *hal.Buffer) error {
	hp, ok := d.programs[op.program]
	if !ok {
		return nil
	}
	pipe, err := d.programPipeline(hp, op, format)
	if err != nil {
		return err
	}
	rp.SetPipeline(pipe)

	if !op.points {
		if *uniform == nil {
			buf, err := d.newFrameBuffer("flare-projection", halF32Bytes(op.projection[:]), types.BufferUsageUniform)
			if err != nil {
				return err
			}
			*uniform = buf
		}
		group, err := d.drawBindGroup(*uniform, op.texture, op.filter)
		if err != nil {
			return err
		}
		d.frameGroups = append(d.frameGroups, group)
		rp.SetBindGroup(0, group, nil)
	}

	rp.SetVertexBuffer(0, op.buffer, 0)
	if op.points {
		rp.Draw(uint32(op.count), 1, 0, 0)
	} else {
		rp.Draw(4, uint32(op.count), 0, 0)
	}
	return nil
}

// encodeClear draws a scissored fullscreen triangle in the clear color.
// Whole-target clears at a pass head never reach here, foldLeadingClear
// turns those into the load op.
func (d *HALDevice) encodeClear(rp hal.RenderPassEncoder, op *halOp, format types.TextureFormat, size geom.IntSize) error {
	pipe, err := d.clearPipeline(format)
	if err != nil {
		return err
	}
	color := []float32{
		float32(op.clearColor.R), float32(op.clearColor.G),
		float32(op.clearColor.B), float32(op.clearColor.A),
	}
	buf, err := d.newFrameBuffer("flare-clear-color", halF32Bytes(color), types.BufferUsageUniform)
	if err != nil {
		return err
	}
	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "flare-clear-bind",
		Layout: d.clearLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: 0, Size: 16}},
		},
	})
	if err != nil {
		return fmt.Errorf("device: clear bind group: %w", err)
	}
	d.frameGroups = append(d.frameGroups, group)

	rect := geom.IntRect{Size: size}
	if op.clearRect != nil {
		rect = op.clearRect.Intersect(rect)
	}
	if rect.Size.IsEmpty() {
		return nil
	}

	rp.SetPipeline(pipe)
	rp.SetBindGroup(0, group, nil)
	rp.SetScissorRect(uint32(rect.Origin.X), uint32(rect.Origin.Y),
		uint32(rect.Size.Width), uint32(rect.Size.Height))
	rp.Draw(3, 1, 0, 0)
	rp.SetScissorRect(0, 0, uint32(size.Width), uint32(size.Height))
	return nil
}

// targetView resolves the color attachment for a pass. A nil target means
// the main framebuffer stand-in, sized on first use and on resize. A nil
// view with nil error means the target texture is gone.
func (d *HALDevice) targetView(t *Texture, layer int, size geom.IntSize) (hal.TextureView, types.TextureFormat, geom.IntSize, error) {
	if t == nil {
		if err := d.ensureMainTarget(size); err != nil {
			return nil, 0, size, err
		}
		return d.mainView, halFormat(d.surfaceFormat), d.mainSize, nil
	}
	ht, ok := d.textures[t]
	if !ok {
		return nil, 0, size, nil
	}
	view, err := d.layerView(t, ht, layer)
	if err != nil {
		return nil, 0, size, err
	}
	return view, halFormat(t.format), t.size, nil
}

// layerView returns the cached 2D view of one array layer.
func (d *HALDevice) layerView(t *Texture, ht *halTexture, layer int) (hal.TextureView, error) {
	if v, ok := ht.views[layer]; ok {
		return v, nil
	}
	view, err := d.device.CreateTextureView(ht.texture, &hal.TextureViewDescriptor{
		Label:           fmt.Sprintf("flare-view-%d", layer),
		Format:          halFormat(t.format),
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          types.TextureAspectAll,
		BaseMipLevel:    0,
		MipLevelCount:   1,
		BaseArrayLayer:  uint32(layer),
		ArrayLayerCount: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("device: texture view layer %d: %w", layer, err)
	}
	if ht.views == nil {
		ht.views = make(map[int]hal.TextureView)
	}
	ht.views[layer] = view
	return view, nil
}

// ensureMainTarget keeps the presentation texture sized to the window.
func (d *HALDevice) ensureMainTarget(size geom.IntSize) error {
	if d.mainTex != nil && size == d.mainSize {
		return nil
	}
	if d.mainView != nil {
		d.device.DestroyTextureView(d.mainView)
		d.mainView = nil
	}
	if d.mainTex != nil {
		d.device.DestroyTexture(d.mainTex)
		d.mainTex = nil
	}
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label: "flare-main",
		Size: hal.Extent3D{
			Width:              uint32(size.Width),
			Height:             uint32(size.Height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     types.TextureDimension2D,
		Format:        halFormat(d.surfaceFormat),
		Usage:         types.TextureUsageRenderAttachment | types.TextureUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("device: main framebuffer texture: %w", err)
	}
	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:           "flare-main-view",
		Format:          halFormat(d.surfaceFormat),
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          types.TextureAspectAll,
		BaseMipLevel:    0,
		MipLevelCount:   1,
		BaseArrayLayer:  0,
		ArrayLayerCount: 1,
	})
	if err != nil {
		d.device.DestroyTexture(tex)
		return fmt.Errorf("device: main framebuffer view: %w", err)
	}
	d.mainTex = tex
	d.mainView = view
	d.mainSize = size
	return nil
}

// ensureSharedState lazily creates the bind group layouts, pipeline layouts,
// samplers, and the clear shader shared by every pass.
func (d *HALDevice) ensureSharedState() error {
	if d.drawPipeLayout != nil {
		return nil
	}

	drawLayout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "flare-draw-layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
			{
				Binding:    2,
				Visibility: gputypes.ShaderStageFragment,
				Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("device: draw bind group layout: %w", err)
	}
	d.drawLayout = drawLayout

	drawPipeLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "flare-draw-pipe-layout",
		BindGroupLayouts: []hal.BindGroupLayout{d.drawLayout},
	})
	if err != nil {
		return fmt.Errorf("device: draw pipeline layout: %w", err)
	}
	d.drawPipeLayout = drawPipeLayout

	pointPipeLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: "flare-point-pipe-layout",
	})
	if err != nil {
		return fmt.Errorf("device: point pipeline layout: %w", err)
	}
	d.pointPipeLayout = pointPipeLayout

	clearLayout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "flare-clear-layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageFragment,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("device: clear bind group layout: %w", err)
	}
	d.clearLayout = clearLayout

	clearPipeLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "flare-clear-pipe-layout",
		BindGroupLayouts: []hal.BindGroupLayout{d.clearLayout},
	})
	if err != nil {
		return fmt.Errorf("device: clear pipeline layout: %w", err)
	}
	d.clearPipeLayout = clearPipeLayout

	clearModule, err := d.compileModule("flare-clear", halClearSource)
	if err != nil {
		return err
	}
	d.clearModule = clearModule

	linear, err := d.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        "flare-linear",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
		MipmapFilter: gputypes.FilterModeNearest,
	})
	if err != nil {
		return fmt.Errorf("device: linear sampler: %w", err)
	}
	d.samplerLinear = linear

	nearest, err := d.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        "flare-nearest",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeNearest,
		MinFilter:    gputypes.FilterModeNearest,
		MipmapFilter: gputypes.FilterModeNearest,
	})
	if err != nil {
		return fmt.Errorf("device: nearest sampler: %w", err)
	}
	d.samplerNearest = nearest
	return nil
}

// programPipeline returns the program's pipeline variant for a draw,
// creating it on first use.
func (d *HALDevice) programPipeline(hp *halProgram, op *halOp, format types.TextureFormat) (hal.RenderPipeline, error) {
	key := halPipelineKey{format: format, stride: op.stride, points: op.points}
	if pipe, ok := hp.pipelines[key]; ok {
		return pipe, nil
	}

	layout := d.drawPipeLayout
	topology := gputypes.PrimitiveTopologyTriangleStrip
	var blend *gputypes.BlendState
	if op.points {
		// Scatter writes cache texels verbatim, no blending, no uniforms.
		layout = d.pointPipeLayout
		topology = gputypes.PrimitiveTopologyPointList
	} else {
		premul := gputypes.BlendStatePremultiplied()
		blend = &premul
	}

	pipe, err := d.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  "flare-" + op.program.name,
		Layout: layout,
		Vertex: hal.VertexState{
			Module:     hp.module,
			EntryPoint: "vs_main",
			Buffers:    halVertexLayout(op.stride, op.points),
		},
		Fragment: &hal.FragmentState{
			Module:     hp.module,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{
					Format:    format,
					Blend:     blend,
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: topology,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: pipeline %s: %w", op.program.name, err)
	}
	if hp.pipelines == nil {
		hp.pipelines = make(map[halPipelineKey]hal.RenderPipeline)
	}
	hp.pipelines[key] = pipe
	return pipe, nil
}

// clearPipeline returns the scissored-clear pipeline for a target format.
func (d *HALDevice) clearPipeline(format types.TextureFormat) (hal.RenderPipeline, error) {
	if pipe, ok := d.clearPipelines[format]; ok {
		return pipe, nil
	}
	pipe, err := d.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  "flare-clear",
		Layout: d.clearPipeLayout,
		Vertex: hal.VertexState{
			Module:     d.clearModule,
			EntryPoint: "vs_main",
		},
		Fragment: &hal.FragmentState{
			Module:     d.clearModule,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{Format: format, WriteMask: gputypes.ColorWriteMaskAll},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: clear pipeline: %w", err)
	}
	d.clearPipelines[format] = pipe
	return pipe, nil
}

// halVertexLayout derives the vertex buffer layout from an op's stride. The
// engine's instance encodings are vec4 fields followed by a scalar tail, in
// shader location order; the scatter vertex is a vec2 position and a vec4
// block value.
func halVertexLayout(stride int, points bool) []gputypes.VertexBufferLayout {
	if points {
		return []gputypes.VertexBufferLayout{{
			ArrayStride: uint64(stride),
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},
				{Format: gputypes.VertexFormatFloat32x4, Offset: 8, ShaderLocation: 1},
			},
		}}
	}
	var attrs []gputypes.VertexAttribute
	offset := 0
	loc := uint32(0)
	for stride-offset >= 16 {
		attrs = append(attrs, gputypes.VertexAttribute{
			Format: gputypes.VertexFormatFloat32x4, Offset: uint64(offset), ShaderLocation: loc,
		})
		offset += 16
		loc++
	}
	for stride-offset >= 4 {
		attrs = append(attrs, gputypes.VertexAttribute{
			Format: gputypes.VertexFormatFloat32, Offset: uint64(offset), ShaderLocation: loc,
		})
		offset += 4
		loc++
	}
	return []gputypes.VertexBufferLayout{{
		ArrayStride: uint64(stride),
		StepMode:    gputypes.VertexStepModeInstance,
		Attributes:  attrs,
	}}
}

// drawBindGroup builds the per-draw group: projection uniform, sampled
// texture, and the sampler matching its filter.
func (d *HALDevice) drawBindGroup(uniform hal.Buffer, tex *Texture, filter Filter) (hal.BindGroup, error) {
	view, err := d.sampleView(tex)
	if err != nil {
		return nil, err
	}
	sampler := d.samplerNearest
	if filter == FilterLinear {
		sampler = d.samplerLinear
	}
	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "flare-draw-bind",
		Layout: d.drawLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: uniform.NativeHandle(), Offset: 0, Size: halUniformSize}},
			{Binding: 1, Resource: gputypes.TextureViewBinding{TextureView: view.NativeHandle()}},
			{Binding: 2, Resource: gputypes.SamplerBinding{Sampler: sampler.NativeHandle()}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: draw bind group: %w", err)
	}
	return group, nil
}

// sampleView resolves the view a draw samples. Programs sample their first
// array layer; a draw with no color input gets the 1x1 dummy.
func (d *HALDevice) sampleView(tex *Texture) (hal.TextureView, error) {
	if tex != nil {
		if ht, ok := d.textures[tex]; ok {
			return d.layerView(tex, ht, 0)
		}
	}
	return d.ensureDummy()
}

// ensureDummy creates the opaque-white 1x1 fallback texture.
func (d *HALDevice) ensureDummy() (hal.TextureView, error) {
	if d.dummyView != nil {
		return d.dummyView, nil
	}
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "flare-dummy",
		Size:          hal.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     types.TextureDimension2D,
		Format:        types.TextureFormatRGBA8Unorm,
		Usage:         types.TextureUsageTextureBinding | types.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("device: dummy texture: %w", err)
	}
	d.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: tex, MipLevel: 0, Aspect: types.TextureAspectAll},
		[]byte{0xff, 0xff, 0xff, 0xff},
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: 4, RowsPerImage: 1},
		&hal.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1},
	)
	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:           "flare-dummy-view",
		Format:          types.TextureFormatRGBA8Unorm,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          types.TextureAspectAll,
		BaseMipLevel:    0,
		MipLevelCount:   1,
		BaseArrayLayer:  0,
		ArrayLayerCount: 1,
	})
	if err != nil {
		d.device.DestroyTexture(tex)
		return nil, fmt.Errorf("device: dummy view: %w", err)
	}
	d.dummyTex = tex
	d.dummyView = view
	return view, nil
}

// newFrameBuffer creates a buffer that lives until the frame's fence wait,
// uploads data into it, and tracks it for end-of-frame destruction.
func (d *HALDevice) newFrameBuffer(label string, data []byte, usage types.BufferUsage) (hal.Buffer, error) {
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  uint64(len(data)),
		Usage: usage | types.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("device: buffer %s: %w", label, err)
	}
	d.queue.WriteBuffer(buf, 0, data)
	d.frameBuffers = append(d.frameBuffers, buf)
	return buf, nil
}

// halF32Bytes encodes float32 values little-endian.
func halF32Bytes(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// CreateTexture allocates a HAL texture per the descriptor.
func (d *HALDevice) CreateTexture(desc TextureDescriptor) (*Texture, error) {
	if desc.Size.IsEmpty() || desc.Layers <= 0 {
		return nil, fmt.Errorf("%w: %dx%d, %d layers",
			ErrInvalidTextureSize, desc.Size.Width, desc.Size.Height, desc.Layers)
	}
	if desc.Size.Width > d.caps.MaxTextureSize || desc.Size.Height > d.caps.MaxTextureSize {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d",
			ErrTextureTooLarge, desc.Size.Width, desc.Size.Height, d.caps.MaxTextureSize)
	}

	usage := types.TextureUsageCopySrc | types.TextureUsageCopyDst | types.TextureUsageTextureBinding
	if desc.RenderTarget {
		usage |= types.TextureUsageRenderAttachment
	}
	halDesc := &hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              uint32(desc.Size.Width),
			Height:             uint32(desc.Size.Height),
			DepthOrArrayLayers: uint32(desc.Layers),
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     types.TextureDimension2D,
		Format:        halFormat(desc.Format),
		Usage:         usage,
	}
	raw, err := d.device.CreateTexture(halDesc)
	if err != nil {
		return nil, fmt.Errorf("device: create texture %q: %w", desc.Label, err)
	}

	t := &Texture{
		size:          desc.Size,
		layers:        desc.Layers,
		format:        desc.Format,
		filter:        desc.Filter,
		renderTarget:  desc.RenderTarget,
		lastFrameUsed: d.frame,
		backend:       &halTexture{texture: raw},
	}
	d.textures[t] = t.backend.(*halTexture)
	return t, nil
}

// DeleteTexture frees a texture and its cached views. Safe on nil.
func (d *HALDevice) DeleteTexture(t *Texture) {
	if t == nil {
		return
	}
	ht, ok := d.textures[t]
	if !ok {
		return
	}
	delete(d.textures, t)
	t.destroyed = true
	for _, v := range ht.views {
		d.device.DestroyTextureView(v)
	}
	d.device.DestroyTexture(ht.texture)
}

// InvalidateRenderTarget is a hint only; the HAL discards contents when the
// next render pass loads with LoadOpClear.
func (d *HALDevice) InvalidateRenderTarget(t *Texture) {}

// BindTexture binds t for sampling at slot. Draws staged afterwards snapshot
// the slot state.
func (d *HALDevice) BindTexture(slot TextureSlot, t *Texture) {
	if slot < 0 || int(slot) >= halTextureSlots {
		return
	}
	d.boundTextures[slot] = t
}

// sampledTexture picks the color input for the next staged draw: slot 0 when
// bound, otherwise the lowest bound slot. Engine programs sample a single
// input at their lowest assigned slot.
func (d *HALDevice) sampledTexture() *Texture {
	for _, t := range d.boundTextures {
		if t != nil {
			return t
		}
	}
	return nil
}

// BindDrawTarget directs subsequent draws into one layer of t. Sampler
// bindings reset; each pass rebinds its inputs.
func (d *HALDevice) BindDrawTarget(t *Texture, layer int, rect geom.IntRect) {
	d.boundTarget = t
	d.boundLayer = layer
	d.targetSize = rect.Size
	d.boundTextures = [halTextureSlots]*Texture{}
	m := TargetProjection(rect.Size, false)
	copy(d.projection[:], m[:])
}

// BindMainFramebuffer directs draws into the presentation target.
func (d *HALDevice) BindMainFramebuffer(size geom.IntSize) {
	d.boundTarget = nil
	d.boundLayer = 0
	d.targetSize = size
	d.boundTextures = [halTextureSlots]*Texture{}
	m := TargetProjection(size, true)
	copy(d.projection[:], m[:])
}

// Uploader starts a batched upload session writing through the queue.
func (d *HALDevice) Uploader(t *Texture) TextureUploader {
	return &halUploader{dev: d, tex: t}
}

// Blit stages a rectangle copy between textures. It joins the op stream so
// it runs after staged draws that produced the source.
func (d *HALDevice) Blit(src *Texture, srcLayer int, srcRect geom.IntRect, dst *Texture, dstLayer int, dstRect geom.IntRect) {
	if _, ok := d.textures[src]; !ok {
		return
	}
	if _, ok := d.textures[dst]; !ok {
		return
	}
	d.ops = append(d.ops, halOp{
		kind:     halOpBlit,
		blitSrc:  src,
		blitDst:  dst,
		srcLayer: srcLayer,
		dstLayer: dstLayer,
		srcRect:  srcRect,
		dstRect:  dstRect,
	})
}

// ClearTarget stages a clear of the bound draw target. A whole-target clear
// at a pass head folds into the pass load op; partial rects draw a scissored
// clear. Depth clears are dropped, the backend allocates no depth targets.
func (d *HALDevice) ClearTarget(color *geom.ColorF, depth *float32, rect *geom.IntRect) {
	_ = depth
	if color == nil {
		return
	}
	op := halOp{
		kind:   halOpClear,
		target: d.boundTarget,
		layer:  d.boundLayer,
		size:   d.targetSize,
		clearColor: gputypes.Color{
			R: float64(color.R), G: float64(color.G), B: float64(color.B), A: float64(color.A),
		},
	}
	if rect != nil {
		r := *rect
		op.clearRect = &r
	}
	d.ops = append(d.ops, op)
}

// CreateProgram compiles WGSL to SPIR-V through naga and wraps the module.
func (d *HALDevice) CreateProgram(name, source string) (*Program, error) {
	module, err := d.compileModule(name, source)
	if err != nil {
		return nil, err
	}
	p := &Program{name: name, backend: &halProgram{module: module}}
	d.programs[p] = p.backend.(*halProgram)
	return p, nil
}

func (d *HALDevice) compileModule(name, source string) (hal.ShaderModule, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProgramCompile, name, err)
	}
	// SPIR-V is little-endian 32-bit words.
	spirv := make([]uint32, len(spirvBytes)/4)
	for i := range spirv {
		spirv[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  name,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProgramCompile, name, err)
	}
	return module, nil
}

// DeleteProgram releases a program's shader module and pipelines. Safe on nil.
func (d *HALDevice) DeleteProgram(p *Program) {
	if p == nil {
		return
	}
	hp, ok := d.programs[p]
	if !ok {
		return
	}
	delete(d.programs, p)
	for _, pipe := range hp.pipelines {
		d.device.DestroyRenderPipeline(pipe)
	}
	d.device.DestroyShaderModule(hp.module)
}

// BindProgram makes p current for subsequent draws.
func (d *HALDevice) BindProgram(p *Program) {
	d.boundProgram = p
}

// DrawInstanced stages an instanced quad draw.
func (d *HALDevice) DrawInstanced(instanceData []byte, instanceCount int) {
	d.stageDraw(instanceData, instanceCount, false)
}

// DrawPoints stages a point draw (GPU-cache scatter path).
func (d *HALDevice) DrawPoints(vertexData []byte, count int) {
	d.stageDraw(vertexData, count, true)
}

func (d *HALDevice) stageDraw(data []byte, count int, points bool) {
	if d.boundProgram == nil || count == 0 {
		return
	}
	buf, err := d.newFrameBuffer("flare-instances", data, types.BufferUsageVertex)
	if err != nil {
		return
	}
	op := halOp{
		kind:       halOpDraw,
		target:     d.boundTarget,
		layer:      d.boundLayer,
		size:       d.targetSize,
		program:    d.boundProgram,
		buffer:     buf,
		stride:     len(data) / count,
		count:      count,
		points:     points,
		projection: d.projection,
	}
	if tex := d.sampledTexture(); tex != nil {
		op.texture = tex
		op.filter = tex.filter
	}
	d.ops = append(d.ops, op)
}

// Capabilities returns the probed adapter capabilities.
func (d *HALDevice) Capabilities() Capabilities { return d.caps }

// CollectTimers returns nothing: the HAL exposes no timestamp queries yet.
// TODO: wire hal timestamp query sets once gogpu/wgpu lands them.
func (d *HALDevice) CollectTimers() []GPUTimer { return nil }

// Close destroys every resource the device still owns.
func (d *HALDevice) Close() {
	if d.closed {
		return
	}
	for _, g := range d.frameGroups {
		d.device.DestroyBindGroup(g)
	}
	d.frameGroups = nil
	for _, b := range d.frameBuffers {
		d.device.DestroyBuffer(b)
	}
	d.frameBuffers = nil
	for t, ht := range d.textures {
		t.destroyed = true
		for _, v := range ht.views {
			d.device.DestroyTextureView(v)
		}
		d.device.DestroyTexture(ht.texture)
	}
	for _, hp := range d.programs {
		for _, pipe := range hp.pipelines {
			d.device.DestroyRenderPipeline(pipe)
		}
		d.device.DestroyShaderModule(hp.module)
	}
	for _, pipe := range d.clearPipelines {
		d.device.DestroyRenderPipeline(pipe)
	}
	if d.clearModule != nil {
		d.device.DestroyShaderModule(d.clearModule)
	}
	if d.samplerLinear != nil {
		d.device.DestroySampler(d.samplerLinear)
	}
	if d.samplerNearest != nil {
		d.device.DestroySampler(d.samplerNearest)
	}
	if d.dummyView != nil {
		d.device.DestroyTextureView(d.dummyView)
		d.device.DestroyTexture(d.dummyTex)
	}
	if d.mainView != nil {
		d.device.DestroyTextureView(d.mainView)
		d.device.DestroyTexture(d.mainTex)
	}
	if d.clearPipeLayout != nil {
		d.device.DestroyPipelineLayout(d.clearPipeLayout)
	}
	if d.clearLayout != nil {
		d.device.DestroyBindGroupLayout(d.clearLayout)
	}
	if d.pointPipeLayout != nil {
		d.device.DestroyPipelineLayout(d.pointPipeLayout)
	}
	if d.drawPipeLayout != nil {
		d.device.DestroyPipelineLayout(d.drawPipeLayout)
	}
	if d.drawLayout != nil {
		d.device.DestroyBindGroupLayout(d.drawLayout)
	}
	d.textures = nil
	d.programs = nil
	d.closed = true
}

// halUploader writes rect uploads through queue.WriteTexture.
type halUploader struct {
	dev *HALDevice
	tex *Texture
}

func (u *halUploader) Upload(rect geom.IntRect, layer int, stride int, data []byte) int {
	ht, ok := u.dev.textures[u.tex]
	if !ok {
		return 0
	}
	bpp := u.tex.format.BytesPerPixel()
	if stride <= 0 {
		stride = rect.Size.Width * bpp
	}
	dst := &hal.ImageCopyTexture{
		Texture:  ht.texture,
		MipLevel: 0,
		Origin:   hal.Origin3D{X: uint32(rect.Origin.X), Y: uint32(rect.Origin.Y), Z: uint32(layer)},
		Aspect:   types.TextureAspectAll,
	}
	layout := &hal.ImageDataLayout{
		Offset:       0,
		BytesPerRow:  uint32(stride),
		RowsPerImage: uint32(rect.Size.Height),
	}
	size := &hal.Extent3D{
		Width:              uint32(rect.Size.Width),
		Height:             uint32(rect.Size.Height),
		DepthOrArrayLayers: 1,
	}
	u.dev.queue.WriteTexture(dst, data, layout, size)
	return rect.Size.Height * rect.Size.Width * bpp
}

func (u *halUploader) Close() {}

// halFormat maps engine formats onto WebGPU texture formats.
func halFormat(f TextureFormat) types.TextureFormat {
	switch f {
	case FormatR8:
		return types.TextureFormatR8Unorm
	case FormatRGBA8:
		return types.TextureFormatRGBA8Unorm
	case FormatBGRA8:
		return types.TextureFormatBGRA8Unorm
	case FormatRGBAF32:
		return types.TextureFormatRGBA32Float
	default:
		return types.TextureFormatRGBA8Unorm
	}
}
