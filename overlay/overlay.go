// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package overlay renders a small frame-statistics panel on top of every
// on-screen frame. Text is rasterized on the CPU with a fixed bitmap font
// into a staging pixmap, uploaded into a panel texture, and composited with
// a single instanced draw. Install it on a renderer via flare.WithOverlay.
package overlay

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/gogpu/flare"
	"github.com/gogpu/flare/device"
	"github.com/gogpu/flare/geom"
)

//go:embed overlay.wgsl
var overlayShaderSource string

const (
	// margin between the window edge and the panel, in pixels.
	margin = 8

	// padding inside the panel around the text block.
	padding = 6

	lineHeight = 16
)

var (
	panelBackground = color.RGBA{A: 0xb0}
	textColor       = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// Overlay draws frame statistics in the top-left corner of the framebuffer.
// Device resources are created lazily on first Render and freed by Close.
// Not safe for concurrent use; the renderer calls it from the render thread
// only.
type Overlay struct {
	program *device.Program
	texture *device.Texture
	staging *image.RGBA
	face    font.Face
}

var _ flare.OverlayRenderer = (*Overlay)(nil)

// New returns an overlay using the built-in 7x13 bitmap face.
func New() *Overlay {
	return &Overlay{face: basicfont.Face7x13}
}

// Render draws the stats panel over the current frame. The renderer calls
// this inside its device frame bracket after all documents have been
// composited.
func (o *Overlay) Render(dev device.Device, size geom.IntSize, stats flare.RendererStats) error {
	lines := []string{
		fmt.Sprintf("draws %d  alpha %d  color %d",
			stats.TotalDrawCalls, stats.AlphaTargetCount, stats.ColorTargetCount),
		fmt.Sprintf("cache rows %d  blocks %d  upload %d KiB",
			stats.GPUCacheRowsFlushed, stats.GPUCacheBlocksSent,
			stats.TextureUploadBytes/1024),
		fmt.Sprintf("frame %.2f ms", stats.FrameTime.Seconds()*1000),
	}

	panel := o.panelSize(lines)
	if panel.Width > size.Width || panel.Height > size.Height {
		// Window too small for the panel; skip quietly.
		return nil
	}

	o.rasterize(lines, panel)
	if err := o.ensureResources(dev, panel); err != nil {
		return err
	}

	up := dev.Uploader(o.texture)
	up.Upload(o.texture.FullRect(), 0, o.staging.Stride, o.staging.Pix)
	up.Close()

	dev.BindMainFramebuffer(size)
	dev.BindTexture(flare.SlotColor0, o.texture)
	dev.BindProgram(o.program)

	data := encodeRect(nil, geom.Rect(margin, margin, panel.Width, panel.Height))
	data = encodeRect(data, geom.IntRect{Size: panel})
	dev.DrawInstanced(data, 1)
	return nil
}

// Close frees the panel texture and program. The overlay may be rendered
// again afterwards; resources are recreated on demand.
func (o *Overlay) Close(dev device.Device) {
	dev.DeleteTexture(o.texture)
	dev.DeleteProgram(o.program)
	o.texture = nil
	o.program = nil
	o.staging = nil
}

// panelSize measures the text block and returns the padded panel extent.
func (o *Overlay) panelSize(lines []string) geom.IntSize {
	d := font.Drawer{Face: o.face}
	var widest fixed.Int26_6
	for _, line := range lines {
		if w := d.MeasureString(line); w > widest {
			widest = w
		}
	}
	return geom.Sz(
		widest.Ceil()+2*padding,
		len(lines)*lineHeight+2*padding,
	)
}

// rasterize redraws the staging pixmap, growing it when the panel extent
// changed since the previous frame.
func (o *Overlay) rasterize(lines []string, panel geom.IntSize) {
	bounds := image.Rect(0, 0, panel.Width, panel.Height)
	if o.staging == nil || o.staging.Bounds() != bounds {
		o.staging = image.NewRGBA(bounds)
	}
	draw.Draw(o.staging, bounds, image.NewUniform(panelBackground), image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  o.staging,
		Src:  image.NewUniform(textColor),
		Face: o.face,
	}
	ascent := o.face.Metrics().Ascent.Ceil()
	for i, line := range lines {
		d.Dot = fixed.P(padding, padding+i*lineHeight+ascent)
		d.DrawString(line)
	}
}

// ensureResources compiles the overlay program on first use and keeps the
// panel texture sized to the staging pixmap.
func (o *Overlay) ensureResources(dev device.Device, panel geom.IntSize) error {
	if o.program == nil {
		p, err := dev.CreateProgram("overlay", overlayShaderSource)
		if err != nil {
			return fmt.Errorf("overlay: compile: %w", err)
		}
		o.program = p
	}
	if o.texture != nil && o.texture.Size() == panel {
		return nil
	}
	dev.DeleteTexture(o.texture)
	flare.Logger().Debug("overlay: panel texture resized",
		"width", panel.Width, "height", panel.Height)
	t, err := dev.CreateTexture(device.TextureDescriptor{
		Label:  "debug-overlay",
		Size:   panel,
		Layers: 1,
		Format: device.FormatRGBA8,
		Filter: device.FilterNearest,
	})
	if err != nil {
		o.texture = nil
		return fmt.Errorf("overlay: panel texture: %w", err)
	}
	o.texture = t
	return nil
}

// encodeRect appends a rectangle as four little-endian float32 values,
// matching the engine's instance layout.
func encodeRect(dst []byte, rect geom.IntRect) []byte {
	for _, v := range [4]float32{
		float32(rect.Origin.X), float32(rect.Origin.Y),
		float32(rect.Size.Width), float32(rect.Size.Height),
	} {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}
