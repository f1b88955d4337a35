// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/flare/geom"
)

func TestTextureFormatBytesPerPixel(t *testing.T) {
	tests := []struct {
		format TextureFormat
		want   int
	}{
		{FormatR8, 1},
		{FormatRGBA8, 4},
		{FormatBGRA8, 4},
		{FormatRGBAF32, 16},
		{FormatInvalid, 0},
	}
	for _, tt := range tests {
		if got := tt.format.BytesPerPixel(); got != tt.want {
			t.Errorf("%v.BytesPerPixel() = %d, want %d", tt.format, got, tt.want)
		}
	}
}

func TestTextureSizeInBytes(t *testing.T) {
	dev := NewRecordingDevice(0)
	defer dev.Close()
	dev.BeginFrame()
	defer dev.EndFrame()

	tex, err := dev.CreateTexture(TextureDescriptor{
		Size:   geom.Sz(256, 128),
		Layers: 2,
		Format: FormatRGBA8,
	})
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	want := int64(256 * 128 * 4 * 2)
	if got := tex.SizeInBytes(); got != want {
		t.Errorf("SizeInBytes = %d, want %d", got, want)
	}
}

func TestRecordingDeviceTextureLifecycle(t *testing.T) {
	dev := NewRecordingDevice(0)
	defer dev.Close()
	dev.BeginFrame()

	tex, err := dev.CreateTexture(TextureDescriptor{
		Size:   geom.Sz(64, 64),
		Layers: 1,
		Format: FormatRGBA8,
	})
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	if dev.LiveTextures() != 1 {
		t.Fatalf("LiveTextures = %d, want 1", dev.LiveTextures())
	}
	if tex.IsDestroyed() {
		t.Error("new texture reports destroyed")
	}

	dev.DeleteTexture(tex)
	if dev.LiveTextures() != 0 {
		t.Errorf("LiveTextures after delete = %d, want 0", dev.LiveTextures())
	}
	if !tex.IsDestroyed() {
		t.Error("deleted texture does not report destroyed")
	}
	dev.EndFrame()

	if dev.Counters.TexturesCreated != 1 || dev.Counters.TexturesDeleted != 1 {
		t.Errorf("counters = %+v, want 1 created / 1 deleted", dev.Counters)
	}
}

func TestRecordingDeviceRejectsInvalidTextures(t *testing.T) {
	dev := NewRecordingDevice(4096)
	defer dev.Close()
	dev.BeginFrame()
	defer dev.EndFrame()

	if _, err := dev.CreateTexture(TextureDescriptor{Size: geom.Sz(0, 10), Layers: 1, Format: FormatR8}); !errors.Is(err, ErrInvalidTextureSize) {
		t.Errorf("zero width: err = %v, want ErrInvalidTextureSize", err)
	}
	if _, err := dev.CreateTexture(TextureDescriptor{Size: geom.Sz(8192, 16), Layers: 1, Format: FormatR8}); !errors.Is(err, ErrTextureTooLarge) {
		t.Errorf("oversize: err = %v, want ErrTextureTooLarge", err)
	}
}

func TestRecordingDeviceUploadReadback(t *testing.T) {
	dev := NewRecordingDevice(0)
	defer dev.Close()
	dev.BeginFrame()
	defer dev.EndFrame()

	tex, err := dev.CreateTexture(TextureDescriptor{
		Size:   geom.Sz(8, 4),
		Layers: 1,
		Format: FormatR8,
	})
	if err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}

	data := []byte{1, 2, 3, 4, 5, 6}
	up := dev.Uploader(tex)
	n := up.Upload(geom.Rect(2, 1, 3, 2), 0, 3, data)
	up.Close()
	if n != 6 {
		t.Errorf("Upload returned %d bytes, want 6", n)
	}

	pixels := dev.TexturePixels(tex, 0)
	if pixels[1*8+2] != 1 || pixels[1*8+4] != 3 {
		t.Errorf("first row not written at offset: %v", pixels[8:16])
	}
	if pixels[2*8+2] != 4 || pixels[2*8+4] != 6 {
		t.Errorf("second row not written at offset: %v", pixels[16:24])
	}
}

func TestRecordingDeviceBlitCopiesTexels(t *testing.T) {
	dev := NewRecordingDevice(0)
	defer dev.Close()
	dev.BeginFrame()
	defer dev.EndFrame()

	desc := TextureDescriptor{Size: geom.Sz(4, 4), Layers: 1, Format: FormatR8, RenderTarget: true}
	src, _ := dev.CreateTexture(desc)
	dst, _ := dev.CreateTexture(desc)

	up := dev.Uploader(src)
	up.Upload(geom.Rect(0, 0, 4, 4), 0, 4, bytes.Repeat([]byte{7}, 16))
	up.Close()

	dev.Blit(src, 0, geom.Rect(0, 0, 2, 2), dst, 0, geom.Rect(2, 2, 2, 2))
	pixels := dev.TexturePixels(dst, 0)
	if pixels[2*4+2] != 7 || pixels[3*4+3] != 7 {
		t.Errorf("blit did not copy texels: %v", pixels)
	}
	if pixels[0] != 0 {
		t.Errorf("blit wrote outside destination rect: %v", pixels)
	}
}

func TestRecordingDevicePanicsOutsideFrame(t *testing.T) {
	dev := NewRecordingDevice(0)
	defer dev.Close()

	defer func() {
		if recover() == nil {
			t.Error("CreateTexture outside a frame bracket did not panic")
		}
	}()
	_, _ = dev.CreateTexture(TextureDescriptor{Size: geom.Sz(1, 1), Layers: 1, Format: FormatR8})
}

func TestRecordingDeviceProgramCompileError(t *testing.T) {
	dev := NewRecordingDevice(0)
	defer dev.Close()
	dev.CompileErr = errors.New("syntax error")

	if _, err := dev.CreateProgram("broken", "not wgsl"); !errors.Is(err, ErrProgramCompile) {
		t.Errorf("err = %v, want ErrProgramCompile", err)
	}
}

func TestRecordingDeviceDrawCounters(t *testing.T) {
	dev := NewRecordingDevice(0)
	defer dev.Close()

	prog, err := dev.CreateProgram("quad", "// wgsl")
	if err != nil {
		t.Fatalf("CreateProgram: %v", err)
	}

	dev.BeginFrame()
	dev.BindMainFramebuffer(geom.Sz(800, 600))
	dev.BindProgram(prog)
	dev.DrawInstanced(make([]byte, 64), 4)
	dev.DrawPoints(make([]byte, 24), 1)
	dev.EndFrame()

	if dev.Counters.DrawCalls != 1 || dev.Counters.DrawnInstances != 4 {
		t.Errorf("instanced counters = %+v", dev.Counters)
	}
	if dev.Counters.PointDraws != 1 || dev.Counters.DrawnPoints != 1 {
		t.Errorf("point counters = %+v", dev.Counters)
	}
}

func TestTargetProjectionOrientation(t *testing.T) {
	offscreen := TargetProjection(geom.Sz(100, 50), false)
	main := TargetProjection(geom.Sz(100, 50), true)

	// The y scale flips sign between off-screen (y-down) and main (y-up).
	if offscreen[5] >= 0 {
		t.Errorf("off-screen y scale = %f, want negative", offscreen[5])
	}
	if main[5] <= 0 {
		t.Errorf("main framebuffer y scale = %f, want positive", main[5])
	}
}
