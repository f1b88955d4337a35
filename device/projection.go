// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/flare/geom"
)

// TargetProjection returns the orthographic projection for a bound draw
// target. Off-screen targets are addressed y-down (texel row 0 at the top);
// the main framebuffer is y-up, matching the window coordinate convention of
// the swapchain.
func TargetProjection(size geom.IntSize, mainFramebuffer bool) mgl32.Mat4 {
	w := float32(size.Width)
	h := float32(size.Height)
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	if mainFramebuffer {
		return mgl32.Ortho(0, w, 0, h, ProjectionNear, ProjectionFar)
	}
	return mgl32.Ortho(0, w, h, 0, ProjectionNear, ProjectionFar)
}

// Depth range shared by every target projection.
const (
	ProjectionNear float32 = -1
	ProjectionFar  float32 = 1
)
