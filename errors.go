package flare

import "errors"

// Renderer errors. Per-frame failures wrap one of these sentinels,
// accumulate inside the renderer, and drain through Render — they never
// abort a running renderer. The one fatal path is program compilation at
// construction, which fails NewRenderer directly.
var (
	// ErrShader is a program compile or link failure.
	ErrShader = errors.New("flare: shader error")

	// ErrThread is a goroutine or worker spawn failure.
	ErrThread = errors.New("flare: thread error")

	// ErrResource is a propagated backend resource error.
	ErrResource = errors.New("flare: resource error")

	// ErrMaxTextureSize means the device cannot meet the minimum required
	// texture dimension.
	ErrMaxTextureSize = errors.New("flare: max texture size exceeded")

	// ErrRendererClosed is returned when operating on a closed renderer.
	ErrRendererClosed = errors.New("flare: renderer closed")
)
