// Package flare is the GPU frame-execution engine of a retained-mode 2D
// rendering system.
//
// flare does not build scenes. A producer (the scene builder, running on its
// own goroutines) hands the engine pre-built Frames — ordered graphs of
// render passes and targets — over a message channel, together with texture
// and GPU-cache updates. The engine's Renderer consumes those messages on a
// single render goroutine, executes the passes against a thread-affine
// device.Device, reuses render-target memory across passes and frames
// through a pooled TextureResolver, and keeps a growable GPU-resident data
// cache that primitives address indirectly by (row, column).
//
// Typical embedding:
//
//	dev := device.NewRecordingDevice(0) // or device.NewHALDevice(...)
//	r, err := flare.NewRenderer(dev)
//	if err != nil {
//	    // construction-time program failure is fatal
//	}
//	defer r.Close()
//
//	tx := r.Channel()
//	// ... producer goroutines send flare.Msg values on tx ...
//
//	for eachFrame {
//	    r.Update()
//	    results, errs := r.Render(windowSize)
//	    // errs are one-shot; the renderer keeps running
//	}
//
// By default flare produces no log output; call SetLogger to enable it.
package flare
