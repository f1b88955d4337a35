// Command flaredemo runs the frame-execution engine headlessly against the
// in-memory recording device: it publishes a stream of synthetic documents
// with animated composite tiles, off-screen targets, and GPU-cache updates,
// then prints per-frame statistics and a final memory report.
//
// Configuration comes from flags, with FLARE_* environment variables as
// defaults (FLARE_FRAMES, FLARE_WIDTH, FLARE_HEIGHT, FLARE_STRESS,
// FLARE_SCATTER, FLARE_PICTURE_CACHING).
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"

	"github.com/gobuffalo/envy"

	"github.com/gogpu/flare"
	"github.com/gogpu/flare/device"
	"github.com/gogpu/flare/geom"
	"github.com/gogpu/flare/overlay"
)

const backgroundTexture flare.CacheTextureID = 1

func main() {
	var (
		frames         = flag.Int("frames", envInt("FLARE_FRAMES", 120), "frames to render")
		width          = flag.Int("width", envInt("FLARE_WIDTH", 800), "framebuffer width")
		height         = flag.Int("height", envInt("FLARE_HEIGHT", 600), "framebuffer height")
		stress         = flag.Bool("stress", envBool("FLARE_STRESS", false), "grow the GPU cache every frame")
		scatter        = flag.Bool("scatter", envBool("FLARE_SCATTER", true), "use the GPU scatter cache bus")
		pictureCaching = flag.Bool("picture-caching", envBool("FLARE_PICTURE_CACHING", true), "composite only dirty tiles")
	)
	flag.Parse()

	dev := device.NewRecordingDevice(0)
	defer dev.Close()

	r, err := flare.NewRenderer(dev,
		flare.WithOverlay(overlay.New()),
		flare.WithStressTest(*stress),
		flare.WithScatterBus(*scatter),
		flare.WithPictureCaching(*pictureCaching),
	)
	if err != nil {
		log.Fatalf("create renderer: %v", err)
	}
	defer r.Close()

	size := geom.Sz(*width, *height)
	for i := 0; i < *frames; i++ {
		r.Channel() <- flare.MsgUpdateGPUCache{Lists: []flare.GpuCacheUpdateList{cacheUpdates(i)}}
		msg := flare.MsgPublishDocument{
			DocumentID: 1,
			Frame:      buildFrame(i, size),
		}
		if i == 0 {
			msg.ResourceUpdates = backgroundUpdates(size)
		}
		r.Channel() <- msg

		r.Update()
		results, errs := r.Render(size)
		for _, err := range errs {
			log.Printf("frame %d: %v", i, err)
		}
		if i%30 == 0 {
			fmt.Printf("frame %3d: %s dirty=%d\n", i, results.Stats, len(results.DirtyRects))
		}
	}

	report := r.ReportMemory()
	fmt.Printf("\nGPU memory: cache=%dKiB textureCache=%dKiB pool=%dKiB saved=%dKiB total=%dKiB\n",
		report.GPUCacheTextureBytes/1024, report.TextureCacheTextureBytes/1024,
		report.RenderTargetPoolBytes/1024, report.SavedTargetBytes/1024,
		report.Total()/1024)

	for _, p := range r.Profiles() {
		fmt.Printf("profile frame=%d cpu=%s gpu=%s draws=%d\n",
			p.FrameID, p.CPUTime, p.GPUTime(), p.DrawCalls)
	}
	fmt.Printf("device: %d draws, %d uploads (%dKiB), %d textures live\n",
		dev.Counters.DrawCalls, dev.Counters.UploadCalls,
		dev.Counters.UploadedBytes/1024, dev.LiveTextures())
}

// cacheUpdates animates one row of cache blocks per frame: a color ramp
// whose phase advances with the frame index.
func cacheUpdates(frame int) flare.GpuCacheUpdateList {
	const blocks = 16
	list := flare.GpuCacheUpdateList{
		FrameID: flare.CacheFrameID(frame + 1),
		Height:  8,
	}
	phase := float64(frame) * 0.1
	for i := 0; i < blocks; i++ {
		t := phase + float64(i)/blocks
		list.Blocks = append(list.Blocks, flare.GPUBlockData{
			float32(0.5 + 0.5*math.Sin(t)),
			float32(0.5 + 0.5*math.Cos(t)),
			float32(i) / blocks,
			1,
		})
	}
	list.Updates = append(list.Updates, flare.GpuCacheUpdate{
		BlockIndex: 0,
		BlockCount: blocks,
		Address:    flare.GPUCacheAddress{U: 0, V: frame % 8},
	})
	return list
}

// backgroundUpdates allocates the texture-cache entry the off-screen pass
// samples and fills it with a checkerboard.
func backgroundUpdates(size geom.IntSize) []flare.ResourceUpdate {
	const tile = 64
	pix := make([]byte, tile*tile*4)
	for y := 0; y < tile; y++ {
		for x := 0; x < tile; x++ {
			v := byte(0x30)
			if (x/8+y/8)%2 == 0 {
				v = 0x60
			}
			o := (y*tile + x) * 4
			pix[o], pix[o+1], pix[o+2], pix[o+3] = v, v, v, 0xff
		}
	}
	return []flare.ResourceUpdate{
		{
			Kind: flare.ResourceAllocate,
			ID:   backgroundTexture,
			Desc: device.TextureDescriptor{
				Label:  "demo-background",
				Size:   geom.Sz(tile, tile),
				Layers: 1,
				Format: device.FormatRGBA8,
				Filter: device.FilterLinear,
			},
		},
		{
			Kind: flare.ResourceUpload,
			ID:   backgroundTexture,
			Rect: geom.Rect(0, 0, tile, tile),
			Data: pix,
		},
	}
}

// buildFrame assembles one document frame: an off-screen pass rendering a
// moving square into a pooled color target, then a main pass compositing a
// full-screen background tile plus the square, with a dirty rect tracking
// the square's motion.
func buildFrame(frame int, size geom.IntSize) *flare.Frame {
	const square = 100
	x := (frame * 7) % (size.Width - square)
	y := (frame * 3) % (size.Height - square)

	offscreen := flare.RenderPass{
		Kind: flare.PassOffScreen,
		Color: flare.RenderTargetList{
			Format:         device.FormatRGBA8,
			MaxDynamicSize: geom.Sz(square, square),
			SavedIndex:     flare.SavedTargetNone,
			Targets: []*flare.RenderTarget{{
				UsedRect:   geom.Rect(0, 0, square, square),
				ClearColor: &geom.ColorF{A: 1},
				Batches: []flare.DrawBatch{{
					Kind: flare.BatchComposite,
					Textures: [3]flare.TextureSource{
						flare.SourceOfTextureCache(backgroundTexture),
					},
					InstanceData:  quadInstance(geom.Rect(0, 0, square, square)),
					InstanceCount: 1,
				}},
			}},
		},
	}

	background := flare.CompositeTile{
		Surface:  flare.CompositeTileSurface{Kind: flare.TileSurfaceColor, Color: geom.RGBA(0.1, 0.1, 0.15, 1)},
		Rect:     geom.IntRect{Size: size},
		ClipRect: geom.IntRect{Size: size},
	}
	moving := flare.CompositeTile{
		Surface:  flare.CompositeTileSurface{Kind: flare.TileSurfaceColor, Color: geom.RGBA(1, 0.5, 0, 1)},
		Rect:     geom.Rect(x, y, square, square),
		ClipRect: geom.IntRect{Size: size},
	}

	// The square moved: both its old and new positions need recomposite.
	dirty := geom.Rect(x, y, square, square)
	if frame > 0 {
		px := ((frame - 1) * 7) % (size.Width - square)
		py := ((frame - 1) * 3) % (size.Height - square)
		dirty = dirty.Union(geom.Rect(px, py, square, square))
	}

	return &flare.Frame{
		Passes:     []flare.RenderPass{offscreen, {Kind: flare.PassMainFramebuffer}},
		DeviceRect: geom.IntRect{Size: size},
		Composite: flare.CompositeState{
			OpaqueTiles: []flare.CompositeTile{background},
			AlphaTiles:  []flare.CompositeTile{moving},
			DirtyRects:  []geom.IntRect{dirty},
		},
		CacheFrameID:         flare.CacheFrameID(frame + 1),
		HasTextureCacheTasks: frame == 0,
	}
}

// quadInstance packs one composite instance: destination rect plus an
// identically sized UV rect.
func quadInstance(rect geom.IntRect) []byte {
	data := make([]byte, 0, 32)
	for _, v := range [8]float32{
		float32(rect.Origin.X), float32(rect.Origin.Y),
		float32(rect.Size.Width), float32(rect.Size.Height),
		0, 0,
		float32(rect.Size.Width), float32(rect.Size.Height),
	} {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
	}
	return data
}

func envInt(key string, fallback int) int {
	v := envy.Get(key, "")
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		log.Fatalf("%s=%q: %v", key, v, err)
	}
	return n
}

func envBool(key string, fallback bool) bool {
	switch envy.Get(key, "") {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
