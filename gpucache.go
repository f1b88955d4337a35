package flare

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/flare/device"
	"github.com/gogpu/flare/geom"
)

// MaxVertexTextureWidth is the GPU-cache texture width in blocks. Rows are
// fixed-width; the texture only ever grows in height.
const MaxVertexTextureWidth = 1024

// gpuBlockBytes is the byte size of one cache block (RGBA-F32 texel).
const gpuBlockBytes = 16

// GPUBlockData is one 16-byte cache block: a single RGBA-F32 texel that
// primitives address indirectly instead of duplicating per vertex.
type GPUBlockData [4]float32

// GPUCacheAddress is a block coordinate in the cache texture: U is the
// column, V the row.
type GPUCacheAddress struct {
	U, V int
}

// GpuCacheUpdate is one Copy update: BlockCount payload blocks starting at
// BlockIndex written to Address.
type GpuCacheUpdate struct {
	BlockIndex int
	BlockCount int
	Address    GPUCacheAddress
}

// GpuDebugChunk labels a cache range for debug overlays.
type GpuDebugChunk struct {
	Address GPUCacheAddress
	Size    int
	Tag     string
}

// GpuCacheUpdateList is one producer batch of cache mutations.
type GpuCacheUpdateList struct {
	// FrameID is the cache epoch this list advances the texture to.
	FrameID CacheFrameID

	// Height is the row count the cache must reach before the list applies.
	Height int

	// Clear requests a full cache reset before this list applies.
	Clear bool

	Blocks  []GPUBlockData
	Updates []GpuCacheUpdate

	DebugChunks []GpuDebugChunk
}

// cacheRow is the CPU mirror of one cache-texture row on the pixel-buffer
// bus. The dirty interval [minDirty, maxDirty) brackets the columns that
// changed since the last flush.
type cacheRow struct {
	blocks   []GPUBlockData
	minDirty int
	maxDirty int
}

func newCacheRow() *cacheRow {
	return &cacheRow{
		blocks:   make([]GPUBlockData, MaxVertexTextureWidth),
		minDirty: MaxVertexTextureWidth,
	}
}

func (r *cacheRow) isDirty() bool { return r.minDirty < r.maxDirty }

// addDirty widens the dirty interval to include [start, end).
func (r *cacheRow) addDirty(start, end int) {
	if start < r.minDirty {
		r.minDirty = start
	}
	if end > r.maxDirty {
		r.maxDirty = end
	}
}

func (r *cacheRow) clearDirty() {
	r.minDirty = MaxVertexTextureWidth
	r.maxDirty = 0
}

// gpuCacheBus is the update strategy of a GpuCacheTexture: CPU-mirrored
// rows uploaded through a staging path, or a GPU point-scatter stream. The
// bus is chosen once at construction and never mixed per instance.
type gpuCacheBus interface {
	name() string

	// apply patches the bus state (or pending stream) per the list.
	apply(list *GpuCacheUpdateList)

	// flush pushes pending content to the texture and returns the number
	// of rows (pixel bus) or blocks (scatter bus) sent.
	flush(dev device.Device, tex *device.Texture) int

	// invalidate marks everything dirty for re-upload. Impossible on the
	// scatter bus, which reports false.
	invalidate() bool
}

// pixelBufferBus is the CPU-mirrored bus: every row has a mirror patched per
// Copy update, and flush uploads only the dirty interval of dirty rows.
type pixelBufferBus struct {
	rows    []*cacheRow
	scratch []byte
}

func (b *pixelBufferBus) name() string { return "pixel-buffer" }

func (b *pixelBufferBus) apply(list *GpuCacheUpdateList) {
	for _, u := range list.Updates {
		// Row growth is lazy: referencing a row beyond the mirror extends it.
		for len(b.rows) <= u.Address.V {
			b.rows = append(b.rows, newCacheRow())
		}
		row := b.rows[u.Address.V]

		count := u.BlockCount
		if u.Address.U+count > MaxVertexTextureWidth {
			count = MaxVertexTextureWidth - u.Address.U
		}
		if count <= 0 {
			continue
		}
		copy(row.blocks[u.Address.U:u.Address.U+count], list.Blocks[u.BlockIndex:u.BlockIndex+count])
		row.addDirty(u.Address.U, u.Address.U+count)
	}
}

func (b *pixelBufferBus) flush(dev device.Device, tex *device.Texture) int {
	flushed := 0
	var up device.TextureUploader
	for y, row := range b.rows {
		if !row.isDirty() {
			continue
		}
		if y >= tex.Size().Height {
			break
		}
		if up == nil {
			up = dev.Uploader(tex)
		}
		width := row.maxDirty - row.minDirty
		b.scratch = encodeBlocks(b.scratch[:0], row.blocks[row.minDirty:row.maxDirty])
		up.Upload(geom.Rect(row.minDirty, y, width, 1), 0, width*gpuBlockBytes, b.scratch)
		row.clearDirty()
		flushed++
	}
	if up != nil {
		up.Close()
	}
	return flushed
}

func (b *pixelBufferBus) invalidate() bool {
	for _, row := range b.rows {
		row.addDirty(0, MaxVertexTextureWidth)
	}
	return true
}

// scatterVertex is one pending block write on the scatter bus.
type scatterVertex struct {
	address GPUCacheAddress
	value   GPUBlockData
}

// scatterBus keeps no CPU mirror: updates become a vertex stream drawn as
// GPU points into the cache texture through a dedicated program.
type scatterBus struct {
	program *device.Program
	pending []scatterVertex
	scratch []byte
}

func (b *scatterBus) name() string { return "scatter" }

func (b *scatterBus) apply(list *GpuCacheUpdateList) {
	for _, u := range list.Updates {
		for i := 0; i < u.BlockCount; i++ {
			addr := u.Address
			addr.U += i
			if addr.U >= MaxVertexTextureWidth {
				break
			}
			b.pending = append(b.pending, scatterVertex{
				address: addr,
				value:   list.Blocks[u.BlockIndex+i],
			})
		}
	}
}

func (b *scatterBus) flush(dev device.Device, tex *device.Texture) int {
	if len(b.pending) == 0 {
		return 0
	}
	size := tex.Size()
	// 24 bytes per vertex: normalized position + block value.
	b.scratch = b.scratch[:0]
	for _, v := range b.pending {
		x := (float32(v.address.U) + 0.5) / float32(size.Width)
		y := (float32(v.address.V) + 0.5) / float32(size.Height)
		b.scratch = appendF32(b.scratch, x, y)
		b.scratch = appendF32(b.scratch, v.value[0], v.value[1], v.value[2], v.value[3])
	}
	dev.BindDrawTarget(tex, 0, tex.FullRect())
	dev.BindProgram(b.program)
	dev.DrawPoints(b.scratch, len(b.pending))

	sent := len(b.pending)
	b.pending = b.pending[:0]
	return sent
}

func (b *scatterBus) invalidate() bool { return false }

// GpuCacheTexture is the growable GPU-resident data cache: a wide RGBA-F32
// texture of MaxVertexTextureWidth blocks per row, updated through exactly
// one of the two buses.
type GpuCacheTexture struct {
	texture *device.Texture
	bus     gpuCacheBus
}

// newGpuCacheTexture picks the bus once: scatter when both the caller and
// the device support it, the CPU-mirrored pixel-buffer bus otherwise.
func newGpuCacheTexture(dev device.Device, shaders *ShaderCache, useScatter bool) (*GpuCacheTexture, error) {
	c := &GpuCacheTexture{}
	if useScatter && dev.Capabilities().SupportsScatter {
		prog, err := shaders.Get(dev, ProgramCacheScatter)
		if err != nil {
			return nil, err
		}
		c.bus = &scatterBus{program: prog}
	} else {
		c.bus = &pixelBufferBus{}
	}
	Logger().Debug("flare: gpu cache bus selected", "bus", c.bus.name())
	return c, nil
}

// height returns the current texture height in rows.
func (c *GpuCacheTexture) height() int {
	if c.texture == nil {
		return 0
	}
	return c.texture.Size().Height
}

// ensureTexture grows the cache to at least height rows. The texture never
// shrinks; growth allocates a new texture and blits old contents across, so
// both buses keep their device-side state over a resize.
func (c *GpuCacheTexture) ensureTexture(dev device.Device, height int) error {
	if height <= c.height() {
		return nil
	}
	tex, err := dev.CreateTexture(device.TextureDescriptor{
		Label:        "gpu-cache",
		Size:         geom.Sz(MaxVertexTextureWidth, height),
		Layers:       1,
		Format:       device.FormatRGBAF32,
		Filter:       device.FilterNearest,
		RenderTarget: true,
	})
	if err != nil {
		return fmt.Errorf("%w: gpu cache grow to %d rows: %w", ErrResource, height, err)
	}
	if c.texture != nil {
		old := c.texture
		rect := old.FullRect()
		dev.Blit(old, 0, rect, tex, 0, rect)
		dev.DeleteTexture(old)
	}
	c.texture = tex
	return nil
}

// apply patches the bus with one update list. The texture must already be
// tall enough (ensureTexture runs first).
func (c *GpuCacheTexture) apply(list *GpuCacheUpdateList) {
	c.bus.apply(list)
}

// flush pushes pending bus content to the texture.
func (c *GpuCacheTexture) flush(dev device.Device) int {
	if c.texture == nil {
		return 0
	}
	return c.bus.flush(dev, c.texture)
}

// invalidate marks the whole cache for re-upload (the debug "invalidate GPU
// cache" command). On the scatter bus this is impossible and warns.
func (c *GpuCacheTexture) invalidate() {
	if !c.bus.invalidate() {
		Logger().Warn("flare: gpu cache invalidation is a no-op on the scatter bus")
	}
}

// usesScatter reports whether the scatter bus is active.
func (c *GpuCacheTexture) usesScatter() bool {
	_, ok := c.bus.(*scatterBus)
	return ok
}

// reportBytes returns the texture byte size.
func (c *GpuCacheTexture) reportBytes() int64 {
	if c.texture == nil {
		return 0
	}
	return c.texture.SizeInBytes()
}

// deinit frees the texture. The scatter program belongs to the shader cache.
func (c *GpuCacheTexture) deinit(dev device.Device) {
	if c.texture != nil {
		dev.DeleteTexture(c.texture)
		c.texture = nil
	}
}

// encodeBlocks appends the little-endian texel bytes of blocks to dst.
func encodeBlocks(dst []byte, blocks []GPUBlockData) []byte {
	for _, b := range blocks {
		for _, f := range b {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
		}
	}
	return dst
}

// appendF32 appends float32 values to dst in little-endian order.
func appendF32(dst []byte, vs ...float32) []byte {
	for _, v := range vs {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}
